package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/karibu-labs/karibu/internal/agent"
	"github.com/karibu-labs/karibu/internal/channel/matrix"
	"github.com/karibu-labs/karibu/internal/channel/whatsapp"
	"github.com/karibu-labs/karibu/internal/gateway"
	"github.com/karibu-labs/karibu/internal/llm"
	"github.com/karibu-labs/karibu/internal/tickets"
	"github.com/karibu-labs/karibu/pkg/drip"
	"github.com/karibu-labs/karibu/pkg/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("karibu %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Optional .env for local development; env vars win over file values.
	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cp := *configPath
	if cp == "" {
		cp = os.Getenv("KARIBU_CONFIG_PATH")
	}
	cfg, err := agent.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	provider := buildProvider(cfg)
	slog.Info("karibu starting",
		"version", version,
		"store", cfg.Store.Driver,
		"provider", provider.Name(),
	)

	var ticketsAPI agent.TicketAPI
	if cfg.Freshdesk.Domain != "" && cfg.Freshdesk.APIKey != "" {
		ticketsAPI = tickets.New(cfg.Freshdesk.Domain, cfg.Freshdesk.APIKey)
	} else {
		slog.Warn("freshdesk not configured, support tools disabled")
	}

	a := agent.New(cfg, st, provider, ticketsAPI)

	var wa *whatsapp.Client
	if cfg.WhatsApp.Enabled {
		wa = whatsapp.New(cfg.WhatsApp.Token, cfg.WhatsApp.PhoneID, cfg.WhatsApp.VerifyToken)
		a.RegisterSender(wa)
	}

	var mx *matrix.Channel
	if cfg.Matrix.Enabled {
		mx = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		})
		a.RegisterSender(mx)
	}

	// Drips go out on whichever channel the user lives on; with one channel
	// configured that channel carries them all.
	dripSender := a.Sender("whatsapp")
	if dripSender == nil {
		dripSender = a.Sender("matrix")
	}
	if dripSender == nil {
		slog.Error("no channel configured")
		os.Exit(1)
	}

	worker := drip.NewWorker(st, dripSender, a.GenerateDrip, drip.Config{
		Spec:       cfg.Drip.Interval,
		Batch:      cfg.Drip.Batch,
		DelayHours: cfg.Drip.DelayHours,
	})

	gw := gateway.New(a, worker, wa, cfg.Gateway.CronSecret, cfg.WhatsApp.TemplateLang)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var wg sync.WaitGroup

	if !cfg.Drip.Disabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				slog.Error("drip worker error", "error", err)
			}
		}()
	}

	if mx != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mx.Start(ctx, a.HandleInbound); err != nil {
				slog.Error("matrix channel error", "error", err)
				cancel()
			}
		}()
	}

	if err := gw.Serve(ctx, cfg.Gateway.Addr); err != nil && ctx.Err() == nil {
		slog.Error("gateway error", "error", err)
		cancel()
	}

	if mx != nil {
		mx.Stop()
	}
	wg.Wait()
	slog.Info("karibu stopped")
}

func openStore(ctx context.Context, cfg *agent.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Store.PostgresURL)
	case "rest":
		return store.NewREST(cfg.Store.RESTURL, cfg.Store.RESTKey), nil
	default:
		return store.OpenSQLite(cfg.Store.SQLitePath)
	}
}

func buildProvider(cfg *agent.Config) llm.Provider {
	p := cfg.LLM
	switch p.Provider {
	case "", "anthropic":
		if p.BaseURL != "" {
			return llm.NewAnthropicCompat(p.Provider, p.BaseURL, p.APIKey, p.Model)
		}
		return llm.NewAnthropic(p.APIKey, p.Model)
	default:
		return llm.NewOpenAICompat(p.Provider, p.BaseURL, p.APIKey, p.Model)
	}
}
