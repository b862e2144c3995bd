// Package gateway exposes the daemon's HTTP surface: the WhatsApp webhook,
// the drip scheduling endpoints, and operational probes.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/karibu-labs/karibu/internal/agent"
	"github.com/karibu-labs/karibu/internal/channel/whatsapp"
	"github.com/karibu-labs/karibu/pkg/drip"
)

const (
	turnTimeout   = 90 * time.Second
	sweepTimeout  = 5 * time.Minute
	maxParamBytes = 1000
)

// Gateway routes HTTP traffic to the agent and the drip worker.
type Gateway struct {
	agent      *agent.Agent
	drips      *drip.Worker
	wa         *whatsapp.Client // nil when the WhatsApp channel is disabled
	cronSecret string
	tmplLang   string
	started    time.Time
}

// New creates a gateway. wa may be nil; the webhook endpoints then 404.
func New(a *agent.Agent, drips *drip.Worker, wa *whatsapp.Client, cronSecret, tmplLang string) *Gateway {
	return &Gateway{
		agent:      a,
		drips:      drips,
		wa:         wa,
		cronSecret: cronSecret,
		tmplLang:   tmplLang,
		started:    time.Now(),
	}
}

// Handler builds the route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	if g.wa != nil {
		mux.HandleFunc("GET /webhook", g.handleVerify)
		mux.HandleFunc("POST /webhook", g.handleWebhook)
	}
	mux.HandleFunc("POST /v1/drips", g.handleScheduleDrip)
	mux.Handle("POST /v1/drips/process", g.requireCronSecret(http.HandlerFunc(g.handleProcessDrips)))
	mux.HandleFunc("POST /v1/messages", g.handleTemplateMessage)
	mux.HandleFunc("POST /v1/memory", g.handleMemoryImport)
	mux.HandleFunc("GET /health", g.handleHealth)
	return mux
}

// Serve runs the HTTP server until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// requireCronSecret guards an endpoint with a constant-time bearer check.
func (g *Gateway) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cronSecret == "" {
			http.Error(w, "endpoint disabled: no cron secret configured", http.StatusForbidden)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		gotHash := sha256.Sum256([]byte(token))
		wantHash := sha256.Sum256([]byte(g.cronSecret))
		if subtle.ConstantTimeCompare(gotHash[:], wantHash[:]) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
