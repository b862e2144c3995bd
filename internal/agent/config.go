package agent

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the daemon configuration.
type Config struct {
	// Identity
	Name    string `json:"name"`    // "karibu"
	Persona string `json:"persona"` // system prompt preamble

	// Conversation shaping
	HistoryLimit int `json:"history_limit,omitempty"` // messages of context per turn
	SummaryCap   int `json:"summary_cap,omitempty"`   // max bytes of profile summary

	Store     StoreConfig     `json:"store"`
	LLM       ProviderConfig  `json:"llm"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Matrix    MatrixConfig    `json:"matrix"`
	Freshdesk FreshdeskConfig `json:"freshdesk"`
	Gateway   GatewayConfig   `json:"gateway"`
	Drip      DripConfig      `json:"drip"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver      string `json:"driver"` // "sqlite", "postgres", "rest"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresURL string `json:"postgres_url,omitempty"`
	RESTURL     string `json:"rest_url,omitempty"`
	RESTKey     string `json:"rest_key,omitempty"`
}

// ProviderConfig holds settings for the LLM provider.
type ProviderConfig struct {
	Provider    string  `json:"provider"` // "anthropic", "kimi", any OpenAI-compatible
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key"` // can use env var reference: "$ANTHROPIC_API_KEY"
	BaseURL     string  `json:"base_url,omitempty"`
	MaxOutput   int     `json:"max_output,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// WhatsAppConfig holds Cloud API settings.
type WhatsAppConfig struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token"`
	PhoneID      string `json:"phone_id"`
	VerifyToken  string `json:"verify_token"`
	TemplateLang string `json:"template_lang,omitempty"`
}

// MatrixConfig holds Matrix channel settings.
type MatrixConfig struct {
	Enabled      bool     `json:"enabled"`
	Homeserver   string   `json:"homeserver"`
	UserID       string   `json:"user_id"`
	Password     string   `json:"password"`
	ServerName   string   `json:"server_name"`
	AllowedUsers []string `json:"allowed_users"`
	DataDir      string   `json:"data_dir"`
}

// FreshdeskConfig holds helpdesk settings.
type FreshdeskConfig struct {
	Domain string `json:"domain"`
	APIKey string `json:"api_key"`
}

// GatewayConfig holds the HTTP gateway settings.
type GatewayConfig struct {
	Addr       string `json:"addr"`        // e.g. ":8080"
	CronSecret string `json:"cron_secret"` // bearer token for the drip sweep endpoint
}

// DripConfig holds re-engagement scheduler settings.
type DripConfig struct {
	Disabled   bool   `json:"disabled,omitempty"`
	Interval   string `json:"interval,omitempty"`    // cron spec, e.g. "@every 1m"
	Batch      int    `json:"batch,omitempty"`       // tasks per sweep
	DelayHours int    `json:"delay_hours,omitempty"` // default delay for new tasks
}

// LoadConfig reads config from a file path or environment.
// If path is empty, uses defaults suitable for container deployment.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Resolve env var references in all $-prefixed values
	cfg.Store.PostgresURL = resolveEnv(cfg.Store.PostgresURL)
	cfg.Store.RESTURL = resolveEnv(cfg.Store.RESTURL)
	cfg.Store.RESTKey = resolveEnv(cfg.Store.RESTKey)
	cfg.LLM.APIKey = resolveEnv(cfg.LLM.APIKey)
	cfg.WhatsApp.Token = resolveEnv(cfg.WhatsApp.Token)
	cfg.WhatsApp.VerifyToken = resolveEnv(cfg.WhatsApp.VerifyToken)
	cfg.Matrix.Homeserver = resolveEnv(cfg.Matrix.Homeserver)
	cfg.Matrix.Password = resolveEnv(cfg.Matrix.Password)
	cfg.Freshdesk.APIKey = resolveEnv(cfg.Freshdesk.APIKey)
	cfg.Gateway.CronSecret = resolveEnv(cfg.Gateway.CronSecret)

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "karibu"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 15
	}
	if c.SummaryCap <= 0 {
		c.SummaryCap = 3000
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "karibu.db"
	}
	if c.WhatsApp.TemplateLang == "" {
		c.WhatsApp.TemplateLang = "en"
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = ":8080"
	}
	if c.Drip.Interval == "" {
		c.Drip.Interval = "@every 1m"
	}
	if c.Drip.Batch <= 0 {
		c.Drip.Batch = 10
	}
	if c.Drip.DelayHours <= 0 {
		c.Drip.DelayHours = 23
	}
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// defaultConfig returns a config using environment variables,
// suitable for container deployment without a config file.
func defaultConfig() *Config {
	cfg := &Config{
		Name: "karibu",
		Store: StoreConfig{
			Driver:      envOr("KARIBU_STORE_DRIVER", "sqlite"),
			SQLitePath:  envOr("KARIBU_SQLITE_PATH", "/data/karibu.db"),
			PostgresURL: envOr("KARIBU_PG_URL", ""),
			RESTURL:     envOr("SUPABASE_URL", ""),
			RESTKey:     envOr("SUPABASE_KEY", ""),
		},
		LLM: ProviderConfig{
			Provider:    envOr("KARIBU_LLM_PROVIDER", "anthropic"),
			Model:       envOr("KARIBU_LLM_MODEL", ""),
			APIKey:      os.Getenv("ANTHROPIC_API_KEY"),
			MaxOutput:   2048,
			Temperature: 0.7,
		},
		WhatsApp: WhatsAppConfig{
			Enabled:     envOr("WHATSAPP_TOKEN", "") != "",
			Token:       envOr("WHATSAPP_TOKEN", ""),
			PhoneID:     envOr("WHATSAPP_PHONE_ID", ""),
			VerifyToken: envOr("WHATSAPP_VERIFY_TOKEN", ""),
		},
		Freshdesk: FreshdeskConfig{
			Domain: envOr("FRESHDESK_DOMAIN", ""),
			APIKey: envOr("FRESHDESK_API_KEY", ""),
		},
		Gateway: GatewayConfig{
			Addr:       envOr("KARIBU_ADDR", ":8080"),
			CronSecret: envOr("CRON_SECRET", ""),
		},
	}
	cfg.applyDefaults()
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
