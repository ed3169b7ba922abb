package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultBaseURL           = "https://api.openai.com/v1"
	DefaultModel             = "gpt-4o-mini"
	DefaultRequestTimeoutSec = 60
	DefaultConnectTimeoutSec = 30
	DefaultWorkers           = 4
	DefaultQueueSize         = 32
	DefaultMaxHistory        = 20
	DefaultContextDays       = 90
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 18791
	DefaultBufSize           = 100
	DefaultDigestSchedule    = "0 0 21 * * *"
)

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Advisor  AdvisorConfig  `json:"advisor"`
	Ledger   LedgerConfig   `json:"ledger"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Digest   DigestConfig   `json:"digest"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type AdvisorConfig struct {
	Model             string `json:"model"`
	RemoteEnabled     bool   `json:"remoteEnabled"`
	Stream            bool   `json:"stream"`
	RequestTimeoutSec int    `json:"requestTimeoutSec"`
	ConnectTimeoutSec int    `json:"connectTimeoutSec"`
	Workers           int    `json:"workers"`
	QueueSize         int    `json:"queueSize"`
	MaxHistory        int    `json:"maxHistory"`
	ContextDays       int    `json:"contextDays"`
	RulesFile         string `json:"rulesFile,omitempty"`
	Preamble          string `json:"preamble,omitempty"`
}

type LedgerConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type ChannelsConfig struct {
	WebUI    WebUIConfig    `json:"webui"`
	Telegram TelegramConfig `json:"telegram"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DigestConfig schedules the periodic spending digest pushed to a chat.
type DigestConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Channel  string `json:"channel,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL: DefaultBaseURL,
		},
		Advisor: AdvisorConfig{
			Model:             DefaultModel,
			RemoteEnabled:     true,
			Stream:            true,
			RequestTimeoutSec: DefaultRequestTimeoutSec,
			ConnectTimeoutSec: DefaultConnectTimeoutSec,
			Workers:           DefaultWorkers,
			QueueSize:         DefaultQueueSize,
			MaxHistory:        DefaultMaxHistory,
			ContextDays:       DefaultContextDays,
		},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{Enabled: true},
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Digest: DigestConfig{
			Schedule: DefaultDigestSchedule,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".fintrack")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LedgerPath resolves the SQLite ledger location.
func (c *Config) LedgerPath() string {
	if c.Ledger.DBPath != "" {
		return c.Ledger.DBPath
	}
	return filepath.Join(ConfigDir(), "data", "ledger.db")
}

func (c *Config) RequestTimeout() time.Duration {
	return secondsOr(c.Advisor.RequestTimeoutSec, DefaultRequestTimeoutSec)
}

func (c *Config) ConnectTimeout() time.Duration {
	return secondsOr(c.Advisor.ConnectTimeoutSec, DefaultConnectTimeoutSec)
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func LoadConfig() (*Config, error) {
	// .env in the working directory is optional.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("FINTRACK_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("FINTRACK_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("FINTRACK_MODEL"); model != "" {
		cfg.Advisor.Model = model
	}
	if enabled := os.Getenv("FINTRACK_REMOTE_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Advisor.RemoteEnabled = parsed
		}
	}
	if stream := os.Getenv("FINTRACK_STREAM"); stream != "" {
		if parsed, err := strconv.ParseBool(stream); err == nil {
			cfg.Advisor.Stream = parsed
		}
	}
	if dbPath := os.Getenv("FINTRACK_LEDGER_PATH"); dbPath != "" {
		cfg.Ledger.DBPath = dbPath
	}
	if token := os.Getenv("FINTRACK_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = DefaultBaseURL
	}
	if cfg.Advisor.Model == "" {
		cfg.Advisor.Model = DefaultModel
	}
	if cfg.Advisor.Workers <= 0 {
		cfg.Advisor.Workers = DefaultWorkers
	}
	if cfg.Advisor.QueueSize <= 0 {
		cfg.Advisor.QueueSize = DefaultQueueSize
	}
	if cfg.Advisor.ContextDays <= 0 {
		cfg.Advisor.ContextDays = DefaultContextDays
	}
	if cfg.Digest.Schedule == "" {
		cfg.Digest.Schedule = DefaultDigestSchedule
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
