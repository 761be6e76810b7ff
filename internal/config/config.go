package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Transfer backends.
const (
	BackendHTTP = "http"
	BackendCurl = "curl"
)

// Config is read from the environment. Nested groups are prefixed with
// their name, so Transfer.StallTimeout is TRANSFER_STALL_TIMEOUT.
type Config struct {
	ModelsDir   string `envconfig:"MODELS_DIR" default:"~/.local/llama-cpp/models"`
	ScriptsRoot string `envconfig:"SCRIPTS_ROOT" default:"."`
	ScriptsFile string `envconfig:"SCRIPTS_FILE"`

	HFBaseURL string        `envconfig:"HF_BASE_URL" default:"https://huggingface.co"`
	HFToken   string        `envconfig:"HF_TOKEN"`
	HFTimeout time.Duration `envconfig:"HF_TIMEOUT" default:"15s"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	PartRetention     time.Duration `envconfig:"PART_RETENTION" default:"72h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	Transfer struct {
		Backend      string        `split_words:"true" default:"http"`
		StallTimeout time.Duration `split_words:"true" default:"60s"`
		MaxRedirects int           `split_words:"true" default:"10"`
		CurlPath     string        `split_words:"true" default:"curl"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"llama_manager"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		ExportInterval time.Duration `split_words:"true" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads and validates the configuration. "~" in MODELS_DIR is
// expanded to the user's home directory.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dir, err := expandHome(cfg.ModelsDir)
	if err != nil {
		return nil, err
	}

	cfg.ModelsDir = dir

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Transfer.Backend {
	case BackendHTTP, BackendCurl:
	default:
		return fmt.Errorf("invalid transfer backend: %s", c.Transfer.Backend)
	}

	if c.Transfer.MaxRedirects < 0 {
		return fmt.Errorf("invalid max redirects: %d", c.Transfer.MaxRedirects)
	}

	return nil
}

// SlogLevel parses LOG_LEVEL the way slog names levels, ignoring case.
// Anything unrecognised logs at info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}

	return level
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
