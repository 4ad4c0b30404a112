package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for aicap.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// API server. Binding anything but loopback requires APIToken.
	APIHost  string `env:"API_HOST" envDefault:"127.0.0.1"`
	APIPort  int    `env:"API_PORT" envDefault:"1455"`
	APIToken string `env:"AICAP_API_TOKEN"`

	// DevMode additionally allows the Vite dev server origin.
	DevMode bool `env:"AICAP_DEV_MODE" envDefault:"false"`

	// DataDir holds tokens.enc, the salt and state.db. Defaults to ~/.aicap.
	DataDir string `env:"AICAP_DATA_DIR"`

	UpdateIntervalMinutes  int `env:"UPDATE_INTERVAL_MINUTES" envDefault:"5"`
	RateLimitRequests      int `env:"RATE_LIMIT_REQUESTS" envDefault:"60"`
	AuthRateLimitRequests  int `env:"AUTH_RATE_LIMIT_REQUESTS" envDefault:"5"`
	RateLimitWindowSeconds int `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`

	// OpenAI (Codex). Empty values take the public Codex CLI defaults.
	OpenAIClientID    string `env:"OPENAI_CLIENT_ID"`
	OpenAIRedirectURI string `env:"OPENAI_REDIRECT_URI"`
	CodexModel        string `env:"CODEX_MODEL_NAME"`

	// Google (Antigravity). Both id and secret are needed to connect.
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI  string `env:"GOOGLE_REDIRECT_URI"`

	EnableMCP bool `env:"ENABLE_MCP" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	// The data dir also anchors the watcher, which compares event paths
	// against it, so keep it absolute.
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535, got %d", c.APIPort)
	}

	if !isLoopbackHost(c.APIHost) && c.APIToken == "" {
		return fmt.Errorf("AICAP_API_TOKEN is required when API_HOST (%s) is not a loopback address", c.APIHost)
	}

	if c.UpdateIntervalMinutes < 1 {
		return fmt.Errorf("UPDATE_INTERVAL_MINUTES must be at least 1")
	}

	if c.RateLimitRequests < 1 || c.AuthRateLimitRequests < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and AUTH_RATE_LIMIT_REQUESTS must be at least 1")
	}

	if c.RateLimitWindowSeconds < 1 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be at least 1")
	}

	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// DefaultDataDir returns ~/.aicap.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".aicap"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ListenAddr returns the host:port the API server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.APIHost, strconv.Itoa(c.APIPort))
}

// UpdateInterval is the background limits refresh period.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMinutes) * time.Minute
}

// RateLimitWindow is the sliding window shared by both limiters.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// GoogleConfigured reports whether Antigravity can start an OAuth flow.
func (c *Config) GoogleConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}
