package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for roomsync.
type Config struct {
	// Collaboration backend and the room to enter.
	ServerURL string `env:"ROOMSYNC_SERVER_URL"`
	RoomID    string `env:"ROOMSYNC_ROOM_ID"`

	// Token sources. At least one is required; the endpoint wins when both
	// are set.
	AuthEndpoint string `env:"ROOMSYNC_AUTH_ENDPOINT"`
	PublicKey    string `env:"ROOMSYNC_PUBLIC_KEY"`
	TokenFile    string `env:"ROOMSYNC_TOKEN_FILE"`

	// TokenCache is a bbolt file keeping tokens across restarts.
	TokenCache string `env:"ROOMSYNC_TOKEN_CACHE"`

	// InitialState is a YAML file with presence and storage seeds.
	InitialState string `env:"ROOMSYNC_INITIAL_STATE"`

	ConnectTimeout        time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	SnapshotTimeout       time.Duration `env:"SNAPSHOT_TIMEOUT" envDefault:"10s"`
	ReconnectMin          time.Duration `env:"RECONNECT_MIN" envDefault:"250ms"`
	ReconnectMax          time.Duration `env:"RECONNECT_MAX" envDefault:"15s"`
	LostConnectionTimeout time.Duration `env:"LOST_CONNECTION_TIMEOUT" envDefault:"5s"`
	HeartbeatInterval     time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout      time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`
	TokenRefreshMargin    time.Duration `env:"TOKEN_REFRESH_MARGIN" envDefault:"60s"`
	HistoryLimit          int           `env:"HISTORY_LIMIT" envDefault:"50"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP endpoint. Disabled unless MCPListenAddr is set.
	MCPListenAddr string `env:"MCP_LISTEN_ADDR"`
	MCPAPIKeyHash string `env:"MCP_API_KEY_HASH"`
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Relative paths are resolved once so the token file watcher and the
	// cache see the same file regardless of later working directory.
	for _, p := range []*string{&cfg.TokenFile, &cfg.TokenCache, &cfg.InitialState} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("ROOMSYNC_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("ROOMSYNC_SERVER_URL must be a ws:// or wss:// URL")
	}

	if c.RoomID == "" {
		return fmt.Errorf("ROOMSYNC_ROOM_ID is required")
	}

	if c.AuthEndpoint == "" && c.TokenFile == "" {
		return fmt.Errorf("one of ROOMSYNC_AUTH_ENDPOINT or ROOMSYNC_TOKEN_FILE is required")
	}

	if c.AuthEndpoint != "" {
		u, err := url.Parse(c.AuthEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ROOMSYNC_AUTH_ENDPOINT must be an http:// or https:// URL")
		}
	}

	if c.ReconnectMin <= 0 {
		return fmt.Errorf("RECONNECT_MIN must be positive")
	}

	if c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MAX (%s) must not be less than RECONNECT_MIN (%s)", c.ReconnectMax, c.ReconnectMin)
	}

	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}

	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	if c.MCPListenAddr != "" {
		if c.MCPAPIKeyHash == "" {
			return fmt.Errorf("MCP_API_KEY_HASH is required when MCP_LISTEN_ADDR is set")
		}

		if _, err := bcrypt.Cost([]byte(c.MCPAPIKeyHash)); err != nil {
			return fmt.Errorf("MCP_API_KEY_HASH is not a bcrypt hash: %w", err)
		}
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// MCPEnabled reports whether the MCP endpoint should be served.
func (c *Config) MCPEnabled() bool {
	return c.MCPListenAddr != ""
}

// InitialState holds the seeds read from ROOMSYNC_INITIAL_STATE.
type InitialState struct {
	Presence value.Value
	Storage  value.Value
}

type initialStateFile struct {
	Presence map[string]any `yaml:"presence"`
	Storage  map[string]any `yaml:"storage"`
}

// LoadInitialState reads presence and storage seeds from a YAML file.
// Missing sections are null.
func LoadInitialState(path string) (InitialState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return InitialState{}, fmt.Errorf("reading initial state: %w", err)
	}

	return ParseInitialState(data)
}

// ParseInitialState decodes the YAML form of InitialState.
func ParseInitialState(data []byte) (InitialState, error) {
	var f initialStateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return InitialState{}, fmt.Errorf("%w: parsing initial state: %v", apperrors.ErrInvalidOperation, err)
	}

	var (
		st  InitialState
		err error
	)

	if f.Presence != nil {
		if st.Presence, err = value.FromAny(f.Presence); err != nil {
			return InitialState{}, fmt.Errorf("initial presence: %w", err)
		}
	}

	if f.Storage != nil {
		if st.Storage, err = value.FromAny(f.Storage); err != nil {
			return InitialState{}, fmt.Errorf("initial storage: %w", err)
		}
	}

	return st, nil
}
