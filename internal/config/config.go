package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	Port           int
	DataDir        string
	LogLevel       slog.Level // Parsed log level (debug, info, warn, error)
	Runtime        string     // docker or containerd
	Endpoint       string     // runtime socket URI; empty uses the backend default
	Namespace      string     // containerd namespace
	ConnectTimeout time.Duration
	IdentityMode   string // cache or registry
	WatchFile      string // YAML watch list; empty disables the sync worker
	SyncInterval   time.Duration
	APISecret      string   // HMAC secret for API tokens
	Auth           bool     // require tokens for mutating endpoints
	AllowedOrigins []string // CORS / WebSocket origins; "*" allows any
	Mock           bool     // serve against an in-process fake daemon
	MockFixture    string   // YAML fixture for Mock
	Args           []string // positional arguments left after flags

	logLevel, origins string // raw flag values
}

// Parse reads flags from args (normally os.Args[1:]). Environment variables
// prefixed DOCKSTATE_ override flags.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	fs := pflag.NewFlagSet("dockstate", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Resolve(fs.Args())
	return cfg, nil
}

// BindFlags registers the configuration flags on fs. Call Resolve once fs
// has been parsed.
func (cfg *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&cfg.Port, "port", 5080, "HTTP server port")
	fs.StringVar(&cfg.DataDir, "data-dir", "./data", "Path to data directory (sync history)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Runtime, "runtime", "docker", "Container runtime backend (docker, containerd)")
	fs.StringVar(&cfg.Endpoint, "endpoint", "", "Runtime endpoint, e.g. unix:///var/run/docker.sock")
	fs.StringVar(&cfg.Namespace, "namespace", "default", "containerd namespace")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 10*time.Second, "How long to wait for the runtime to answer")
	fs.StringVar(&cfg.IdentityMode, "identity", "cache", "Remote identity source (cache, registry)")
	fs.StringVar(&cfg.WatchFile, "watch-file", "", "YAML list of references to keep up to date")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", 6*time.Hour, "Default interval between sync passes")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "Secret for API tokens (generated and stored when empty)")
	fs.BoolVar(&cfg.Auth, "auth", false, "Require a bearer token for sync requests")
	fs.StringVar(&cfg.origins, "allowed-origins", "*", "Comma-separated allowed origins")
	fs.BoolVar(&cfg.Mock, "mock", false, "Serve against an in-process fake Docker daemon")
	fs.StringVar(&cfg.MockFixture, "mock-fixture", "", "YAML fixture for --mock")
}

// Resolve applies environment overrides and fills the derived fields. args
// are the positional arguments left after flags.
func (cfg *Config) Resolve(args []string) {
	cfg.Args = args

	// Env vars override flags (if set)
	if v := os.Getenv("DOCKSTATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DOCKSTATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DOCKSTATE_LOG_LEVEL"); v != "" {
		cfg.logLevel = v
	}
	if v := os.Getenv("DOCKSTATE_RUNTIME"); v != "" {
		cfg.Runtime = v
	}
	if v := os.Getenv("DOCKSTATE_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("DOCKSTATE_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("DOCKSTATE_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ConnectTimeout = d
		}
	}
	if v := os.Getenv("DOCKSTATE_IDENTITY"); v != "" {
		cfg.IdentityMode = v
	}
	if v := os.Getenv("DOCKSTATE_WATCH_FILE"); v != "" {
		cfg.WatchFile = v
	}
	if v := os.Getenv("DOCKSTATE_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	if v := os.Getenv("DOCKSTATE_API_SECRET"); v != "" {
		cfg.APISecret = v
	}
	if v := os.Getenv("DOCKSTATE_AUTH"); v == "1" || v == "true" {
		cfg.Auth = true
	}
	if v := os.Getenv("DOCKSTATE_ALLOWED_ORIGINS"); v != "" {
		cfg.origins = v
	}
	if v := os.Getenv("DOCKSTATE_MOCK"); v == "1" || v == "true" {
		cfg.Mock = true
	}
	if v := os.Getenv("DOCKSTATE_MOCK_FIXTURE"); v != "" {
		cfg.MockFixture = v
	}

	cfg.LogLevel = parseLogLevel(cfg.logLevel)
	cfg.AllowedOrigins = splitList(cfg.origins)
	if cfg.APISecret != "" {
		cfg.Auth = true
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
