// Package config loads bridge configuration from the environment and
// governance profiles from YAML.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds process configuration. Every field has a default so a bare
// environment yields a working local setup.
type Config struct {
	RootDir      string
	QueueDir     string
	PollInterval time.Duration
	// ClientTimeout bounds how long a client waits for a result.
	ClientTimeout time.Duration

	BridgeToken string
	AdminSecret string

	StoreBackend string // file | sqlite | postgres
	SQLitePath   string
	PostgresDSN  string

	TrustBackend string // file | redis
	RedisAddr    string

	LogLevel  string
	LogFormat string // json | text
	LogFile   string

	APIAddr      string
	APIRateLimit float64

	OTelEnabled  bool
	OTLPEndpoint string

	SandboxModule  string
	HostConstraint string
	PolicyProfile  string
	ArchiveTarget  string
}

// Load reads configuration from environment variables.
func Load() *Config {
	root := getenv("VIBE_ROOT", ".vibebridge")
	return &Config{
		RootDir:       root,
		QueueDir:      getenv("VIBE_QUEUE_DIR", filepath.Join(root, "vibe_queue")),
		PollInterval:  getDuration("VIBE_POLL_INTERVAL", 100*time.Millisecond),
		ClientTimeout: getDuration("VIBE_CLIENT_TIMEOUT", 60*time.Second),

		BridgeToken: os.Getenv("VIBE_BRIDGE_TOKEN"),
		AdminSecret: os.Getenv("VIBE_ADMIN_SECRET"),

		StoreBackend: strings.ToLower(getenv("VIBE_STORE", "file")),
		SQLitePath:   getenv("VIBE_SQLITE_PATH", filepath.Join(root, "vibebridge.db")),
		PostgresDSN:  getenv("DATABASE_URL", "postgres://vibe@localhost:5432/vibebridge?sslmode=disable"),

		TrustBackend: strings.ToLower(getenv("VIBE_TRUST_STORE", "file")),
		RedisAddr:    getenv("VIBE_REDIS_ADDR", "localhost:6379"),

		LogLevel:  strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		LogFormat: strings.ToLower(getenv("LOG_FORMAT", "json")),
		LogFile:   os.Getenv("LOG_FILE"),

		APIAddr:      getenv("VIBE_API_ADDR", "127.0.0.1:22000"),
		APIRateLimit: getFloat("VIBE_API_RPS", 20),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		SandboxModule:  os.Getenv("VIBE_SANDBOX_MODULE"),
		HostConstraint: getenv("VIBE_HOST_CONSTRAINT", ">= 3.6.0"),
		PolicyProfile:  os.Getenv("VIBE_POLICY_PROFILE"),
		ArchiveTarget:  os.Getenv("VIBE_ARCHIVE_TARGET"),
	}
}

// PolicyPath is where the file policy store keeps its record.
func (c *Config) PolicyPath() string { return filepath.Join(c.RootDir, "policy_state.json") }

// LedgerPath is where the file ledger storage appends entries.
func (c *Config) LedgerPath() string { return filepath.Join(c.RootDir, "audit_ledger.jsonl") }

// TrustPath is where the file trust store keeps approved hashes.
func (c *Config) TrustPath() string { return filepath.Join(c.RootDir, "trusted_signatures.json") }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}
