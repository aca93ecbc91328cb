package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the replica service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, the X-User-ID header is accepted in place of an API token
	// and the in-memory profile store becomes available.
	Mode string

	// Server
	Port              int
	ReadHeaderTimeout time.Duration
	DrainTimeout      time.Duration
	MaxBodySize       int64
	CORSEnabled       bool
	CORSOrigins       string

	// RAG engine (remote memory/identity store)
	RAGEngineURL     string
	RAGTimeout       time.Duration
	RAGMaxRetries    int
	RAGRetryBaseWait time.Duration

	// LLM (OpenAI-compatible chat completions)
	GroqAPIKey  string
	GroqModel   string
	GroqBaseURL string
	GroqTimeout time.Duration

	// Datastore backend type: "mongo" or "memory" (testing mode only).
	DatastoreType  string
	DBURL          string
	DBName         string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Remote listing cache: "redis", "local", or "none".
	CacheType       string
	RedisURL        string
	ListingCacheTTL time.Duration

	// Background reconciliation
	SyncEnabled  bool
	SyncInterval time.Duration

	// APITokens maps token values to user IDs (REPLICA_SERVICE_API_TOKENS_<USER_ID>=<token>).
	APITokens map[string]string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeProd,
		Port:              8080,
		ReadHeaderTimeout: 5 * time.Second,
		DrainTimeout:      30 * time.Second,
		MaxBodySize:       1 * 1024 * 1024,
		RAGEngineURL:      "http://localhost:8081",
		RAGTimeout:        15 * time.Second,
		RAGMaxRetries:     2,
		RAGRetryBaseWait:  200 * time.Millisecond,
		GroqModel:         "meta-llama/llama-4-scout-17b-16e-instruct",
		GroqBaseURL:       "https://api.groq.com/openai/v1",
		GroqTimeout:       30 * time.Second,
		DatastoreType:     "mongo",
		DBName:            "replica_service",
		DBMaxOpenConns:    25,
		DBMaxIdleConns:    5,
		CacheType:         "none",
		ListingCacheTTL:   5 * time.Minute,
		SyncEnabled:       true,
		SyncInterval:      1 * time.Hour,
		MetricsLabels:     "service=replica-service",
	}
}

// Validate checks cross-field constraints that flag parsing cannot express.
func (c *Config) Validate() error {
	if c.Mode != ModeProd && c.Mode != ModeTesting {
		return fmt.Errorf("invalid mode %q: expected %q or %q", c.Mode, ModeProd, ModeTesting)
	}
	if c.DatastoreType == "memory" && c.Mode != ModeTesting {
		return fmt.Errorf("the memory datastore is only available in testing mode")
	}
	if strings.TrimSpace(c.RAGEngineURL) == "" {
		return fmt.Errorf("rag-engine-url is required")
	}
	if c.RAGMaxRetries < 0 {
		return fmt.Errorf("rag-max-retries must not be negative")
	}
	return nil
}
