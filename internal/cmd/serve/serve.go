package serve

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/mhalden/replica-service/internal/config"
	registrycache "github.com/mhalden/replica-service/internal/registry/cache"
	registrystore "github.com/mhalden/replica-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/mhalden/replica-service/internal/plugin/cache/local"
	_ "github.com/mhalden/replica-service/internal/plugin/cache/noop"
	_ "github.com/mhalden/replica-service/internal/plugin/cache/redis"
	_ "github.com/mhalden/replica-service/internal/plugin/route/chat"
	_ "github.com/mhalden/replica-service/internal/plugin/route/replicas"
	_ "github.com/mhalden/replica-service/internal/plugin/route/system"
	_ "github.com/mhalden/replica-service/internal/plugin/store/memory"
	_ "github.com/mhalden/replica-service/internal/plugin/store/mongo"
)

// apiTokenEnvPrefix names per-user API token environment variables:
// REPLICA_SERVICE_API_TOKENS_<USER_ID>=<token>.
const apiTokenEnvPrefix = "REPLICA_SERVICE_API_TOKENS_"

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the replica service HTTP server",
		Flags: flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.APITokens = parseAPITokens(os.Environ())
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Run mode (prod|testing); testing accepts the X-User-ID header and the memory store",
		},
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port (0 = OS-assigned random port)",
		},
		&cli.DurationFlag{
			Name:        "read-header-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_READ_HEADER_TIMEOUT"),
			Destination: &cfg.ReadHeaderTimeout,
			Value:       cfg.ReadHeaderTimeout,
			Usage:       "HTTP read header timeout",
		},
		&cli.DurationFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Grace period for in-flight requests during shutdown",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "Server:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_CORS"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins (empty = any)",
		},

		// ── RAG Engine ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "rag-engine-url",
			Category:    "RAG Engine:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_RAG_ENGINE_URL"),
			Destination: &cfg.RAGEngineURL,
			Value:       cfg.RAGEngineURL,
			Usage:       "Base URL of the RAG engine",
		},
		&cli.DurationFlag{
			Name:        "rag-timeout",
			Category:    "RAG Engine:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_RAG_TIMEOUT"),
			Destination: &cfg.RAGTimeout,
			Value:       cfg.RAGTimeout,
			Usage:       "Per-request timeout for RAG engine calls",
		},
		&cli.IntFlag{
			Name:        "rag-max-retries",
			Category:    "RAG Engine:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_RAG_MAX_RETRIES"),
			Destination: &cfg.RAGMaxRetries,
			Value:       cfg.RAGMaxRetries,
			Usage:       "Retries after a transient RAG engine failure",
		},

		// ── LLM ───────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "groq-api-key",
			Category:    "LLM:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_GROQ_API_KEY", "GROQ_API_KEY"),
			Destination: &cfg.GroqAPIKey,
			Usage:       "Groq API key; chat falls back to a stub reply when unset",
		},
		&cli.StringFlag{
			Name:        "groq-model",
			Category:    "LLM:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_GROQ_MODEL"),
			Destination: &cfg.GroqModel,
			Value:       cfg.GroqModel,
			Usage:       "Chat completion model",
		},
		&cli.StringFlag{
			Name:        "groq-base-url",
			Category:    "LLM:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_GROQ_BASE_URL"),
			Destination: &cfg.GroqBaseURL,
			Value:       cfg.GroqBaseURL,
			Usage:       "OpenAI-compatible chat completions base URL",
		},
		&cli.DurationFlag{
			Name:        "groq-timeout",
			Category:    "LLM:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_GROQ_TIMEOUT"),
			Destination: &cfg.GroqTimeout,
			Value:       cfg.GroqTimeout,
			Usage:       "Per-request timeout for chat completion calls",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
		},
		&cli.StringFlag{
			Name:        "db-name",
			Category:    "Database:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_DB_NAME"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "Database name",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Replica listing cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "listing-cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_LISTING_CACHE_TTL"),
			Destination: &cfg.ListingCacheTTL,
			Value:       cfg.ListingCacheTTL,
			Usage:       "TTL for cached remote replica listings",
		},

		// ── Background Sync ───────────────────────────────────────
		&cli.BoolFlag{
			Name:        "sync-enabled",
			Category:    "Background Sync:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_SYNC_ENABLED"),
			Destination: &cfg.SyncEnabled,
			Value:       cfg.SyncEnabled,
			Usage:       "Periodically reconcile every caretaker against the remote listing",
		},
		&cli.DurationFlag{
			Name:        "sync-interval",
			Category:    "Background Sync:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_SYNC_INTERVAL"),
			Destination: &cfg.SyncInterval,
			Value:       cfg.SyncInterval,
			Usage:       "Interval between background reconciliation sweeps",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("REPLICA_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics",
		},
	}
}

// parseAPITokens builds the token -> userID map from environment entries of
// the form REPLICA_SERVICE_API_TOKENS_<USER_ID>=<token>. The user id suffix
// is lowercased, matching the service's lowercase user id convention.
func parseAPITokens(environ []string) map[string]string {
	tokens := map[string]string{}
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		userID, ok := strings.CutPrefix(name, apiTokenEnvPrefix)
		if !ok || userID == "" || value == "" {
			continue
		}
		tokens[value] = strings.ToLower(userID)
	}
	return tokens
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}
