package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/mhalden/replica-service/internal/chat"
	"github.com/mhalden/replica-service/internal/config"
	"github.com/mhalden/replica-service/internal/llm"
	routechat "github.com/mhalden/replica-service/internal/plugin/route/chat"
	routereplicas "github.com/mhalden/replica-service/internal/plugin/route/replicas"
	routesystem "github.com/mhalden/replica-service/internal/plugin/route/system"
	storemetrics "github.com/mhalden/replica-service/internal/plugin/store/metrics"
	"github.com/mhalden/replica-service/internal/rag"
	registrycache "github.com/mhalden/replica-service/internal/registry/cache"
	registryroute "github.com/mhalden/replica-service/internal/registry/route"
	registrystore "github.com/mhalden/replica-service/internal/registry/store"
	"github.com/mhalden/replica-service/internal/security"
	"github.com/mhalden/replica-service/internal/service"
	"github.com/mhalden/replica-service/internal/session"
	"github.com/mhalden/replica-service/internal/training"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Store  registrystore.ProfileStore
	Router *gin.Engine

	// Port is the port the server is actually listening on. Differs from
	// Config.Port when the config asked for an OS-assigned port.
	Port int

	httpServer *http.Server
}

// Shutdown drains in-flight requests and closes the datastore.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.Store.Close(ctx); closeErr != nil {
		log.Error("Failed to close store", "err", closeErr)
	}
	return err
}

// StartServer initializes all subsystems and starts the HTTP server.
// Use cfg.Port=0 for a random port; the actual port is Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting replica service",
		"httpPort", cfg.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"ragEngine", cfg.RAGEngineURL,
		"llmConfigured", cfg.GroqAPIKey != "",
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Initialize the replica listing cache. A cache failure is not fatal:
	// reconciliation always goes to the RAG engine anyway.
	var listingCache registrycache.ReplicaListingCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if listingCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		listingCache = nil
	}

	// RAG engine client and the subsystems built on it.
	ragClient := rag.NewClient(cfg)
	if health := ragClient.Health(ctx); !health.Reachable {
		log.Warn("RAG engine not reachable at startup", "url", cfg.RAGEngineURL, "err", health.Error)
	}

	sessions := session.New(rag.BufferProcessor{Client: ragClient})
	completer := llm.NewClient(cfg, ragClient)
	orchestrator := chat.New(store, completer, sessions)
	ingestor := training.NewIngestor(ragClient)
	reconciler := service.NewReconciler(store, ragClient, listingCache)

	if cfg.SyncEnabled {
		syncSvc := service.NewSyncService(store, reconciler, cfg.SyncInterval)
		go syncSvc.Start(ctx)
	}

	// Shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(cfg, store)
	auth := security.AuthMiddleware(resolver)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	for _, loader := range registryroute.Loaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	routesystem.MountRoutes(router, store, ragClient)
	routereplicas.MountRoutes(router, auth, routereplicas.Deps{
		Store:      store,
		RAG:        ragClient,
		Reconciler: reconciler,
		Ingestor:   ingestor,
	})
	routechat.MountRoutes(router, auth, routechat.Deps{
		Store:        store,
		Orchestrator: orchestrator,
		Sessions:     sessions,
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "err", err)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	log.Info("Server listening", "port", port)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Router:     router,
		Port:       port,
		httpServer: httpServer,
	}, nil
}
