package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mhalden/replica-service/internal/rag"
	registryroute "github.com/mhalden/replica-service/internal/registry/route"
	registrystore "github.com/mhalden/replica-service/internal/registry/store"
)

var ready atomic.Bool

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after wiring
		},
	})
}

// MountRoutes mounts health, readiness, and metrics endpoints. The health
// payload passes through RAG engine reachability so operators see both hops.
func MountRoutes(r *gin.Engine, store registrystore.ProfileStore, ragClient *rag.Client) {
	r.GET("/health", func(c *gin.Context) {
		engine := ragClient.Health(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"ragEngine": gin.H{
				"reachable": engine.Reachable,
				"status":    engine.Status,
				"version":   engine.Version,
			},
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		if !ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
