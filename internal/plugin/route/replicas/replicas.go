// Package replicas exposes the replica inventory API: creation with training
// ingestion, listing, deletion with resurrection suppression, reconciliation,
// and deletion-tracking maintenance.
package replicas

import (
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/mhalden/replica-service/internal/model"
	"github.com/mhalden/replica-service/internal/rag"
	registryroute "github.com/mhalden/replica-service/internal/registry/route"
	registrystore "github.com/mhalden/replica-service/internal/registry/store"
	"github.com/mhalden/replica-service/internal/security"
	"github.com/mhalden/replica-service/internal/service"
	"github.com/mhalden/replica-service/internal/training"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after wiring
		},
	})
}

// Deps holds everything the replica handlers need.
type Deps struct {
	Store      registrystore.ProfileStore
	RAG        *rag.Client
	Reconciler *service.Reconciler
	Ingestor   *training.Ingestor
}

// MountRoutes mounts the replica routes on /api/replicas.
func MountRoutes(r *gin.Engine, auth gin.HandlerFunc, deps Deps) {
	g := r.Group("/api/replicas", auth)

	g.GET("", func(c *gin.Context) { listReplicas(c, deps) })
	g.POST("", security.RequireCaretaker(), func(c *gin.Context) { createReplica(c, deps) })
	g.DELETE("/:id", security.RequireCaretaker(), func(c *gin.Context) { deleteReplica(c, deps) })
	g.POST("/reconcile", security.RequireCaretaker(), func(c *gin.Context) { reconcileReplicas(c, deps) })
	g.POST("/deleted-tracking/clear", security.RequireCaretaker(), func(c *gin.Context) { clearDeletedTracking(c, deps) })
	g.POST("/:id/training", security.RequireCaretaker(), func(c *gin.Context) { addTraining(c, deps) })
}

type createRequest struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	Greeting         string            `json:"greeting"`
	Template         string            `json:"template"`
	Relationship     string            `json:"relationship"`
	Answers          []training.Answer `json:"answers"`
	SelectedSegments []string          `json:"selectedSegments"`
}

func createReplica(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if req.Name == "" {
		handleError(c, &registrystore.ValidationError{Field: "name", Message: "must not be empty"})
		return
	}

	ctx := c.Request.Context()
	namespace := ident.Namespace()

	created := deps.RAG.CreateReplica(ctx, namespace, req.Name, req.Description)
	if !created.Success {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": created.Error})
		return
	}

	trainingText := training.BuildTrainingText(req.Name, req.Template, req.Relationship, req.Answers)
	ingested := deps.Ingestor.Ingest(ctx, namespace, created.ReplicaID, trainingText)

	greeting := req.Greeting
	if greeting == "" {
		greeting = "Hello! I'm " + req.Name + "."
	}

	now := time.Now()
	record := model.ReplicaRecord{
		ID:               created.ReplicaID,
		Name:             req.Name,
		Description:      req.Description,
		Greeting:         greeting,
		APISource:        model.APISourceRAG,
		Namespace:        namespace,
		MigrationStatus:  model.MigrationCompleted,
		Status:           model.ReplicaAvailable,
		CreatedAt:        now,
		LastSyncAt:       now,
		SelectedSegments: req.SelectedSegments,
		ChunkRefs:        ingested.ChunkRefs,
	}
	if err := deps.Store.AddReplica(ctx, ident.UserID, record); err != nil {
		// the remote replica exists but the local record failed; surface the
		// error so the client can retry or reconcile
		handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":      true,
		"replica":      record,
		"chunksStored": ingested.Stored(),
		"chunksFailed": len(ingested.Failures),
	})
}

func listReplicas(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	ctx := c.Request.Context()

	if ident.IsPatient() {
		if ident.Namespace() == "" {
			handleError(c, &registrystore.ForbiddenError{})
			return
		}
		replicas, err := deps.Store.ListReplicas(ctx, ident.Namespace())
		if err != nil {
			handleError(c, err)
			return
		}
		allowed := make([]model.ReplicaRecord, 0, len(replicas))
		for _, r := range replicas {
			if ident.CanAccessReplica(r.ID) {
				allowed = append(allowed, r)
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "replicas": allowed})
		return
	}

	// caretakers see the reconciled set; a cached listing that still matches
	// the local inventory lets us skip the remote round trip
	profile, err := deps.Store.GetProfile(ctx, ident.UserID)
	if err != nil {
		handleError(c, err)
		return
	}
	if !deps.Reconciler.ListingFresh(ctx, profile) {
		if _, err := deps.Reconciler.ReconcileUser(ctx, ident.UserID); err != nil {
			log.Warn("Listing served without reconciliation", "userID", ident.UserID, "err", err)
		}
	}
	replicas, err := deps.Store.ListReplicas(ctx, ident.UserID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "replicas": replicas})
}

func deleteReplica(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	replicaID := c.Param("id")
	ctx := c.Request.Context()

	if err := deps.Store.RemoveReplica(ctx, ident.UserID, replicaID, time.Now()); err != nil {
		handleError(c, err)
		return
	}

	// remote deletion is best-effort: the marker already prevents the next
	// reconciliation from resurrecting the record
	if result := deps.RAG.DeleteReplica(ctx, ident.Namespace(), replicaID); !result.Success {
		log.Warn("Remote replica deletion failed", "replicaID", replicaID, "err", result.Error)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "deletedReplicaId": replicaID})
}

func reconcileReplicas(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)

	applied, err := deps.Reconciler.ReconcileUser(c.Request.Context(), ident.UserID)
	if err != nil {
		log.Error("Reconciliation failed", "userID", ident.UserID, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "replica sync failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"added":   applied.Added,
		"removed": applied.Removed,
		"updated": applied.Updated,
	})
}

func clearDeletedTracking(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	var req struct {
		ReplicaIDs []string `json:"replicaIds"`
	}
	// an absent or empty body clears all markers
	_ = c.ShouldBindJSON(&req)

	if err := deps.Store.ClearDeletedMarkers(c.Request.Context(), ident.UserID, req.ReplicaIDs); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func addTraining(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	replicaID := c.Param("id")
	var req struct {
		Text    string            `json:"text"`
		Answers []training.Answer `json:"answers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	profile, err := deps.Store.GetProfile(ctx, ident.UserID)
	if err != nil {
		handleError(c, err)
		return
	}
	replica := profile.Replica(replicaID)
	if replica == nil {
		handleError(c, &registrystore.NotFoundError{Resource: "replica", ID: replicaID})
		return
	}

	text := req.Text
	if lines := training.RenderProfileLines(replica.Name, req.Answers); len(lines) > 0 {
		for _, line := range lines {
			if text != "" {
				text += "\n"
			}
			text += line
		}
	}
	if text == "" {
		handleError(c, &registrystore.ValidationError{Field: "text", Message: "no training content supplied"})
		return
	}

	ingested := deps.Ingestor.Ingest(ctx, ident.Namespace(), replicaID, text)
	if err := deps.Store.AppendChunkRefs(ctx, ident.UserID, replicaID, ingested.ChunkRefs); err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"chunksStored": ingested.Stored(),
		"chunksFailed": len(ingested.Failures),
		"failures":     ingested.Failures,
	})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"success": false, "code": "forbidden", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal server error"})
	}
}
