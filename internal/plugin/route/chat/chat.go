// Package chat exposes the chat API: sending messages to replicas, listing
// conversation history, and learning-mode session control.
package chat

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mhalden/replica-service/internal/chat"
	"github.com/mhalden/replica-service/internal/model"
	registryroute "github.com/mhalden/replica-service/internal/registry/route"
	registrystore "github.com/mhalden/replica-service/internal/registry/store"
	"github.com/mhalden/replica-service/internal/security"
	"github.com/mhalden/replica-service/internal/session"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 200,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after wiring
		},
	})
}

// Deps holds everything the chat handlers need.
type Deps struct {
	Store        registrystore.ProfileStore
	Orchestrator *chat.Orchestrator
	Sessions     *session.Buffer
}

// MountRoutes mounts chat and learning-mode routes.
func MountRoutes(r *gin.Engine, auth gin.HandlerFunc, deps Deps) {
	g := r.Group("/api", auth)

	g.POST("/replicas/:id/chat", func(c *gin.Context) { sendMessage(c, deps) })
	g.GET("/replicas/:id/conversations", func(c *gin.Context) { listConversations(c, deps) })

	g.POST("/learning-mode/enable", func(c *gin.Context) { enableLearning(c, deps) })
	g.POST("/learning-mode/disable", func(c *gin.Context) { disableLearning(c, deps) })
	g.GET("/learning-mode/status", func(c *gin.Context) { learningStatus(c, deps) })
	g.POST("/learning-mode/end-session", func(c *gin.Context) { endSession(c, deps) })
}

type chatRequest struct {
	Message        string      `json:"message"`
	History        []chat.Turn `json:"history"`
	ConversationID *string     `json:"conversationId"`
}

func sendMessage(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	request := chat.Request{
		ReplicaID: c.Param("id"),
		Message:   req.Message,
		History:   req.History,
	}
	if req.ConversationID != nil {
		id, err := uuid.Parse(*req.ConversationID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid conversationId"})
			return
		}
		request.ConversationID = &id
	}

	reply, err := deps.Orchestrator.SendMessage(c.Request.Context(), ident, request)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"response":       reply.Text,
		"conversationId": reply.ConversationID,
		"apiSource":      reply.APISource,
	})
}

func listConversations(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	replicaID := c.Param("id")

	conversations, err := deps.Store.ListConversations(c.Request.Context(), ident.UserID)
	if err != nil {
		handleError(c, err)
		return
	}

	matching := make([]model.ConversationRecord, 0, len(conversations))
	for _, conv := range conversations {
		if conv.ReplicaID == replicaID {
			matching = append(matching, conv)
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "conversations": matching})
}

func enableLearning(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	deps.Sessions.EnableLearningMode(ident.UserID)
	c.JSON(http.StatusOK, gin.H{"success": true, "learningMode": true})
}

func disableLearning(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	deps.Sessions.DisableLearningMode(ident.UserID)
	c.JSON(http.StatusOK, gin.H{"success": true, "learningMode": false})
}

func learningStatus(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	status := deps.Sessions.SessionStatus(ident.UserID)
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"learningMode":  status.Active,
		"bufferedCount": status.MessageCount,
	})
}

func endSession(c *gin.Context, deps Deps) {
	ident := security.GetIdentity(c)
	result, _ := deps.Sessions.EndSession(c.Request.Context(), ident.UserID)
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"hadSession":        result.HadSession,
		"messagesProcessed": result.MessagesProcessed,
		"submitted":         result.Submitted,
		"sessionId":         result.SessionID,
	})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var forbidden *registrystore.ForbiddenError
	var upstream *chat.UpstreamError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"success": false, "code": "forbidden", "error": err.Error()})
	case errors.As(err, &upstream):
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal server error"})
	}
}
