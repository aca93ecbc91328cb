package security

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/mhalden/replica-service/internal/config"
	"github.com/mhalden/replica-service/internal/model"
)

// ContextKeyIdentity is the gin context key for the resolved caller identity.
const ContextKeyIdentity = "identity"

// Identity is the caller identity resolved once at the request boundary and
// passed by value into orchestration code. Patients carry their caretaker link
// and allow-listed replica ids; caretakers carry neither.
type Identity struct {
	UserID          string
	Role            model.Role
	CaretakerID     string
	AllowedReplicas []string
}

// IsPatient reports whether the identity is a patient account.
func (id Identity) IsPatient() bool {
	return id.Role == model.RolePatient
}

// Namespace returns the routing/isolation key for remote memory operations:
// the owning caretaker's id. Empty when a patient has no caretaker link.
func (id Identity) Namespace() string {
	if id.IsPatient() {
		return id.CaretakerID
	}
	return id.UserID
}

// CanAccessReplica reports whether the identity may use the given replica.
// Caretaker ownership is checked against the profile by the orchestrator;
// this covers the patient allow-list.
func (id Identity) CanAccessReplica(replicaID string) bool {
	if !id.IsPatient() {
		return true
	}
	for _, allowed := range id.AllowedReplicas {
		if allowed == replicaID {
			return true
		}
	}
	return false
}

// IdentitySource resolves user ids to profile and patient-link records.
type IdentitySource interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	GetPatientLink(ctx context.Context, userID string) (*model.PatientLink, error)
}

// TokenResolver resolves bearer tokens to caller identities. It is created
// once at startup and shared by the HTTP middleware.
type TokenResolver struct {
	tokens      map[string]string // token value -> userID
	source      IdentitySource
	testingMode bool
}

// NewTokenResolver creates a TokenResolver from the application config.
func NewTokenResolver(cfg *config.Config, source IdentitySource) *TokenResolver {
	return &TokenResolver{
		tokens:      cfg.APITokens,
		source:      source,
		testingMode: cfg.Mode == config.ModeTesting,
	}
}

// Resolve maps a request to an Identity, or returns false when the caller
// cannot be authenticated.
func (r *TokenResolver) Resolve(c *gin.Context) (Identity, bool) {
	userID := ""

	authz := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		userID = r.tokens[strings.TrimSpace(token)]
	}
	if userID == "" && r.testingMode {
		userID = c.GetHeader("X-User-ID")
	}
	if userID == "" {
		return Identity{}, false
	}

	ctx := c.Request.Context()
	profile, err := r.source.GetProfile(ctx, userID)
	if err != nil || profile == nil {
		log.Warn("Token resolved to unknown user", "userID", userID, "err", err)
		return Identity{}, false
	}

	ident := Identity{UserID: userID, Role: profile.Role}
	if profile.Role == model.RolePatient {
		link, err := r.source.GetPatientLink(ctx, userID)
		if err != nil || link == nil {
			log.Warn("Patient has no caretaker link", "userID", userID, "err", err)
			return Identity{}, false
		}
		ident.CaretakerID = link.CaretakerID
		ident.AllowedReplicas = link.AllowedReplicas
	}
	return ident, true
}

// AuthMiddleware rejects requests whose caller cannot be resolved and stores
// the Identity in the gin context for handlers.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := resolver.Resolve(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			return
		}
		c.Set(ContextKeyIdentity, ident)
		c.Next()
	}
}

// GetIdentity returns the Identity stored by AuthMiddleware.
func GetIdentity(c *gin.Context) Identity {
	ident, _ := c.Get(ContextKeyIdentity)
	id, _ := ident.(Identity)
	return id
}

// RequireCaretaker aborts patient requests; mounted on caretaker-only routes.
func RequireCaretaker() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetIdentity(c).IsPatient() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "error": "caretaker account required"})
			return
		}
		c.Next()
	}
}
