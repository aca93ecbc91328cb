package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestParseAPITokens(t *testing.T) {
	tokens := parseAPITokens([]string{
		"REPLICA_SERVICE_API_TOKENS_ALICE=tok-alice",
		"REPLICA_SERVICE_API_TOKENS_BOB=tok-bob",
		"REPLICA_SERVICE_PORT=8080",
		"PATH=/usr/bin",
	})
	require.Equal(t, map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	}, tokens)
}

func TestParseAPITokens_SkipsEmptyValues(t *testing.T) {
	tokens := parseAPITokens([]string{
		"REPLICA_SERVICE_API_TOKENS_ALICE=",
		"REPLICA_SERVICE_API_TOKENS_=tok",
	})
	require.Empty(t, tokens)
}

func TestMaxBodySizeMiddleware_EnforcesLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/api/replicas", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/replicas", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMaxBodySizeMiddleware_AllowsSmallBodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(64))
	router.POST("/api/replicas", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/replicas", strings.NewReader(`{"name":"Ada"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "14", rec.Body.String())
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}
