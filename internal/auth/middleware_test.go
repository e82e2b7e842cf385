package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givecircle/coinescrow/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(m *Manager, guards ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(m))
	handlers := append(guards, func(c *gin.Context) {
		p, _ := GetPrincipal(c)
		caller, _ := logging.CallerFrom(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"id": GetAuthenticatedID(c), "role": p.Role, "caller": caller.ID})
	})
	r.GET("/test", handlers...)
	return r
}

func do(r http.Handler, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ValidToken_SetsContext(t *testing.T) {
	m := NewManager(testSecret, "givecircle")
	tok, err := m.Issue("agent-7", RoleAgent, time.Hour)
	require.NoError(t, err)

	w := do(newRouter(m), tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"agent-7","role":"agent","caller":"agent-7"}`, w.Body.String())
}

func TestMiddleware_InvalidTokenPassesThroughUnauthenticated(t *testing.T) {
	m := NewManager(testSecret, "givecircle")
	w := do(newRouter(m), "junk")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"","role":"","caller":""}`, w.Body.String())
}

func TestRequireAuth(t *testing.T) {
	m := NewManager(testSecret, "givecircle")
	r := newRouter(m, RequireAuth())

	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "junk").Code)

	tok, _ := m.Issue("buyer-1", RoleBuyer, time.Hour)
	assert.Equal(t, http.StatusOK, do(r, tok).Code)
}

func TestRequireRole(t *testing.T) {
	m := NewManager(testSecret, "givecircle")
	r := newRouter(m, RequireRole(RoleAdmin))

	admin, _ := m.Issue("admin-1", RoleAdmin, time.Hour)
	buyer, _ := m.Issue("buyer-1", RoleBuyer, time.Hour)

	assert.Equal(t, http.StatusOK, do(r, admin).Code)
	w := do(r, buyer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"unauthorized"`)
	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
}
