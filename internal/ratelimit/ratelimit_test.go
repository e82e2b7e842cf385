package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *clock) {
	t.Helper()
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, IdleTTL: time.Hour})
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	l.now = clk.now
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiter_BurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("buyer-1"), "request %d", i)
	}
	assert.False(t, l.Allow("buyer-1"))
}

func TestLimiter_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 1)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_Refill(t *testing.T) {
	l, clk := newTestLimiter(t, 60, 1)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	clk.advance(1100 * time.Millisecond)
	assert.True(t, l.Allow("a"))
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware_KeysByCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 60, 1)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("authUserID", c.GetHeader("X-Test-User"))
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Test-User", user)
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("u1").Code)
	w := do("u1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("u2").Code)
}
