package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givecircle/coinescrow/internal/auth"
	"github.com/givecircle/coinescrow/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "server-test-secret-0123456789abcdef"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "test",
		LogLevel:        "error",
		LogFormat:       "text",
		JWTSecret:       testSecret,
		JWTIssuer:       config.DefaultJWTIssuer,
		EscrowTTL:       config.DefaultEscrowTTL,
		FiatCurrency:    config.DefaultFiatCurrency,
		CryptoNetwork:   config.DefaultCryptoNetwork,
		ExpiryInterval:  50 * time.Millisecond,
		ExpiryBatchSize: 10,
		RateLimitRPM:    600,
		IdempotencyTTL:  time.Hour,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithMemoryStores())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, err := auth.NewManager(testSecret, config.DefaultJWTIssuer).Issue(subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, s *Server, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestNew_RequiresDatabaseWithoutMemoryStores(t *testing.T) {
	_, err := New(testConfig())
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestHealthEndpoint_DegradedBeforeRun(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)

	down := map[string]bool{}
	for _, c := range resp.Checks {
		down[c.Name] = !c.Healthy
	}
	assert.True(t, down["expiry_scheduler"])
	assert.True(t, down["realtime"])
	assert.False(t, down["ledger_breaker"])
	assert.NotContains(t, down, "database", "memory stores register no database check")
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready until Run")
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))

	w = do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestPurchaseRoundTrip(t *testing.T) {
	s := newTestServer(t)
	_, _, err := s.Ledger().Fund(context.Background(), "agent-1", 1000, "seed")
	require.NoError(t, err)

	buyer := token(t, "buyer-1", auth.RoleBuyer)
	agent := token(t, "agent-1", auth.RoleAgent)

	w := do(t, s, http.MethodPost, "/v1/purchases", buyer, gin.H{
		"agentId": "agent-1", "coinAmount": 300, "paymentMethod": "cash",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Purchase struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"purchase"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "ESCROW_LOCKED", created.Purchase.Status)
	id := created.Purchase.ID

	w = do(t, s, http.MethodPost, "/v1/purchases/"+id+"/mark-paid", buyer, gin.H{"proof": "receipt-77"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/purchases/"+id+"/confirm", buyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodPost, "/v1/purchases/"+id+"/confirm", agent, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	a, err := s.Ledger().GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(700), a.TotalBalance)
	assert.Equal(t, int64(0), a.LockedBalance)
}

func TestRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/v1/purchases/pur_x", "/v1/buyers/buyer-1/purchases", "/v1/admin/purchases", "/ws"} {
		w := do(t, s, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	w := do(t, s, http.MethodGet, "/v1/admin/purchases", token(t, "agent-1", auth.RoleAgent), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRun_StartsBackgroundLoops(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return do(t, s, http.MethodGet, "/health", "", nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/ready", "", nil).Code)

	// The websocket route accepts the token as a query parameter.
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token(t, "buyer-1", auth.RoleBuyer), nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/ready", "", nil).Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/coins", maskDSN("postgres://app:secret@db:5432/coins"))
	assert.Equal(t, "***", maskDSN("postgres://%zz"))
}

func TestAdminReconciliation(t *testing.T) {
	s := newTestServer(t)
	_, _, err := s.Ledger().Fund(context.Background(), "agent-1", 1000, "seed")
	require.NoError(t, err)

	w := do(t, s, http.MethodPost, "/v1/purchases", token(t, "buyer-1", auth.RoleBuyer), gin.H{
		"agentId": "agent-1", "coinAmount": 40, "paymentMethod": "mobile_money",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/admin/reconciliation", token(t, "buyer-1", auth.RoleBuyer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodGet, "/v1/admin/reconciliation", token(t, "admin-1", auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Report struct {
			OpenPurchases int `json:"openPurchases"`
			AgentsChecked int `json:"agentsChecked"`
			Findings      []any
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Report.OpenPurchases)
	assert.Equal(t, 1, resp.Report.AgentsChecked)
	assert.Empty(t, resp.Report.Findings)
}
