package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/config"
	"github.com/mbd888/accountmarket/internal/logging"
	"github.com/mbd888/accountmarket/internal/order"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		JWTSecret:          "0123456789abcdef0123456789abcdef",
		SessionTTL:         time.Hour,
		EscrowHoldDuration: 12 * time.Hour,
		OrderPollInterval:  10 * time.Second,
		PollRateLimit:      20,
		PriceEpsilon:       0.01,
		ReadRetryAttempts:  3,
		PublicBaseURL:      "http://localhost:8080",
		IdentityLinkURL:    "/profile/identity",
		RateLimitRPS:       1000,
	}
}

// newTestServer creates a server on a fresh in-memory marketplace
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithRemote(api.NewMemoryBackend()),
	)
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func tokenFor(t *testing.T, s *Server, v auth.Viewer) string {
	t.Helper()
	token, err := s.Auth().Issue(v)
	require.NoError(t, err)
	return token
}

var (
	buyer  = auth.Viewer{ID: "buyer", Role: auth.RoleUser, Language: "en", Linked: []string{"steam"}}
	seller = auth.Viewer{ID: "seller", Role: auth.RoleUser, Language: "en"}
	admin  = auth.Viewer{ID: "admin", Role: auth.RoleAdmin, Language: "en"}
)

func do(t *testing.T, s *Server, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, body := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	w, _ = do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// not ready until Run
	w, _ = do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "accountmarket_goroutines")
}

func TestSecurityHeadersAllowDemoWidget(t *testing.T) {
	s := newTestServer(t)

	w, _ := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), s.Memory().WidgetOrigin())
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w2, _ := do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Len(t, w2.Header().Get("X-Request-ID"), 32)
}

func TestV1RequiresViewer(t *testing.T) {
	s := newTestServer(t)

	w, body := do(t, s, http.MethodGet, "/v1/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", body["error"])

	w, _ = do(t, s, http.MethodGet, "/v1/orders", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestV1RejectsInvalidID(t *testing.T) {
	s := newTestServer(t)

	w, body := do(t, s, http.MethodGet, "/v1/orders/bad.id", tokenFor(t, s, buyer), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_id", body["error"])
}

func TestPurchaseDisputeAndConfirmFlow(t *testing.T) {
	s := newTestServer(t)
	l := s.Memory().AddListing(order.Listing{Title: "Level 80 account", Price: 120, SellerID: "seller"})
	buyerToken := tokenFor(t, s, buyer)

	// Self-purchase is refused before any order exists
	w, body := do(t, s, http.MethodPost, "/v1/listings/"+l.ID+"/orders", tokenFor(t, s, seller), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "self_purchase", body["error"])

	w, body = do(t, s, http.MethodPost, "/v1/listings/"+l.ID+"/orders", buyerToken, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	orderID := body["order"].(map[string]any)["id"].(string)

	w, body = do(t, s, http.MethodPost, "/v1/orders/"+orderID+"/checkout/redirect", buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["redirect"])
	assert.Equal(t, false, body["reused"])

	// Only admins can play the payment gateway
	w, _ = do(t, s, http.MethodPost, "/v1/demo/orders/"+orderID+"/pay", buyerToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = do(t, s, http.MethodPost, "/v1/demo/orders/"+orderID+"/pay", tokenFor(t, s, admin), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(t, s, http.MethodGet, "/v1/orders/"+orderID, buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "escrow_hold", body["order"].(map[string]any)["status"])
	assert.ElementsMatch(t, []any{"confirm_receipt", "open_dispute"}, body["actions"])
	require.NotNil(t, body["escrow"])
	assert.Equal(t, "In escrow", body["badge"].(map[string]any)["label"])

	w, body = do(t, s, http.MethodPost, "/v1/disputes", buyerToken, map[string]any{
		"order_id":    orderID,
		"reason":      "Credentials do not work",
		"description": "The password was changed before I could log in.",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	disputeID := body["dispute"].(map[string]any)["id"].(string)

	w, body = do(t, s, http.MethodGet, "/v1/orders/"+orderID, buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disputed", body["order"].(map[string]any)["status"])
	assert.Equal(t, []any{"view_dispute"}, body["actions"])

	w, _ = do(t, s, http.MethodPost, "/v1/disputes/"+disputeID+"/cancel", buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Back in escrow but never disputable again
	w, body = do(t, s, http.MethodGet, "/v1/orders/"+orderID, buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "escrow_hold", body["order"].(map[string]any)["status"])
	assert.ElementsMatch(t, []any{"confirm_receipt", "view_dispute"}, body["actions"])

	w, body = do(t, s, http.MethodPost, "/v1/orders/"+orderID+"/confirm", buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["order"].(map[string]any)["status"])
}

func TestHostedCheckoutReturn(t *testing.T) {
	s := newTestServer(t)
	l := s.Memory().AddListing(order.Listing{Title: "Account", Price: 45, SellerID: "seller"})
	buyerToken := tokenFor(t, s, buyer)

	_, body := do(t, s, http.MethodPost, "/v1/listings/"+l.ID+"/orders", buyerToken, nil)
	orderID := body["order"].(map[string]any)["id"].(string)

	w, body := do(t, s, http.MethodPost, "/v1/orders/"+orderID+"/checkout/hosted", buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	checkoutID := body["checkoutId"].(string)

	// The widget appends its resourcePath and navigates the browser.
	u, err := url.Parse(body["resultUrl"].(string))
	require.NoError(t, err)
	q := u.Query()
	q.Set("resourcePath", api.CheckoutResourcePath(checkoutID))
	u.RawQuery = q.Encode()

	assert.Equal(t, testConfig().PublicBaseURL, u.Scheme+"://"+u.Host)
	assert.False(t, strings.HasPrefix(u.Path, "/v1/"), "a navigation carries no bearer token")
	w, _ = do(t, s, http.MethodGet, u.RequestURI(), "", nil)
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)

	// The page forwards the query to the API with its session.
	apiPath := "/v1" + u.Path + "?" + u.RawQuery
	w, _ = do(t, s, http.MethodGet, apiPath, tokenFor(t, s, seller), nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "only the buyer completes a checkout")

	w, body = do(t, s, http.MethodGet, apiPath, buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "success", body["outcome"])
	assert.Equal(t, "/orders/"+orderID, body["navigate"])
	assert.Equal(t, "escrow_hold", body["order"].(map[string]any)["status"])
}

func TestDemoResolveDispute(t *testing.T) {
	s := newTestServer(t)
	l := s.Memory().AddListing(order.Listing{Title: "Account", Price: 30, SellerID: "seller"})
	buyerToken := tokenFor(t, s, buyer)
	adminToken := tokenFor(t, s, admin)

	_, body := do(t, s, http.MethodPost, "/v1/listings/"+l.ID+"/orders", buyerToken, nil)
	orderID := body["order"].(map[string]any)["id"].(string)
	w, _ := do(t, s, http.MethodPost, "/v1/demo/orders/"+orderID+"/pay", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(t, s, http.MethodPost, "/v1/disputes", buyerToken, map[string]any{
		"order_id":    orderID,
		"reason":      "Wrong account",
		"description": "The account is not the one listed.",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	disputeID := body["dispute"].(map[string]any)["id"].(string)

	w, _ = do(t, s, http.MethodPost, "/v1/demo/disputes/"+disputeID+"/review", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Under review the raiser can no longer withdraw
	w, _ = do(t, s, http.MethodPost, "/v1/disputes/"+disputeID+"/cancel", buyerToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = do(t, s, http.MethodPost, "/v1/demo/disputes/"+disputeID+"/resolve", adminToken, map[string]any{"outcome": "paid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", body["error"])

	w, _ = do(t, s, http.MethodPost, "/v1/demo/disputes/"+disputeID+"/resolve", adminToken, map[string]any{"outcome": "cancelled"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(t, s, http.MethodGet, "/v1/orders/"+orderID, buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", body["order"].(map[string]any)["status"])

	w, _ = do(t, s, http.MethodPost, "/v1/demo/disputes/"+disputeID+"/resolve", adminToken, map[string]any{"outcome": "completed"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSeedDemo(t *testing.T) {
	s := newTestServer(t)

	users, err := s.SeedDemo()
	require.NoError(t, err)
	require.Len(t, users, 3)

	for _, u := range users {
		v, err := s.Auth().Verify(u.Token)
		require.NoError(t, err)
		assert.Equal(t, u.Viewer.ID, v.ID)
	}
	assert.True(t, users[2].Viewer.IsAdmin())
	assert.False(t, users[1].Viewer.HasLinkedIdentity())

	w, body := do(t, s, http.MethodGet, "/v1/disputes/candidates", users[0].Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])
}

func TestRemoteBackendHasNoDemoRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.APIURL = "https://api.example.com"
	s, err := New(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)

	assert.Nil(t, s.Memory())
	_, err = s.SeedDemo()
	assert.Error(t, err)

	w, _ := do(t, s, http.MethodPost, "/v1/demo/orders/ord_1/pay", tokenFor(t, s, admin), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, s.releaseTimer.Running, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, s.ready.Load())
	assert.False(t, s.healthy.Load())
}
