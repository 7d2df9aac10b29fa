package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fixmarket/fixmarket/internal/config"
	"github.com/fixmarket/fixmarket/internal/user"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		CommissionBps:        config.DefaultCommissionBps,
		MaxActiveOrders:      config.DefaultMaxActiveOrders,
		MaxPendingOffers:     config.DefaultMaxPendingOffers,
		MinWithdrawal:        config.DefaultMinWithdrawal,
		AutoReleaseAfter:     config.DefaultAutoReleaseAfter,
		DisputeTimeout:       config.DefaultDisputeTimeout,
		PostCompletionWindow: config.DefaultPostCompletionWindow,
		SweepInterval:        config.DefaultSweepInterval,
		AdminSecret:          "test-admin-secret",
		RateLimitRPS:         1000,
	}
}

// newTestServer creates a server with in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})
	return s
}

// issueKey registers an account through the bootstrap endpoint and
// returns the raw API key.
func issueKey(t *testing.T, s *Server, email, role string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"email": email,
		"name":  "Test " + role,
		"role":  role,
	})
	req := httptest.NewRequest("POST", "/v1/auth/keys", bytes.NewReader(body))
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("key issuance failed: %d %s", w.Code, w.Body.String())
	}

	var resp struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Key == "" {
		t.Fatalf("no key in response: %s", w.Body.String())
	}
	return resp.Key
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Not ready until Run marks it so
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before ready, got %d", w.Code)
	}

	s.ready.Store(true)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 when ready, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Auth wiring tests
// ---------------------------------------------------------------------------

func TestProtectedRoutesRequireKey(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/orders", bytes.NewReader([]byte(`{}`)))
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestPublicOrderListing(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/orders", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestKeyIssuanceRequiresAdminSecret(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"email": "nope@example.com", "name": "Nope", "role": "client",
	})
	req := httptest.NewRequest("POST", "/v1/auth/keys", bytes.NewReader(body))
	req.Header.Set("X-Admin-Secret", "wrong")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized && w.Code != http.StatusForbidden {
		t.Errorf("Expected rejection, got %d", w.Code)
	}
}

func TestAdminRoutesForbidNonAdmins(t *testing.T) {
	s := newTestServer(t)
	key := issueKey(t, s, "client@example.com", "client")

	req := httptest.NewRequest("GET", "/v1/disputes", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end lifecycle
// ---------------------------------------------------------------------------

// TestOrderLifecycleOverHTTP drives an order from posting through offer
// acceptance, escrow, completion and release using only the HTTP API.
func TestOrderLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	clientKey := issueKey(t, s, "anna@example.com", "client")
	masterKey := issueKey(t, s, "boris@example.com", "master")

	do := func(method, path, key string, body any) *httptest.ResponseRecorder {
		t.Helper()
		var reader *bytes.Reader
		if body != nil {
			b, _ := json.Marshal(body)
			reader = bytes.NewReader(b)
		} else {
			reader = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, path, reader)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	// Client posts an order
	w := do("POST", "/v1/orders", clientKey, map[string]any{
		"title":       "Fix washing machine",
		"description": "Drum does not spin",
		"deviceType":  "appliance",
		"device":      "Bosch WAN280",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", w.Code, w.Body.String())
	}
	var orderResp struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &orderResp); err != nil {
		t.Fatal(err)
	}
	orderID := orderResp.Order.ID

	// Master offers
	w = do("POST", "/v1/offers", masterKey, map[string]any{
		"orderId":       orderID,
		"price":         "3500.00",
		"estimatedDays": 3,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create offer: %d %s", w.Code, w.Body.String())
	}
	var offerResp struct {
		Offer struct {
			ID string `json:"id"`
		} `json:"offer"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &offerResp); err != nil {
		t.Fatal(err)
	}

	// Client accepts the offer
	w = do("POST", "/v1/offers/"+offerResp.Offer.ID+"/accept", clientKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept offer: %d %s", w.Code, w.Body.String())
	}

	// Client escrows the payment
	w = do("POST", "/v1/payments", clientKey, map[string]any{
		"orderId": orderID,
		"amount":  "3500.00",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create payment: %d %s", w.Code, w.Body.String())
	}

	// Master marks the work complete
	w = do("POST", "/v1/orders/"+orderID+"/complete", masterKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete order: %d %s", w.Code, w.Body.String())
	}

	// Client confirms, releasing escrow
	w = do("POST", "/v1/payments/"+orderID+"/release", clientKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("release payment: %d %s", w.Code, w.Body.String())
	}

	// Master's wallet holds price minus 5% commission
	w = do("GET", "/v1/wallet", masterKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("wallet: %d %s", w.Code, w.Body.String())
	}
	var walletResp struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &walletResp); err != nil {
		t.Fatal(err)
	}
	if walletResp.Balance != 332500 {
		t.Errorf("expected balance 332500, got %d", walletResp.Balance)
	}

	// Client reviews the completed order
	w = do("POST", "/v1/reviews", clientKey, map[string]any{
		"orderId": orderID,
		"rating":  5,
		"comment": "fixed in one visit",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create review: %d %s", w.Code, w.Body.String())
	}

	// Master received notifications along the way
	w = do("GET", "/v1/notifications", masterKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("notifications: %d %s", w.Code, w.Body.String())
	}
	var ntfResp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ntfResp); err != nil {
		t.Fatal(err)
	}
	if ntfResp.Count == 0 {
		t.Error("expected master notifications")
	}
}

func TestGracefulShutdown(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Run(ctx)
	}()

	// Give the server a moment to start, then cancel
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(35 * time.Second):
		t.Fatal("shutdown timed out")
	}
}

// Exercise the user package from here so the directory adapter stays
// honest about roles.
func TestDirectoryAdapter(t *testing.T) {
	s := newTestServer(t)
	dir := &userDirectory{s.users}
	ctx := context.Background()

	id, role, err := dir.Register(ctx, "carla@example.com", "Carla", "master")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if role != "master" {
		t.Errorf("expected master, got %s", role)
	}

	got, err := dir.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != "master" {
		t.Errorf("Lookup role = %s", got)
	}

	if _, err := dir.Lookup(ctx, "usr_missing"); !errors.Is(err, user.ErrUserNotFound) {
		t.Errorf("expected user.ErrUserNotFound, got %v", err)
	}
}
