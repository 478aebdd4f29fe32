package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/config"
	"github.com/mbd888/bookingescrow/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret-test-secret-test-secret"

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		JWTSecret:            testSecret,
		JWTTTL:               time.Hour,
		ProtectionWindow:     config.DefaultProtectionWindow,
		ReleaseSweepInterval: config.DefaultReleaseSweepInterval,
		ReleaseSweepBatch:    config.DefaultReleaseSweepBatch,
		ReminderSchedule:     config.DefaultReminderSchedule,
		RateLimitPerMinute:   1000,
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeUploader struct{}

func (fakeUploader) UploadProof(_ context.Context, bookingID uuid.UUID, r io.Reader, size int64) (*storage.File, error) {
	key := "proofs/" + bookingID.String() + "/" + uuid.NewString() + ".png"
	return &storage.File{Key: key, URL: "https://cdn.example.com/" + key, ContentType: "image/png", Size: size}, nil
}

type harness struct {
	t       *testing.T
	srv     *Server
	clock   *testClock
	tokens  *auth.TokenManager
	client  auth.Actor
	creator auth.Actor
	admin   auth.Actor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	s, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return &harness{
		t:       t,
		srv:     s,
		clock:   clock,
		tokens:  auth.NewTokenManager(testSecret, time.Hour),
		client:  auth.Actor{ID: uuid.New(), Role: auth.RoleUser},
		creator: auth.Actor{ID: uuid.New(), Role: auth.RoleUser},
		admin:   auth.Actor{ID: uuid.New(), Role: auth.RoleAdmin},
	}
}

func (h *harness) do(method, path string, as *auth.Actor, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		token, _, err := h.tokens.Issue(*as)
		if err != nil {
			h.t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(w, req)
	return w
}

func (h *harness) expect(w *httptest.ResponseRecorder, code int) map[string]interface{} {
	h.t.Helper()
	if w.Code != code {
		h.t.Fatalf("Expected %d, got %d: %s", code, w.Code, w.Body.String())
	}
	var out map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &out)
	return out
}

func field(m map[string]interface{}, obj, key string) string {
	inner, _ := m[obj].(map[string]interface{})
	v, _ := inner[key].(string)
	return v
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	resp := h.expect(h.do("GET", "/health", nil, nil), http.StatusOK)
	if resp["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", resp["status"])
	}
	h.expect(h.do("GET", "/health/live", nil, nil), http.StatusOK)
	// Not ready until Run starts.
	h.expect(h.do("GET", "/health/ready", nil, nil), http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	w := h.do("GET", "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("bookingescrow_")) {
		t.Error("Expected bookingescrow metrics in /metrics output")
	}
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	h.expect(h.do("GET", "/v1/bookings", nil, nil), http.StatusUnauthorized)
	h.expect(h.do("GET", "/v1/admin/disputes", &h.client, nil), http.StatusForbidden)
	h.expect(h.do("GET", "/v1/admin/disputes", &h.admin, nil), http.StatusOK)

	// Reviews of a user are public.
	h.expect(h.do("GET", "/v1/users/"+h.creator.ID.String()+"/reviews", nil, nil), http.StatusOK)
}

func TestSecurityHeaders(t *testing.T) {
	h := newHarness(t)
	w := h.do("GET", "/health/live", nil, nil)
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected nosniff header")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request id")
	}
}

func TestBookingLifecycle_EndToEnd(t *testing.T) {
	h := newHarness(t, WithUploader(fakeUploader{}))

	resp := h.expect(h.do("POST", "/v1/bookings", &h.client, map[string]interface{}{
		"creatorId":  h.creator.ID,
		"usdcAmount": "100",
		"chain":      "base",
	}), http.StatusCreated)
	id := field(resp, "booking", "id")
	if field(resp, "booking", "status") != "pending" {
		t.Fatalf("Expected pending, got %s", field(resp, "booking", "status"))
	}

	resp = h.expect(h.do("POST", "/v1/payments", &h.client, map[string]interface{}{
		"bookingId": id,
		"amount":    "100",
		"network":   "base",
		"txHash":    "0x" + string(bytes.Repeat([]byte("ab"), 32)),
	}), http.StatusCreated)
	paymentID := field(resp, "payment", "id")

	// Creator cannot verify; admin can.
	h.expect(h.do("POST", "/v1/admin/payments/"+paymentID+"/verify", &h.creator, nil), http.StatusForbidden)
	h.expect(h.do("POST", "/v1/admin/payments/"+paymentID+"/verify", &h.admin, nil), http.StatusOK)

	resp = h.expect(h.do("GET", "/v1/bookings/"+id, &h.creator, nil), http.StatusOK)
	if field(resp, "booking", "status") != "paid" {
		t.Fatalf("Expected paid, got %s", field(resp, "booking", "status"))
	}

	h.expect(h.do("POST", "/v1/bookings/"+id+"/start", &h.creator, nil), http.StatusOK)

	// Upload a proof file and hand its URL to submitProof.
	var form bytes.Buffer
	form.WriteString("--b\r\nContent-Disposition: form-data; name=\"file\"; filename=\"cut.png\"\r\nContent-Type: image/png\r\n\r\nPNGDATA\r\n--b--\r\n")
	req := httptest.NewRequest("POST", "/v1/bookings/"+id+"/proof-files", &form)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=b")
	token, _, _ := h.tokens.Issue(h.creator)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(w, req)
	resp = h.expect(w, http.StatusCreated)
	fileURL := field(resp, "file", "url")

	resp = h.expect(h.do("POST", "/v1/bookings/"+id+"/proof", &h.creator, map[string]interface{}{
		"files": []map[string]string{{"url": fileURL, "label": "final cut"}},
		"note":  "delivered",
	}), http.StatusOK)
	if field(resp, "booking", "status") != "delivered" {
		t.Fatalf("Expected delivered, got %s", field(resp, "booking", "status"))
	}

	// Window lapses; the admin sweep releases the escrow.
	h.clock.Advance(72*time.Hour + time.Second)
	h.expect(h.do("POST", "/v1/admin/sweep", &h.admin, nil), http.StatusOK)

	resp = h.expect(h.do("GET", "/v1/bookings/"+id, &h.client, nil), http.StatusOK)
	if field(resp, "booking", "status") != "released" {
		t.Fatalf("Expected released, got %s", field(resp, "booking", "status"))
	}
	settlement, _ := resp["booking"].(map[string]interface{})["settlement"].(map[string]interface{})
	if settlement["creatorShare"] != "85" {
		t.Errorf("Expected creator share 85, got %v", settlement["creatorShare"])
	}

	h.expect(h.do("POST", "/v1/reviews", &h.client, map[string]interface{}{
		"bookingId": id,
		"rating":    5,
		"comment":   "great work",
	}), http.StatusCreated)
	resp = h.expect(h.do("GET", "/v1/users/"+h.creator.ID.String()+"/reviews", nil, nil), http.StatusOK)
	if resp["count"].(float64) != 1 {
		t.Errorf("Expected 1 review, got %v", resp["count"])
	}
}

func TestProofUploadDisabledWithoutBucket(t *testing.T) {
	h := newHarness(t)
	resp := h.expect(h.do("POST", "/v1/bookings", &h.client, map[string]interface{}{
		"creatorId":  h.creator.ID,
		"usdcAmount": "10",
	}), http.StatusCreated)
	id := field(resp, "booking", "id")

	h.expect(h.do("POST", "/v1/bookings/"+id+"/proof-files", &h.creator, nil), http.StatusServiceUnavailable)
}

func TestWebSocketRequiresToken(t *testing.T) {
	h := newHarness(t)
	h.expect(h.do("GET", "/ws", nil, nil), http.StatusUnauthorized)
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://escrow:hunter2@db:5432/escrow?sslmode=disable")
	if bytes.Contains([]byte(got), []byte("hunter2")) {
		t.Errorf("password leaked: %s", got)
	}
}
