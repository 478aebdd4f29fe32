package review

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/booking"
)

func TestHandler_CreateAndList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b, client, creator := finished(booking.StatusAccepted)
	bookings := new(mockBookings)
	bookings.On("Load", mock.Anything, b.ID).Return(b, nil)
	svc, _ := newTestService(bookings)
	h := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterPublicRoutes(v1)
	authed := v1.Group("")
	authed.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyActor, client)
		c.Next()
	})
	h.RegisterRoutes(authed)

	body, _ := json.Marshal(map[string]interface{}{"bookingId": b.ID, "rating": 5, "comment": "fast"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/reviews", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/reviews", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for second review, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/users/"+creator.ID.String()+"/reviews", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Count   int     `json:"count"`
		Summary Summary `json:"summary"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Summary.Average != 5 {
		t.Errorf("Expected one 5-star review, got %+v", resp)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/users/"+uuid.NewString()+"/reviews", nil))
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 || resp.Summary.Count != 0 {
		t.Errorf("Expected no reviews for unknown user, got %+v", resp)
	}
}
