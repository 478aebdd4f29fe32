package review

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/booking"
	"github.com/mbd888/bookingescrow/internal/pagination"
	"github.com/mbd888/bookingescrow/internal/validation"
)

// Handler provides HTTP endpoints for reviews.
type Handler struct {
	service *Service
}

// NewHandler creates a new review handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated review routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reviews", h.CreateReview)
	r.GET("/bookings/:id/reviews", h.ListBookingReviews)
}

// RegisterPublicRoutes sets up routes that need no token.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/reviews", h.ListUserReviews)
}

// CreateReview handles POST /v1/reviews
func (h *Handler) CreateReview(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "bookingId and rating are required",
		})
		return
	}
	a, _ := auth.ActorFrom(c)
	r, err := h.service.Create(c.Request.Context(), a, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"review": r})
}

// ListUserReviews handles GET /v1/users/:id/reviews
func (h *Handler) ListUserReviews(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	reviews, next, summary, err := h.service.ListForUser(c.Request.Context(), id, cursor, pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reviews":    reviews,
		"count":      len(reviews),
		"summary":    summary,
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// ListBookingReviews handles GET /v1/bookings/:id/reviews
func (h *Handler) ListBookingReviews(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	a, _ := auth.ActorFrom(c)
	reviews, err := h.service.ListForBooking(c.Request.Context(), id, a)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews, "count": len(reviews)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRating), errors.Is(err, ErrCommentTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrNotReviewable):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrAlreadyReviewed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_reviewed", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		booking.WriteError(c, err)
	}
}
