package payment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/booking"
	"github.com/mbd888/bookingescrow/internal/validation"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up party-facing routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.SubmitPayment)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/bookings/:id/payments", h.ListBookingPayments)
}

// RegisterAdminRoutes sets up verification routes. The group must require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/verify", h.VerifyPayment)
	r.POST("/payments/:id/reject", h.RejectPayment)
}

// RejectRequest is the body of POST /v1/admin/payments/:id/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// SubmitPayment handles POST /v1/payments
func (h *Handler) SubmitPayment(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount, network and txHash are required",
		})
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("txHash", req.TxHash, 128),
	)) {
		return
	}

	p, err := h.service.Submit(c.Request.Context(), actor(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	p, err := h.service.Get(c.Request.Context(), id, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListBookingPayments handles GET /v1/bookings/:id/payments
func (h *Handler) ListBookingPayments(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	payments, err := h.service.ListForBooking(c.Request.Context(), id, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// VerifyPayment handles POST /v1/admin/payments/:id/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	p, err := h.service.Verify(c.Request.Context(), id, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// RejectPayment handles POST /v1/admin/payments/:id/reject
func (h *Handler) RejectPayment(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	var req RejectRequest
	_ = c.ShouldBindJSON(&req) // reason is optional

	p, err := h.service.Reject(c.Request.Context(), id, actor(c),
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

func actor(c *gin.Context) auth.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

func writeError(c *gin.Context, err error) {
	var fe *FieldError
	switch {
	case errors.As(err, &fe):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Request validation failed",
			"details": []validation.ValidationError{{Field: fe.Field, Message: fe.Message}},
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrDuplicateTxHash):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_tx_hash", "message": err.Error()})
	case errors.Is(err, ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": "already_decided", "message": err.Error()})
	default:
		booking.WriteError(c, err)
	}
}
