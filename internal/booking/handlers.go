package booking

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/chain"
	"github.com/mbd888/bookingescrow/internal/logging"
	"github.com/mbd888/bookingescrow/internal/pagination"
	"github.com/mbd888/bookingescrow/internal/settlement"
	"github.com/mbd888/bookingescrow/internal/validation"
)

// Handler provides HTTP endpoints for bookings and disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new booking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up party-facing routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.CreateBooking)
	r.GET("/bookings", h.ListBookings)
	r.GET("/bookings/:id", h.GetBooking)
	r.POST("/bookings/:id/submit", h.SubmitBooking)
	r.POST("/bookings/:id/start", h.StartWork)
	r.POST("/bookings/:id/proof", h.SubmitProof)
	r.POST("/bookings/:id/accept", h.AcceptDelivery)
	r.POST("/bookings/:id/dispute", h.OpenDispute)
	r.GET("/bookings/:id/dispute", h.GetDispute)
	r.POST("/bookings/:id/cancel", h.Cancel)
}

// RegisterAdminRoutes sets up admin routes. The group must require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListOpenDisputes)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/bookings/:id/settle", h.ForceSettle)
	r.POST("/bookings/:id/cancel", h.Cancel)
	r.POST("/sweep", h.RunSweep)
}

// OpenDisputeRequest is the body of POST /bookings/:id/dispute.
type OpenDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest is the body of POST /admin/disputes/:id/resolve.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Note    string `json:"note"`
}

// SettleRequest is the body of POST /admin/bookings/:id/settle.
type SettleRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

// CreateBooking handles POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.ValidAmount("usdcAmount", req.USDCAmount),
		validation.MaxLength("serviceId", req.ServiceID, 200),
	)) {
		return
	}

	b, err := h.service.Create(c.Request.Context(), actor(c), req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// ListBookings handles GET /v1/bookings
func (h *Handler) ListBookings(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"))

	bookings, next, err := h.service.ListByParty(c.Request.Context(), actor(c), cursor, limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bookings":   bookings,
		"count":      len(bookings),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	b, err := h.service.Get(c.Request.Context(), id, actor(c))
	respond(c, b, err)
}

// SubmitBooking handles POST /v1/bookings/:id/submit
func (h *Handler) SubmitBooking(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	b, err := h.service.Submit(c.Request.Context(), id, actor(c))
	respond(c, b, err)
}

// StartWork handles POST /v1/bookings/:id/start
func (h *Handler) StartWork(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	b, err := h.service.StartWork(c.Request.Context(), id, actor(c))
	respond(c, b, err)
}

// SubmitProof handles POST /v1/bookings/:id/proof
func (h *Handler) SubmitProof(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	var proof Proof
	if err := c.ShouldBindJSON(&proof); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.MaxLength("note", proof.Note, validation.MaxStringLength),
	)) {
		return
	}
	b, err := h.service.SubmitProof(c.Request.Context(), id, actor(c), proof)
	respond(c, b, err)
}

// AcceptDelivery handles POST /v1/bookings/:id/accept
func (h *Handler) AcceptDelivery(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	b, err := h.service.AcceptDelivery(c.Request.Context(), id, actor(c))
	respond(c, b, err)
}

// OpenDispute handles POST /v1/bookings/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	)) {
		return
	}

	b, d, err := h.service.OpenDispute(c.Request.Context(), id, actor(c), validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": b, "dispute": d})
}

// GetDispute handles GET /v1/bookings/:id/dispute
func (h *Handler) GetDispute(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	d, err := h.service.GetDispute(c.Request.Context(), id, actor(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Cancel handles POST /v1/bookings/:id/cancel and /v1/admin/bookings/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	b, err := h.service.Cancel(c.Request.Context(), id, actor(c))
	respond(c, b, err)
}

// ListOpenDisputes handles GET /v1/admin/disputes
func (h *Handler) ListOpenDisputes(c *gin.Context) {
	disputes, err := h.service.ListOpenDisputes(c.Request.Context(), actor(c), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required",
		})
		return
	}

	b, d, err := h.service.ResolveDispute(c.Request.Context(), id, actor(c),
		settlement.Outcome(req.Outcome), validation.SanitizeString(req.Note, validation.MaxStringLength))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b, "dispute": d})
}

// ForceSettle handles POST /v1/admin/bookings/:id/settle
func (h *Handler) ForceSettle(c *gin.Context) {
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required",
		})
		return
	}
	b, err := h.service.ForceSettle(c.Request.Context(), id, actor(c), settlement.Outcome(req.Outcome))
	respond(c, b, err)
}

// RunSweep handles POST /v1/admin/sweep
func (h *Handler) RunSweep(c *gin.Context) {
	res, err := h.service.RunReleaseSweep(c.Request.Context(), h.service.now())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual release sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": "Release sweep did not complete",
			"result":  res,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func actor(c *gin.Context) auth.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

func respond(c *gin.Context, b *Booking, err error) {
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// WriteError maps booking errors to HTTP responses.
func WriteError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	message := err.Error()

	var te *TransitionError
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrDisputeAlreadyOpen):
		status, code = http.StatusConflict, "dispute_already_open"
	case errors.Is(err, ErrConcurrentModification):
		status, code = http.StatusConflict, "concurrent_modification"
	case errors.As(err, &te), errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrMissingProof):
		status, code = http.StatusBadRequest, "missing_proof"
	case errors.Is(err, ErrInvalidProof),
		errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidParties),
		errors.Is(err, ErrReasonRequired),
		errors.Is(err, chain.ErrUnsupportedNetwork):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrPaymentMismatch):
		status, code = http.StatusUnprocessableEntity, "payment_mismatch"
	}

	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("booking request failed", "error", err)
		message = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
