package storage

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/booking"
	"github.com/mbd888/bookingescrow/internal/logging"
	"github.com/mbd888/bookingescrow/internal/validation"
)

// Uploader stores proof files. *S3Uploader implements it.
type Uploader interface {
	UploadProof(ctx context.Context, bookingID uuid.UUID, r io.Reader, size int64) (*File, error)
}

// BookingReader loads bookings. *booking.Service implements it.
type BookingReader interface {
	Load(ctx context.Context, id uuid.UUID) (*booking.Booking, error)
}

// Handler serves proof file uploads. A nil uploader disables the route
// with 503.
type Handler struct {
	uploader Uploader
	bookings BookingReader
}

// NewHandler creates a new upload handler.
func NewHandler(uploader Uploader, bookings BookingReader) *Handler {
	return &Handler{uploader: uploader, bookings: bookings}
}

// RegisterRoutes sets up upload routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/proof-files", h.UploadProofFile)
}

// UploadProofFile handles POST /v1/bookings/:id/proof-files
func (h *Handler) UploadProofFile(c *gin.Context) {
	if h.uploader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "storage_disabled",
			"message": "File uploads are not configured",
		})
		return
	}
	id, ok := validation.UUIDParam(c, "id")
	if !ok {
		return
	}

	a, _ := auth.ActorFrom(c)
	b, err := h.bookings.Load(c.Request.Context(), id)
	if err != nil {
		booking.WriteError(c, err)
		return
	}
	if a.ID != b.CreatorID {
		booking.WriteError(c, booking.ErrUnauthorized)
		return
	}
	if b.Status != booking.StatusPaid {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "proof files can only be added to a paid booking",
		})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxFileSize+1<<20)
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "multipart field \"file\" is required (max 10 MB)",
		})
		return
	}
	if header.Size > MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large", "message": ErrTooLarge.Error()})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "could not read file"})
		return
	}
	defer f.Close()

	file, err := h.uploader.UploadProof(c.Request.Context(), id, f, header.Size)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnsupportedType), errors.Is(err, ErrEmpty):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_file_type", "message": err.Error()})
		return
	case errors.Is(err, ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large", "message": err.Error()})
		return
	default:
		logging.L(c.Request.Context()).Error("proof upload failed", "bookingId", id, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload_failed", "message": "Could not store file"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"file":  file,
		"proof": booking.ProofItem{URL: file.URL, Label: validation.SanitizeString(header.Filename, 200)},
	})
}
