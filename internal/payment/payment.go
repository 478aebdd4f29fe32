// Package payment records cryptocurrency payment claims and their
// verification. A verified service_booking payment is the only thing that
// moves a booking to paid.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bookingescrow/internal/chain"
	"github.com/mbd888/bookingescrow/internal/pagination"
	"github.com/mbd888/bookingescrow/internal/settlement"
	"github.com/mbd888/bookingescrow/internal/usdc"
)

var (
	ErrNotFound        = errors.New("payment not found")
	ErrDuplicateTxHash = errors.New("transaction hash already submitted")
	ErrInvalidPayment  = errors.New("invalid payment")
	ErrUnauthorized    = errors.New("not authorized for this payment")
	ErrAlreadyDecided  = errors.New("payment already verified or rejected")
)

// Status of a payment record.
type Status string

const (
	StatusSubmitted Status = "submitted"
	// StatusVerifying is held while a verification moves the booking to
	// paid. It blocks a concurrent reject.
	StatusVerifying Status = "verifying"
	StatusVerified  Status = "verified"
	StatusRejected  Status = "rejected"
)

// Currency is the only accepted currency.
const Currency = "USDC"

// Payment is one payment attempt. Records are append-only: the only change
// after submission is the single submitted -> verified|rejected decision,
// possibly through a short verifying claim.
type Payment struct {
	ID           uuid.UUID              `json:"id"`
	PayerID      uuid.UUID              `json:"payerId"`
	Type         settlement.PaymentType `json:"paymentType"`
	BookingID    *uuid.UUID             `json:"bookingId,omitempty"`
	CreatorID    *uuid.UUID             `json:"creatorId,omitempty"`
	Amount       decimal.Decimal        `json:"amount"`
	Currency     string                 `json:"currency"`
	Network      chain.Network          `json:"network"`
	TxHash       string                 `json:"txHash"`
	Status       Status                 `json:"status"`
	RejectReason string                 `json:"rejectReason,omitempty"`
	VerifiedBy   *uuid.UUID             `json:"verifiedBy,omitempty"`
	VerifiedAt   *time.Time             `json:"verifiedAt,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// SubmitRequest is the body of POST /v1/payments.
type SubmitRequest struct {
	BookingID   *uuid.UUID `json:"bookingId"`
	CreatorID   *uuid.UUID `json:"creatorId"`
	Amount      string     `json:"amount" binding:"required"`
	Currency    string     `json:"currency"`
	Network     string     `json:"network" binding:"required"`
	TxHash      string     `json:"txHash" binding:"required"`
	PaymentType string     `json:"paymentType"`
}

// FieldError names the request field that failed validation.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error { return ErrInvalidPayment }

func invalid(field, msg string) error {
	return &FieldError{Field: field, Message: msg}
}

// validate checks everything that does not need the booking and returns a
// payment ready to be stored. Payment type defaults to service_booking.
func validate(payer uuid.UUID, req SubmitRequest) (*Payment, error) {
	amount, err := usdc.Parse(req.Amount)
	if err != nil {
		return nil, invalid("amount", "must be a decimal with at most 6 places")
	}
	if !amount.IsPositive() {
		return nil, invalid("amount", "must be positive")
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = Currency
	}
	if currency != Currency {
		return nil, invalid("currency", "only USDC is accepted")
	}

	network, err := chain.ParseNetwork(req.Network)
	if err != nil {
		return nil, invalid("network", err.Error())
	}
	txHash, err := chain.NormalizeTxHash(network, req.TxHash)
	if err != nil {
		return nil, invalid("txHash", err.Error())
	}

	pt := settlement.PaymentType(req.PaymentType)
	if pt == "" {
		pt = settlement.ServiceBooking
	}
	if !pt.Valid() {
		return nil, invalid("paymentType", "must be service_booking or creator_tier")
	}

	p := &Payment{
		ID:       uuid.New(),
		PayerID:  payer,
		Type:     pt,
		Amount:   amount,
		Currency: currency,
		Network:  network,
		TxHash:   txHash,
		Status:   StatusSubmitted,
	}
	switch pt {
	case settlement.ServiceBooking:
		if req.BookingID == nil || *req.BookingID == uuid.Nil {
			return nil, invalid("bookingId", "required for service_booking payments")
		}
		p.BookingID = req.BookingID
		p.CreatorID = req.CreatorID
	case settlement.CreatorTier:
		if req.BookingID != nil {
			return nil, invalid("bookingId", "creator_tier payments do not belong to a booking")
		}
		if req.CreatorID == nil || *req.CreatorID == uuid.Nil {
			return nil, invalid("creatorId", "required for creator_tier payments")
		}
		if *req.CreatorID == payer {
			return nil, invalid("creatorId", "cannot pay yourself")
		}
		p.CreatorID = req.CreatorID
	}
	return p, nil
}

// Store persists payments.
type Store interface {
	// Create fails with ErrDuplicateTxHash if (network, txHash) exists.
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	// Decide writes p if the stored payment is still in status from,
	// otherwise ErrAlreadyDecided.
	Decide(ctx context.Context, p *Payment, from Status) error
	ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*Payment, error)
	// ListSubmitted returns submitted payments on the given networks in
	// (createdAt, id) order, starting after the cursor. A nil cursor starts
	// from the oldest.
	ListSubmitted(ctx context.Context, networks []chain.Network, after *pagination.Cursor, limit int) ([]*Payment, error)
}
