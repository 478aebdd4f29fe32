// Package events defines the domain events emitted by booking and payment
// transitions and the publishers that forward them to the notification
// channel.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type names an event. It doubles as the AMQP routing key.
type Type string

const (
	TypeBookingStatusChanged Type = "booking.status_changed"
	TypeSettlementApplied    Type = "booking.settlement_applied"
	TypeReleaseReminder      Type = "booking.release_reminder"
	TypePaymentStatusChanged Type = "payment.status_changed"
)

// Event is the envelope handed to publishers.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      Type        `json:"type"`
	BookingID uuid.UUID   `json:"bookingId,omitempty"`
	Parties   []uuid.UUID `json:"parties,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// BookingStatusChanged is emitted after every successful booking transition.
// Action distinguishes transitions that keep the status (work started).
type BookingStatusChanged struct {
	BookingID uuid.UUID `json:"bookingId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Action    string    `json:"action"`
	ActorID   uuid.UUID `json:"actorId"`
	Timestamp time.Time `json:"timestamp"`
}

// SettlementApplied is consumed by the external payout process.
type SettlementApplied struct {
	BookingID     uuid.UUID       `json:"bookingId"`
	Outcome       string          `json:"outcome"`
	Gross         decimal.Decimal `json:"gross"`
	CreatorShare  decimal.Decimal `json:"creatorShare"`
	PlatformShare decimal.Decimal `json:"platformShare"`
	ClientRefund  decimal.Decimal `json:"clientRefund"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ReleaseReminder warns both parties that auto-release is imminent.
type ReleaseReminder struct {
	BookingID uuid.UUID     `json:"bookingId"`
	ReleaseAt time.Time     `json:"releaseAt"`
	Remaining time.Duration `json:"remainingNs"`
	Threshold string        `json:"threshold"`
}

// PaymentStatusChanged is emitted when a payment is verified or rejected.
type PaymentStatusChanged struct {
	PaymentID uuid.UUID  `json:"paymentId"`
	BookingID *uuid.UUID `json:"bookingId,omitempty"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
}

// Publisher forwards events to the notification channel.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// New builds an envelope with a fresh id.
func New(t Type, bookingID uuid.UUID, parties []uuid.UUID, at time.Time, data interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      t,
		BookingID: bookingID,
		Parties:   parties,
		Timestamp: at,
		Data:      data,
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
