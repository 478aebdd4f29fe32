package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/booking"
	"github.com/mbd888/bookingescrow/internal/events"
	"github.com/mbd888/bookingescrow/internal/logging"
	"github.com/mbd888/bookingescrow/internal/metrics"
	"github.com/mbd888/bookingescrow/internal/retry"
	"github.com/mbd888/bookingescrow/internal/settlement"
	"github.com/mbd888/bookingescrow/internal/traces"
	"github.com/mbd888/bookingescrow/internal/usdc"
)

// BookingLedger is the part of the booking state machine payments drive.
// *booking.Service implements it.
type BookingLedger interface {
	Load(ctx context.Context, id uuid.UUID) (*booking.Booking, error)
	AttachPayment(ctx context.Context, id uuid.UUID, actor auth.Actor, network, txHash string) (*booking.Booking, error)
	MarkPaid(ctx context.Context, id uuid.UUID, actor auth.Actor, p booking.PaymentConfirmation) (*booking.Booking, error)
	MarkPaymentRejected(ctx context.Context, id uuid.UUID, actor auth.Actor) (*booking.Booking, error)
}

// Service manages payment records.
type Service struct {
	store     Store
	bookings  BookingLedger
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	decide    retry.Policy
}

// NewService creates a payment service.
func NewService(store Store, bookings BookingLedger, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		bookings:  bookings,
		publisher: events.Nop{},
		logger:    logger,
		now:       time.Now,
		decide:    retry.Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
	}
}

// WithPublisher sets where payment events go.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithClock replaces time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit records a payment claim in the submitted state.
func (s *Service) Submit(ctx context.Context, actor auth.Actor, req SubmitRequest) (p *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.Submit", traces.ActorID(actor.ID.String()))
	defer func() { traces.End(span, err) }()

	if actor.Role != auth.RoleUser {
		return nil, ErrUnauthorized
	}
	ctx = logging.WithActor(ctx, actor.ID.String(), string(actor.Role))

	p, err = validate(actor.ID, req)
	if err != nil {
		return nil, err
	}

	var b *booking.Booking
	if p.Type == settlement.ServiceBooking {
		b, err = s.bookings.Load(ctx, *p.BookingID)
		if err != nil {
			return nil, err
		}
		if b.ClientID != actor.ID {
			return nil, ErrUnauthorized
		}
		if p.CreatorID != nil && *p.CreatorID != b.CreatorID {
			return nil, invalid("creatorId", "does not match the booking")
		}
		if !p.Amount.Equal(b.USDCAmount) {
			return nil, invalid("amount", fmt.Sprintf("must equal the booking amount %s", usdc.Format(b.USDCAmount)))
		}
		if b.Chain != "" && b.Chain != string(p.Network) {
			return nil, invalid("network", "booking expects payment on "+b.Chain)
		}
		if b.Status != booking.StatusPending && b.Status != booking.StatusPaymentRejected {
			return nil, &booking.TransitionError{Action: booking.ActionAttachPayment, From: b.Status, Reason: "booking is not awaiting payment"}
		}
		creator := b.CreatorID
		p.CreatorID = &creator
	}

	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(StatusSubmitted)).Inc()
	s.log(ctx).Info("payment submitted",
		"paymentId", p.ID, "bookingId", p.BookingID, "network", p.Network, "amount", usdc.Format(p.Amount))

	if b != nil {
		// The record is the source of truth; the hash on the booking is for display.
		if _, err := s.bookings.AttachPayment(ctx, b.ID, actor, string(p.Network), p.TxHash); err != nil {
			s.log(ctx).Warn("failed to attach payment to booking",
				"paymentId", p.ID, "bookingId", b.ID, "error", err)
		}
	}
	return p, nil
}

// Get returns a payment visible to the actor: its payer, the creator it
// pays, or an admin.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.visibleTo(actor) {
		return nil, ErrUnauthorized
	}
	return p, nil
}

// ListForBooking returns the payments submitted for a booking.
func (s *Service) ListForBooking(ctx context.Context, bookingID uuid.UUID, actor auth.Actor) ([]*Payment, error) {
	b, err := s.bookings.Load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.CanView(actor) {
		return nil, ErrUnauthorized
	}
	return s.store.ListByBooking(ctx, bookingID)
}

// Verify marks a submitted payment as verified. A service_booking payment
// is first claimed as verifying so no reject can land while its booking is
// moved to paid; if the booking refuses, the claim is released and the
// payment stays submitted so it can be rejected instead.
func (s *Service) Verify(ctx context.Context, id uuid.UUID, actor auth.Actor) (p *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.Verify",
		traces.PaymentID(id.String()), traces.ActorID(actor.ID.String()))
	defer func() { traces.End(span, err) }()

	if !actor.Privileged() {
		return nil, ErrUnauthorized
	}
	ctx = logging.WithActor(ctx, actor.ID.String(), string(actor.Role))

	p, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusSubmitted {
		return nil, ErrAlreadyDecided
	}

	from := StatusSubmitted
	if p.Type == settlement.ServiceBooking {
		claim := p.clone()
		claim.Status = StatusVerifying
		claim.UpdatedAt = s.now().UTC()
		if err := s.record(ctx, claim, StatusSubmitted); err != nil {
			return nil, err
		}
		if _, err := s.bookings.MarkPaid(ctx, *p.BookingID, actor, booking.PaymentConfirmation{
			PaymentID: p.ID,
			BookingID: *p.BookingID,
			Amount:    p.Amount,
			Network:   string(p.Network),
			TxHash:    p.TxHash,
			Verified:  true,
		}); err != nil {
			s.releaseClaim(ctx, p)
			return nil, fmt.Errorf("mark booking paid: %w", err)
		}
		from = StatusVerifying
	}

	now := s.now().UTC()
	verifier := actor.ID
	p.Status = StatusVerified
	p.VerifiedBy = &verifier
	p.VerifiedAt = &now
	p.UpdatedAt = now
	if err := s.record(ctx, p, from); err != nil {
		// The booking is already paid. Leave a loud trail for reconciliation.
		s.log(ctx).Error("booking paid but payment verification not recorded",
			"paymentId", p.ID, "bookingId", p.BookingID, "error", err)
		return nil, err
	}
	s.decided(ctx, p, StatusSubmitted)
	return p, nil
}

// releaseClaim puts a verifying payment back to submitted after its booking
// refused the payment. orig is the payment as read before the claim.
func (s *Service) releaseClaim(ctx context.Context, orig *Payment) {
	if err := s.record(context.WithoutCancel(ctx), orig, StatusVerifying); err != nil {
		s.log(ctx).Error("payment left in verifying state",
			"paymentId", orig.ID, "bookingId", orig.BookingID, "error", err)
	}
}

// Reject marks a submitted payment as rejected and, when its booking is
// still pending, flags the booking so the client can pay again.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor auth.Actor, reason string) (p *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.Reject",
		traces.PaymentID(id.String()), traces.ActorID(actor.ID.String()))
	defer func() { traces.End(span, err) }()

	if !actor.Privileged() {
		return nil, ErrUnauthorized
	}
	ctx = logging.WithActor(ctx, actor.ID.String(), string(actor.Role))

	p, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusSubmitted {
		return nil, ErrAlreadyDecided
	}

	now := s.now().UTC()
	decider := actor.ID
	p.Status = StatusRejected
	p.RejectReason = strings.TrimSpace(reason)
	p.VerifiedBy = &decider
	p.VerifiedAt = &now
	p.UpdatedAt = now
	if err := s.record(ctx, p, StatusSubmitted); err != nil {
		return nil, err
	}
	s.decided(ctx, p, StatusSubmitted)

	if p.Type == settlement.ServiceBooking {
		_, err := s.bookings.MarkPaymentRejected(ctx, *p.BookingID, actor)
		switch {
		case err == nil:
		case errors.Is(err, booking.ErrInvalidTransition), errors.Is(err, booking.ErrConcurrentModification):
			// Booking moved on (paid by another payment, or canceled).
			s.log(ctx).Info("booking not flagged for rejected payment",
				"paymentId", p.ID, "bookingId", p.BookingID, "error", err)
		default:
			s.log(ctx).Warn("failed to flag booking for rejected payment",
				"paymentId", p.ID, "bookingId", p.BookingID, "error", err)
		}
	}
	return p, nil
}

// record moves p out of status from, retrying transient store errors.
func (s *Service) record(ctx context.Context, p *Payment, from Status) error {
	return s.decide.Do(ctx, func() error {
		err := s.store.Decide(ctx, p, from)
		if errors.Is(err, ErrAlreadyDecided) || errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (s *Service) decided(ctx context.Context, p *Payment, from Status) {
	metrics.PaymentsTotal.WithLabelValues(string(p.Status)).Inc()
	s.log(ctx).Info("payment decided", "paymentId", p.ID, "status", p.Status, "bookingId", p.BookingID)

	var bookingID uuid.UUID
	if p.BookingID != nil {
		bookingID = *p.BookingID
	}
	ev := events.New(events.TypePaymentStatusChanged, bookingID, p.parties(), p.UpdatedAt, events.PaymentStatusChanged{
		PaymentID: p.ID,
		BookingID: p.BookingID,
		From:      string(from),
		To:        string(p.Status),
		Timestamp: p.UpdatedAt,
	})
	if err := s.publisher.Publish(ctx, ev); err != nil {
		metrics.EventPublishFailuresTotal.Inc()
		s.log(ctx).Warn("failed to publish event", "type", ev.Type, "paymentId", p.ID, "error", err)
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.Or(ctx, s.logger)
}

func (p *Payment) visibleTo(a auth.Actor) bool {
	if a.Privileged() || a.ID == p.PayerID {
		return true
	}
	return p.CreatorID != nil && *p.CreatorID == a.ID
}

func (p *Payment) parties() []uuid.UUID {
	out := []uuid.UUID{p.PayerID}
	if p.CreatorID != nil {
		out = append(out, *p.CreatorID)
	}
	return out
}

func (p *Payment) clone() *Payment {
	cp := *p
	if p.BookingID != nil {
		id := *p.BookingID
		cp.BookingID = &id
	}
	if p.CreatorID != nil {
		id := *p.CreatorID
		cp.CreatorID = &id
	}
	if p.VerifiedBy != nil {
		id := *p.VerifiedBy
		cp.VerifiedBy = &id
	}
	if p.VerifiedAt != nil {
		t := *p.VerifiedAt
		cp.VerifiedAt = &t
	}
	return &cp
}
