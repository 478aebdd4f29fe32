package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/chain"
	"github.com/mbd888/bookingescrow/internal/events"
	"github.com/mbd888/bookingescrow/internal/logging"
	"github.com/mbd888/bookingescrow/internal/metrics"
	"github.com/mbd888/bookingescrow/internal/pagination"
	"github.com/mbd888/bookingescrow/internal/settlement"
	"github.com/mbd888/bookingescrow/internal/traces"
	"github.com/mbd888/bookingescrow/internal/usdc"
)

// CreateRequest contains the parameters for creating a booking.
type CreateRequest struct {
	CreatorID  uuid.UUID `json:"creatorId" binding:"required"`
	ServiceID  string    `json:"serviceId"`
	USDCAmount string    `json:"usdcAmount" binding:"required"`
	Chain      string    `json:"chain"`
	Draft      bool      `json:"draft"`
}

// PaymentConfirmation is what the payment ledger hands over when a payment
// for a booking has been verified.
type PaymentConfirmation struct {
	PaymentID uuid.UUID
	BookingID uuid.UUID
	Amount    decimal.Decimal
	Network   string
	TxHash    string
	Verified  bool
}

// Service implements the booking state machine.
type Service struct {
	store     Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	window    time.Duration
	batch     int
}

// NewService creates a booking service with a 72h protection window.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: events.Nop{},
		logger:    logger,
		now:       time.Now,
		window:    DefaultProtectionWindow,
		batch:     100,
	}
}

// WithPublisher sets where transition events go.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithClock replaces time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithProtectionWindow overrides the delivery-to-release window.
func (s *Service) WithProtectionWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

// WithSweepBatch sets how many bookings the release sweep loads per query.
func (s *Service) WithSweepBatch(n int) *Service {
	if n > 0 {
		s.batch = n
	}
	return s
}

// ProtectionWindow returns the configured window.
func (s *Service) ProtectionWindow() time.Duration { return s.window }

// Create opens a booking for the acting client.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*Booking, error) {
	if actor.Role != auth.RoleUser {
		return nil, ErrUnauthorized
	}
	ctx = logging.WithActor(ctx, actor.ID.String(), string(actor.Role))
	if req.CreatorID == uuid.Nil || req.CreatorID == actor.ID {
		return nil, ErrInvalidParties
	}
	amount, err := usdc.Parse(req.USDCAmount)
	if err != nil || !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	var network string
	if req.Chain != "" {
		n, err := chain.ParseNetwork(req.Chain)
		if err != nil {
			return nil, err
		}
		network = string(n)
	}

	now := s.now().UTC()
	b := &Booking{
		ID:         uuid.New(),
		ClientID:   actor.ID,
		CreatorID:  req.CreatorID,
		ServiceID:  strings.TrimSpace(req.ServiceID),
		Status:     StatusPending,
		USDCAmount: amount,
		Chain:      network,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Draft {
		b.Status = StatusDraft
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	s.log(ctx).Info("booking created", "bookingId", b.ID, "status", b.Status, "amount", usdc.Format(amount))
	return b, nil
}

// Get returns a booking the actor is allowed to see.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.CanView(actor) {
		return nil, ErrUnauthorized
	}
	return b, nil
}

// Load returns a booking without an access check. For internal collaborators.
func (s *Service) Load(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns one page of the actor's bookings, newest first.
func (s *Service) ListByParty(ctx context.Context, actor auth.Actor, cursor *pagination.Cursor, limit int) ([]*Booking, string, error) {
	items, err := s.store.ListByParty(ctx, actor.ID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(b *Booking) (time.Time, uuid.UUID) {
		return b.CreatedAt, b.ID
	})
	return page, next, nil
}

// Submit moves a draft to pending.
func (s *Service) Submit(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Booking, error) {
	return s.run(ctx, id, actor, step{action: ActionSubmit})
}

// AttachPayment records the transaction hash the client paid with.
func (s *Service) AttachPayment(ctx context.Context, id uuid.UUID, actor auth.Actor, network, txHash string) (*Booking, error) {
	return s.run(ctx, id, actor, step{
		action: ActionAttachPayment,
		apply: func(b *Booking, _ time.Time) error {
			if b.Chain != "" && b.Chain != network {
				return fmt.Errorf("%w: booking expects %s, payment is on %s", ErrPaymentMismatch, b.Chain, network)
			}
			b.Chain = network
			b.TxHash = txHash
			return nil
		},
	})
}

// MarkPaid moves a booking to paid once its payment has been verified.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, actor auth.Actor, p PaymentConfirmation) (*Booking, error) {
	return s.run(ctx, id, actor, step{
		action: ActionMarkPaid,
		apply: func(b *Booking, _ time.Time) error {
			if p.BookingID != b.ID {
				return fmt.Errorf("%w: payment %s belongs to another booking", ErrPaymentMismatch, p.PaymentID)
			}
			if !p.Verified {
				return &TransitionError{Action: ActionMarkPaid, From: b.Status, Reason: "payment not yet verified"}
			}
			if !p.Amount.Equal(b.USDCAmount) {
				return fmt.Errorf("%w: paid %s, booking costs %s", ErrPaymentMismatch, usdc.Format(p.Amount), usdc.Format(b.USDCAmount))
			}
			if p.Network != "" {
				b.Chain = p.Network
			}
			b.TxHash = p.TxHash
			return nil
		},
	})
}

// MarkPaymentRejected flags a pending booking whose payment failed verification.
func (s *Service) MarkPaymentRejected(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Booking, error) {
	return s.run(ctx, id, actor, step{action: ActionRejectPayment})
}

// StartWork sets the work-started flag. Status stays paid.
func (s *Service) StartWork(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Booking, error) {
	return s.run(ctx, id, actor, step{
		action: ActionStartWork,
		apply: func(b *Booking, now time.Time) error {
			if b.WorkStartedAt == nil {
				b.WorkStartedAt = &now
			}
			return nil
		},
	})
}

// SubmitProof delivers the work and opens the protection window.
func (s *Service) SubmitProof(ctx context.Context, id uuid.UUID, actor auth.Actor, proof Proof) (*Booking, error) {
	return s.run(ctx, id, actor, step{
		action: ActionSubmitProof,
		apply: func(b *Booking, now time.Time) error {
			normalized, err := proof.Normalize()
			if err != nil {
				return err
			}
			if b.WorkStartedAt == nil {
				return &TransitionError{Action: ActionSubmitProof, From: b.Status, Reason: "work has not been started"}
			}
			releaseAt := now.Add(s.window)
			b.DeliveredAt = &now
			b.ReleaseAt = &releaseAt
			b.Proof = &normalized
			return nil
		},
	})
}

// AcceptDelivery settles a delivered booking at the client's request.
func (s *Service) AcceptDelivery(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Booking, error) {
	return s.run(ctx, id, actor, step{
		action: ActionAccept,
		apply: func(b *Booking, now time.Time) error {
			b.AcceptedAt = &now
			return settle(b, ActionAccept, settlement.OutcomeRelease, now)
		},
	})
}

// OpenDispute suspends auto-release until an admin decides the outcome.
func (s *Service) OpenDispute(ctx context.Context, id uuid.UUID, actor auth.Actor, reason string) (*Booking, *Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, ErrReasonRequired
	}
	var d *Dispute
	b, err := s.run(ctx, id, actor, step{
		action: ActionOpenDispute,
		apply: func(b *Booking, now time.Time) error {
			d = &Dispute{
				ID:        uuid.New(),
				BookingID: b.ID,
				OpenedBy:  actor.ID,
				Reason:    reason,
				Status:    DisputeOpen,
				OpenedAt:  now,
			}
			return nil
		},
		persist: func(ctx context.Context, b *Booking, from Status, version int64) error {
			return s.store.OpenDispute(ctx, b, from, version, d)
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return b, d, nil
}

// AutoRelease releases a delivered booking whose protection window has
// lapsed. Only the scheduler triggers it.
func (s *Service) AutoRelease(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Booking, error) {
	return s.autoRelease(ctx, id, actor, time.Time{})
}

// autoRelease evaluates the window against at, or the service clock when
// at is zero.
func (s *Service) autoRelease(ctx context.Context, id uuid.UUID, actor auth.Actor, at time.Time) (*Booking, error) {
	return s.run(ctx, id, actor, step{
		action: ActionAutoRelease,
		at:     at,
		apply: func(b *Booking, now time.Time) error {
			if b.ReleaseAt == nil || now.Before(*b.ReleaseAt) {
				return &TransitionError{Action: ActionAutoRelease, From: b.Status, Reason: "protection window still open"}
			}
			return settle(b, ActionAutoRelease, settlement.OutcomeRelease, now)
		},
	})
}

// ResolveDispute applies an admin decision. The dispute and the booking are
// written together or not at all.
func (s *Service) ResolveDispute(ctx context.Context, disputeID uuid.UUID, actor auth.Actor, outcome settlement.Outcome, note string) (*Booking, *Dispute, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, nil, ErrUnauthorized
	}
	target, err := settledStatus(outcome)
	if err != nil {
		return nil, nil, err
	}
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	if d.Status != DisputeOpen {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidTransition, ErrDisputeNotOpen)
	}

	b, err := s.run(ctx, d.BookingID, actor, step{
		action: ActionResolveDispute,
		apply: func(b *Booking, now time.Time) error {
			b.Status = target
			b.ReleaseAt = nil
			resolver := actor.ID
			d.Status = DisputeResolved
			d.Outcome = outcome
			d.ResolutionNote = strings.TrimSpace(note)
			d.ResolvedBy = &resolver
			d.ResolvedAt = &now
			return settle(b, ActionResolveDispute, outcome, now)
		},
		persist: func(ctx context.Context, b *Booking, from Status, version int64) error {
			return s.store.ResolveDispute(ctx, b, from, version, d)
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return b, d, nil
}

// ForceSettle lets an admin refund or release a paid or delivered booking
// without a dispute.
func (s *Service) ForceSettle(ctx context.Context, id uuid.UUID, actor auth.Actor, outcome settlement.Outcome) (*Booking, error) {
	target, err := settledStatus(outcome)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, id, actor, step{
		action: ActionForceSettle,
		apply: func(b *Booking, now time.Time) error {
			b.Status = target
			b.ReleaseAt = nil
			return settle(b, ActionForceSettle, outcome, now)
		},
	})
}

// Cancel ends a booking without settlement. Admins cancel immediately; a
// party's request only records consent, and the booking is canceled once
// both parties have asked.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Booking, error) {
	if actor.Role == auth.RoleAdmin {
		return s.run(ctx, id, actor, step{action: ActionCancel})
	}
	return s.run(ctx, id, actor, step{
		action: ActionRequestCancel,
		apply: func(b *Booking, now time.Time) error {
			switch actor.ID {
			case b.ClientID:
				if b.ClientCancelAt == nil {
					b.ClientCancelAt = &now
				}
			case b.CreatorID:
				if b.CreatorCancelAt == nil {
					b.CreatorCancelAt = &now
				}
			}
			if b.ClientCancelAt != nil && b.CreatorCancelAt != nil {
				b.Status = StatusCanceled
			}
			return nil
		},
	})
}

// GetDispute returns the dispute of a booking the actor may see.
func (s *Service) GetDispute(ctx context.Context, bookingID uuid.UUID, actor auth.Actor) (*Dispute, error) {
	if _, err := s.Get(ctx, bookingID, actor); err != nil {
		return nil, err
	}
	return s.store.GetDisputeByBooking(ctx, bookingID)
}

// ListOpenDisputes returns open disputes, oldest first. Admin only.
func (s *Service) ListOpenDisputes(ctx context.Context, actor auth.Actor, limit int) ([]*Dispute, error) {
	if !actor.Privileged() {
		return nil, ErrUnauthorized
	}
	return s.store.ListOpenDisputes(ctx, limit)
}

// settle fills the settlement columns. They are only ever written together
// with a terminal status in the same conditional write.
func settle(b *Booking, action Action, outcome settlement.Outcome, now time.Time) error {
	if b.Settlement != nil {
		return &TransitionError{Action: action, From: b.Status, Reason: "booking already settled"}
	}
	split, err := settlement.For(outcome, b.USDCAmount)
	if err != nil {
		return err
	}
	b.Settlement = &split
	b.SettledAt = &now
	return nil
}

// step describes one state-machine operation for run.
type step struct {
	action  Action
	at      time.Time // evaluation time; zero means the service clock
	apply   func(b *Booking, now time.Time) error
	persist func(ctx context.Context, b *Booking, from Status, version int64) error
}

// run loads the booking, checks the transition table, applies the step and
// commits it with a compare-and-swap. Nothing is written if any check fails.
func (s *Service) run(ctx context.Context, id uuid.UUID, actor auth.Actor, st step) (b *Booking, err error) {
	ctx, span := traces.StartSpan(ctx, "booking."+string(st.action),
		traces.BookingID(id.String()), traces.ActorID(actor.ID.String()))
	defer func() { traces.End(span, err) }()
	ctx = logging.WithActor(ctx, actor.ID.String(), string(actor.Role))

	r, ok := transitions[st.action]
	if !ok {
		return nil, fmt.Errorf("unknown booking action %q", st.action)
	}

	b, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if partyOf(b, actor)&r.by == 0 {
		return nil, ErrUnauthorized
	}
	if !r.allowsFrom(b.Status) {
		return nil, rejectFrom(st.action, b.Status)
	}

	from, version := b.Status, b.Version
	settledBefore := b.Settlement != nil
	now := st.at
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()
	if r.to != "" {
		b.Status = r.to
	}
	if st.apply != nil {
		if err := st.apply(b, now); err != nil {
			return nil, err
		}
	}
	b.UpdatedAt = now

	persist := st.persist
	if persist == nil {
		persist = s.store.CompareAndSwap
	}
	if err := persist(ctx, b, from, version); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			metrics.CASConflictsTotal.WithLabelValues(string(st.action)).Inc()
			s.log(ctx).Info("booking transition lost race",
				"bookingId", id, "action", st.action, "from", from)
		}
		return nil, err
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(from), string(b.Status)).Inc()
	s.log(ctx).Info("booking transition",
		"bookingId", b.ID, "action", st.action, "from", from, "to", b.Status)

	s.publish(ctx, events.New(events.TypeBookingStatusChanged, b.ID, b.Parties(), now, events.BookingStatusChanged{
		BookingID: b.ID,
		From:      string(from),
		To:        string(b.Status),
		Action:    string(st.action),
		ActorID:   actor.ID,
		Timestamp: now,
	}))
	if !settledBefore && b.Settlement != nil {
		split := b.Settlement
		metrics.SettlementsTotal.WithLabelValues(string(split.Outcome)).Inc()
		s.publish(ctx, events.New(events.TypeSettlementApplied, b.ID, b.Parties(), now, events.SettlementApplied{
			BookingID:     b.ID,
			Outcome:       string(split.Outcome),
			Gross:         split.Gross,
			CreatorShare:  split.CreatorShare,
			PlatformShare: split.PlatformShare,
			ClientRefund:  split.ClientRefund,
			Timestamp:     now,
		}))
	}
	return b, nil
}

// rejectFrom builds the error for an action attempted from the wrong status.
func rejectFrom(action Action, from Status) error {
	e := &TransitionError{Action: action, From: from}
	switch {
	case action == ActionOpenDispute && from == StatusDisputed:
		e.Reason = "a dispute is already open"
		e.cause = ErrDisputeAlreadyOpen
	case from.Terminal():
		e.Reason = "booking is already " + string(from)
	case from == StatusDisputed:
		e.Reason = "booking is under dispute"
	default:
		e.Reason = "not allowed from this status"
	}
	return e
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		metrics.EventPublishFailuresTotal.Inc()
		s.log(ctx).Warn("failed to publish event",
			"type", ev.Type, "bookingId", ev.BookingID, "error", err)
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.Or(ctx, s.logger)
}
