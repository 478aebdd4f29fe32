// Package booking implements the lifecycle of a paid service booking
// between a client and a creator.
//
// Flow:
//  1. Client creates a booking (draft or pending) and submits a payment
//  2. The payment is verified → booking becomes paid
//  3. Creator starts work and submits proof → delivered, protection window opens
//  4. Client accepts, or either party opens a dispute, or the window lapses
//     and the release sweep auto-releases the funds
//  5. An admin resolves disputes into refunded or released
//
// Every write is a compare-and-swap on (id, status, version), so two actors
// racing on the same booking can never both apply a terminal transition.
package booking

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/settlement"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrUnauthorized           = errors.New("not authorized for this booking operation")
	ErrConcurrentModification = errors.New("booking was modified concurrently")
	ErrMissingProof           = errors.New("proof requires at least one link, file or note")
	ErrInvalidProof           = errors.New("proof link must be an absolute http(s) URL")
	ErrDisputeAlreadyOpen     = errors.New("dispute already open for this booking")
	ErrDisputeNotOpen         = errors.New("dispute is not open")
	ErrReasonRequired         = errors.New("dispute reason is required")
	ErrInvalidOutcome         = errors.New("outcome must be refund or release")
	ErrInvalidAmount          = errors.New("amount must be positive with at most 6 decimals")
	ErrInvalidParties         = errors.New("client and creator must be distinct users")
	ErrPaymentMismatch        = errors.New("payment does not match booking")
)

// TransitionError reports which precondition of a transition failed.
// It matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	Action Action
	From   Status
	Reason string
	cause  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s booking in status %s: %s", e.Action, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrInvalidTransition, e.cause}
	}
	return []error{ErrInvalidTransition}
}

// Status is the booking's lifecycle state.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPending         Status = "pending"          // awaiting verified payment
	StatusPaymentRejected Status = "payment_rejected" // client may attach a new payment
	StatusPaid            Status = "paid"
	StatusDelivered       Status = "delivered" // protection window running
	StatusDisputed        Status = "disputed"
	StatusAccepted        Status = "accepted"
	StatusReleased        Status = "released"
	StatusRefunded        Status = "refunded"
	StatusCanceled        Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusPaymentRejected, StatusPaid, StatusDelivered,
		StatusDisputed, StatusAccepted, StatusReleased, StatusRefunded, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusReleased, StatusRefunded, StatusCanceled:
		return true
	}
	return false
}

// DefaultProtectionWindow is the time between delivery and auto-release.
const DefaultProtectionWindow = 72 * time.Hour

// Booking is a paid service engagement between a client and a creator.
type Booking struct {
	ID        uuid.UUID `json:"id"`
	ClientID  uuid.UUID `json:"clientId"`
	CreatorID uuid.UUID `json:"creatorId"`
	ServiceID string    `json:"serviceId,omitempty"`
	Status    Status    `json:"status"`

	USDCAmount decimal.Decimal `json:"usdcAmount"`
	Chain      string          `json:"chain,omitempty"`
	TxHash     string          `json:"txHash,omitempty"`

	WorkStartedAt *time.Time `json:"workStartedAt,omitempty"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	AcceptedAt    *time.Time `json:"acceptedAt,omitempty"`
	ReleaseAt     *time.Time `json:"releaseAt,omitempty"`
	Proof         *Proof     `json:"proof,omitempty"`

	ClientCancelAt  *time.Time `json:"clientCancelAt,omitempty"`
	CreatorCancelAt *time.Time `json:"creatorCancelAt,omitempty"`

	Settlement *settlement.Split `json:"settlement,omitempty"`
	SettledAt  *time.Time        `json:"settledAt,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsParty reports whether id is the client or the creator.
func (b *Booking) IsParty(id uuid.UUID) bool {
	return id == b.ClientID || id == b.CreatorID
}

// Parties returns the client and creator ids.
func (b *Booking) Parties() []uuid.UUID {
	return []uuid.UUID{b.ClientID, b.CreatorID}
}

// CanView reports whether the actor may read the booking.
func (b *Booking) CanView(a auth.Actor) bool {
	return a.Privileged() || b.IsParty(a.ID)
}

func (b *Booking) clone() *Booking {
	c := *b
	c.WorkStartedAt = cloneTime(b.WorkStartedAt)
	c.DeliveredAt = cloneTime(b.DeliveredAt)
	c.AcceptedAt = cloneTime(b.AcceptedAt)
	c.ReleaseAt = cloneTime(b.ReleaseAt)
	c.ClientCancelAt = cloneTime(b.ClientCancelAt)
	c.CreatorCancelAt = cloneTime(b.CreatorCancelAt)
	c.SettledAt = cloneTime(b.SettledAt)
	if b.Proof != nil {
		p := b.Proof.clone()
		c.Proof = &p
	}
	if b.Settlement != nil {
		s := *b.Settlement
		c.Settlement = &s
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ProofItem is a link or an uploaded file URL.
type ProofItem struct {
	URL   string `json:"url"`
	Label string `json:"label,omitempty"`
}

// Proof is the creator's evidence of delivered work.
type Proof struct {
	Links []ProofItem `json:"links,omitempty"`
	Files []ProofItem `json:"files,omitempty"`
	Note  string      `json:"note,omitempty"`
}

// Normalize trims whitespace, drops blank entries and validates URLs.
// It returns ErrMissingProof if nothing is left.
func (p Proof) Normalize() (Proof, error) {
	var out Proof
	var err error
	if out.Links, err = normalizeItems(p.Links); err != nil {
		return Proof{}, err
	}
	if out.Files, err = normalizeItems(p.Files); err != nil {
		return Proof{}, err
	}
	out.Note = strings.TrimSpace(p.Note)
	if len(out.Links) == 0 && len(out.Files) == 0 && out.Note == "" {
		return Proof{}, ErrMissingProof
	}
	return out, nil
}

func normalizeItems(items []ProofItem) ([]ProofItem, error) {
	var out []ProofItem
	for _, it := range items {
		raw := strings.TrimSpace(it.URL)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProof, raw)
		}
		out = append(out, ProofItem{URL: raw, Label: strings.TrimSpace(it.Label)})
	}
	return out, nil
}

func (p Proof) clone() Proof {
	return Proof{
		Links: append([]ProofItem(nil), p.Links...),
		Files: append([]ProofItem(nil), p.Files...),
		Note:  p.Note,
	}
}

// DisputeStatus is open until an admin resolves it. Resolved disputes never reopen.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Dispute is the admin-decided carve-out from the normal release path.
// A booking has at most one.
type Dispute struct {
	ID             uuid.UUID          `json:"id"`
	BookingID      uuid.UUID          `json:"bookingId"`
	OpenedBy       uuid.UUID          `json:"openedBy"`
	Reason         string             `json:"reason"`
	Status         DisputeStatus      `json:"status"`
	Outcome        settlement.Outcome `json:"outcome,omitempty"`
	ResolutionNote string             `json:"resolutionNote,omitempty"`
	ResolvedBy     *uuid.UUID         `json:"resolvedBy,omitempty"`
	OpenedAt       time.Time          `json:"openedAt"`
	ResolvedAt     *time.Time         `json:"resolvedAt,omitempty"`
}

func (d *Dispute) clone() *Dispute {
	c := *d
	c.ResolvedAt = cloneTime(d.ResolvedAt)
	if d.ResolvedBy != nil {
		id := *d.ResolvedBy
		c.ResolvedBy = &id
	}
	return &c
}

// Action names a state-machine operation.
type Action string

const (
	ActionSubmit         Action = "submit"
	ActionAttachPayment  Action = "attach_payment"
	ActionMarkPaid       Action = "mark_paid"
	ActionRejectPayment  Action = "reject_payment"
	ActionStartWork      Action = "start_work"
	ActionSubmitProof    Action = "submit_proof"
	ActionAccept         Action = "accept"
	ActionOpenDispute    Action = "open_dispute"
	ActionAutoRelease    Action = "auto_release"
	ActionResolveDispute Action = "resolve_dispute"
	ActionForceSettle    Action = "force_settle"
	ActionCancel         Action = "cancel"
	ActionRequestCancel  Action = "request_cancel"
)

// party says which side of the booking may trigger a rule.
type party int

const (
	partyClient party = 1 << iota
	partyCreator
	partyAdmin
	partySystem
)

// rule is one row of the transition table. An empty to means the status is
// left alone (or decided by the operation, see ActionRequestCancel and the
// settling admin actions).
type rule struct {
	from []Status
	to   Status
	by   party
}

func (r rule) allowsFrom(s Status) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}

var cancelable = []Status{StatusDraft, StatusPending, StatusPaymentRejected, StatusPaid, StatusDelivered}

var transitions = map[Action]rule{
	ActionSubmit:         {from: []Status{StatusDraft}, to: StatusPending, by: partyClient},
	ActionAttachPayment:  {from: []Status{StatusPending, StatusPaymentRejected}, by: partyClient},
	ActionMarkPaid:       {from: []Status{StatusPending, StatusPaymentRejected}, to: StatusPaid, by: partyAdmin | partySystem},
	ActionRejectPayment:  {from: []Status{StatusPending}, to: StatusPaymentRejected, by: partyAdmin | partySystem},
	ActionStartWork:      {from: []Status{StatusPaid}, by: partyCreator},
	ActionSubmitProof:    {from: []Status{StatusPaid}, to: StatusDelivered, by: partyCreator},
	ActionAccept:         {from: []Status{StatusDelivered}, to: StatusAccepted, by: partyClient},
	ActionOpenDispute:    {from: []Status{StatusDelivered}, to: StatusDisputed, by: partyClient | partyCreator},
	ActionAutoRelease:    {from: []Status{StatusDelivered}, to: StatusReleased, by: partySystem},
	ActionResolveDispute: {from: []Status{StatusDisputed}, by: partyAdmin},
	ActionForceSettle:    {from: []Status{StatusPaid, StatusDelivered}, by: partyAdmin},
	ActionCancel:         {from: cancelable, to: StatusCanceled, by: partyAdmin},
	ActionRequestCancel:  {from: cancelable, by: partyClient | partyCreator},
}

// partyOf classifies the actor relative to b.
func partyOf(b *Booking, a auth.Actor) party {
	switch a.Role {
	case auth.RoleSystem:
		return partySystem
	case auth.RoleAdmin:
		return partyAdmin
	}
	var p party
	if a.ID == b.ClientID {
		p |= partyClient
	}
	if a.ID == b.CreatorID {
		p |= partyCreator
	}
	return p
}

// settledStatus maps a settlement outcome to the terminal status it produces.
func settledStatus(o settlement.Outcome) (Status, error) {
	switch o {
	case settlement.OutcomeRelease:
		return StatusReleased, nil
	case settlement.OutcomeRefund:
		return StatusRefunded, nil
	}
	return "", ErrInvalidOutcome
}
