package payment

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bookingescrow/internal/chain"
	"github.com/mbd888/bookingescrow/internal/pagination"
	"github.com/mbd888/bookingescrow/internal/settlement"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type paymentRow struct {
	ID           uuid.UUID       `db:"id"`
	PayerID      uuid.UUID       `db:"payer_id"`
	Type         string          `db:"payment_type"`
	BookingID    uuid.NullUUID   `db:"booking_id"`
	CreatorID    uuid.NullUUID   `db:"creator_id"`
	Amount       decimal.Decimal `db:"amount"`
	Currency     string          `db:"currency"`
	Network      string          `db:"network"`
	TxHash       string          `db:"tx_hash"`
	Status       string          `db:"status"`
	RejectReason sql.NullString  `db:"reject_reason"`
	VerifiedBy   uuid.NullUUID   `db:"verified_by"`
	VerifiedAt   sql.NullTime    `db:"verified_at"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

const paymentColumns = `id, payer_id, payment_type, booking_id, creator_id, amount, currency,
	network, tx_hash, status, reject_reason, verified_by, verified_at, created_at, updated_at`

func toRow(p *Payment) paymentRow {
	r := paymentRow{
		ID:           p.ID,
		PayerID:      p.PayerID,
		Type:         string(p.Type),
		BookingID:    nullUUID(p.BookingID),
		CreatorID:    nullUUID(p.CreatorID),
		Amount:       p.Amount,
		Currency:     p.Currency,
		Network:      string(p.Network),
		TxHash:       p.TxHash,
		Status:       string(p.Status),
		RejectReason: sql.NullString{String: p.RejectReason, Valid: p.RejectReason != ""},
		VerifiedBy:   nullUUID(p.VerifiedBy),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if p.VerifiedAt != nil {
		r.VerifiedAt = sql.NullTime{Time: *p.VerifiedAt, Valid: true}
	}
	return r
}

func (r paymentRow) toPayment() *Payment {
	p := &Payment{
		ID:           r.ID,
		PayerID:      r.PayerID,
		Type:         settlement.PaymentType(r.Type),
		BookingID:    uuidPtr(r.BookingID),
		CreatorID:    uuidPtr(r.CreatorID),
		Amount:       r.Amount,
		Currency:     r.Currency,
		Network:      chain.Network(r.Network),
		TxHash:       r.TxHash,
		Status:       Status(r.Status),
		RejectReason: r.RejectReason.String,
		VerifiedBy:   uuidPtr(r.VerifiedBy),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.VerifiedAt.Valid {
		t := r.VerifiedAt.Time
		p.VerifiedAt = &t
	}
	return p
}

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (:id, :payer_id, :payment_type, :booking_id, :creator_id, :amount, :currency,
			:network, :tx_hash, :status, :reject_reason, :verified_by, :verified_at, :created_at, :updated_at)`,
		toRow(pay))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateTxHash
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	var row paymentRow
	err := p.db.GetContext(ctx, &row, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toPayment(), nil
}

// Decide only touches rows still in the from state, which makes the
// decision at-most-once.
func (p *PostgresStore) Decide(ctx context.Context, pay *Payment, from Status) error {
	arg := struct {
		paymentRow
		From string `db:"from_status"`
	}{toRow(pay), string(from)}
	res, err := p.db.NamedExecContext(ctx, `
		UPDATE payments SET status = :status, reject_reason = :reject_reason,
			verified_by = :verified_by, verified_at = :verified_at, updated_at = :updated_at
		WHERE id = :id AND status = :from_status`, arg)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, pay.ID); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyDecided
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*Payment, error) {
	var rows []paymentRow
	if err := p.db.SelectContext(ctx, &rows, `
		SELECT `+paymentColumns+` FROM payments
		WHERE booking_id = $1
		ORDER BY created_at`, bookingID); err != nil {
		return nil, err
	}
	return toPayments(rows), nil
}

func (p *PostgresStore) ListSubmitted(ctx context.Context, networks []chain.Network, after *pagination.Cursor, limit int) ([]*Payment, error) {
	names := make([]string, len(networks))
	for i, n := range networks {
		names[i] = string(n)
	}
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'submitted' AND network = ANY($1)`
	args := []interface{}{pq.Array(names), limit}
	if after != nil {
		query += ` AND (created_at, id) > ($3, $4)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += ` ORDER BY created_at, id LIMIT $2`

	var rows []paymentRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return toPayments(rows), nil
}

func toPayments(rows []paymentRow) []*Payment {
	out := make([]*Payment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPayment())
	}
	return out
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}
