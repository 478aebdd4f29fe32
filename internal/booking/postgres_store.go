package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bookingescrow/internal/pagination"
	"github.com/mbd888/bookingescrow/internal/settlement"
)

// PostgresStore persists bookings and disputes in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type bookingRow struct {
	ID              uuid.UUID           `db:"id"`
	ClientID        uuid.UUID           `db:"client_id"`
	CreatorID       uuid.UUID           `db:"creator_id"`
	ServiceID       sql.NullString      `db:"service_id"`
	Status          string              `db:"status"`
	USDCAmount      decimal.Decimal     `db:"usdc_amount"`
	Chain           sql.NullString      `db:"chain"`
	TxHash          sql.NullString      `db:"tx_hash"`
	WorkStartedAt   sql.NullTime        `db:"work_started_at"`
	DeliveredAt     sql.NullTime        `db:"delivered_at"`
	AcceptedAt      sql.NullTime        `db:"accepted_at"`
	ReleaseAt       sql.NullTime        `db:"release_at"`
	Proof           sql.NullString      `db:"proof"`
	ClientCancelAt  sql.NullTime        `db:"client_cancel_at"`
	CreatorCancelAt sql.NullTime        `db:"creator_cancel_at"`
	Outcome         sql.NullString      `db:"settlement_outcome"`
	CreatorShare    decimal.NullDecimal `db:"creator_share"`
	PlatformShare   decimal.NullDecimal `db:"platform_share"`
	ClientRefund    decimal.NullDecimal `db:"client_refund"`
	SettledAt       sql.NullTime        `db:"settled_at"`
	Version         int64               `db:"version"`
	CreatedAt       time.Time           `db:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at"`
}

const bookingColumns = `id, client_id, creator_id, service_id, status, usdc_amount, chain, tx_hash,
	work_started_at, delivered_at, accepted_at, release_at, proof,
	client_cancel_at, creator_cancel_at,
	settlement_outcome, creator_share, platform_share, client_refund, settled_at,
	version, created_at, updated_at`

func toRow(b *Booking) (bookingRow, error) {
	r := bookingRow{
		ID:              b.ID,
		ClientID:        b.ClientID,
		CreatorID:       b.CreatorID,
		ServiceID:       nullString(b.ServiceID),
		Status:          string(b.Status),
		USDCAmount:      b.USDCAmount,
		Chain:           nullString(b.Chain),
		TxHash:          nullString(b.TxHash),
		WorkStartedAt:   nullTime(b.WorkStartedAt),
		DeliveredAt:     nullTime(b.DeliveredAt),
		AcceptedAt:      nullTime(b.AcceptedAt),
		ReleaseAt:       nullTime(b.ReleaseAt),
		ClientCancelAt:  nullTime(b.ClientCancelAt),
		CreatorCancelAt: nullTime(b.CreatorCancelAt),
		SettledAt:       nullTime(b.SettledAt),
		Version:         b.Version,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
	if b.Proof != nil {
		raw, err := json.Marshal(b.Proof)
		if err != nil {
			return r, fmt.Errorf("encode proof: %w", err)
		}
		r.Proof = sql.NullString{String: string(raw), Valid: true}
	}
	if s := b.Settlement; s != nil {
		r.Outcome = nullString(string(s.Outcome))
		r.CreatorShare = decimal.NewNullDecimal(s.CreatorShare)
		r.PlatformShare = decimal.NewNullDecimal(s.PlatformShare)
		r.ClientRefund = decimal.NewNullDecimal(s.ClientRefund)
	}
	return r, nil
}

func (r bookingRow) toBooking() (*Booking, error) {
	b := &Booking{
		ID:              r.ID,
		ClientID:        r.ClientID,
		CreatorID:       r.CreatorID,
		ServiceID:       r.ServiceID.String,
		Status:          Status(r.Status),
		USDCAmount:      r.USDCAmount,
		Chain:           r.Chain.String,
		TxHash:          r.TxHash.String,
		WorkStartedAt:   timePtr(r.WorkStartedAt),
		DeliveredAt:     timePtr(r.DeliveredAt),
		AcceptedAt:      timePtr(r.AcceptedAt),
		ReleaseAt:       timePtr(r.ReleaseAt),
		ClientCancelAt:  timePtr(r.ClientCancelAt),
		CreatorCancelAt: timePtr(r.CreatorCancelAt),
		SettledAt:       timePtr(r.SettledAt),
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Proof.Valid {
		var p Proof
		if err := json.Unmarshal([]byte(r.Proof.String), &p); err != nil {
			return nil, fmt.Errorf("decode proof of booking %s: %w", r.ID, err)
		}
		b.Proof = &p
	}
	if r.Outcome.Valid {
		b.Settlement = &settlement.Split{
			Outcome:       settlement.Outcome(r.Outcome.String),
			Gross:         r.USDCAmount,
			CreatorShare:  r.CreatorShare.Decimal,
			PlatformShare: r.PlatformShare.Decimal,
			ClientRefund:  r.ClientRefund.Decimal,
		}
	}
	return b, nil
}

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	row, err := toRow(b)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`) VALUES (
		:id, :client_id, :creator_id, :service_id, :status, :usdc_amount, :chain, :tx_hash,
		:work_started_at, :delivered_at, :accepted_at, :release_at, :proof,
		:client_cancel_at, :creator_cancel_at,
		:settlement_outcome, :creator_share, :platform_share, :client_refund, :settled_at,
		:version, :created_at, :updated_at)`, row)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	var row bookingRow
	err := p.db.GetContext(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toBooking()
}

type casArgs struct {
	bookingRow
	ExpectedStatus  string `db:"expected_status"`
	ExpectedVersion int64  `db:"expected_version"`
}

const casUpdate = `UPDATE bookings SET
		status = :status, chain = :chain, tx_hash = :tx_hash,
		work_started_at = :work_started_at, delivered_at = :delivered_at,
		accepted_at = :accepted_at, release_at = :release_at, proof = :proof,
		client_cancel_at = :client_cancel_at, creator_cancel_at = :creator_cancel_at,
		settlement_outcome = :settlement_outcome, creator_share = :creator_share,
		platform_share = :platform_share, client_refund = :client_refund, settled_at = :settled_at,
		version = version + 1, updated_at = :updated_at
	WHERE id = :id AND status = :expected_status AND version = :expected_version`

func (p *PostgresStore) CompareAndSwap(ctx context.Context, b *Booking, expected Status, version int64) error {
	if err := swap(ctx, p.db, b, expected, version); err != nil {
		return err
	}
	b.Version = version + 1
	return nil
}

// swap runs the conditional update on db or an open transaction. It does
// not touch b.Version so a rolled-back transaction leaves b unchanged.
func swap(ctx context.Context, ext sqlx.ExtContext, b *Booking, expected Status, version int64) error {
	row, err := toRow(b)
	if err != nil {
		return err
	}
	res, err := sqlx.NamedExecContext(ctx, ext, casUpdate, casArgs{
		bookingRow:      row,
		ExpectedStatus:  string(expected),
		ExpectedVersion: version,
	})
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := sqlx.GetContext(ctx, ext, &exists, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, b.ID); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConcurrentModification
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID uuid.UUID, cursor *pagination.Cursor, limit int) ([]*Booking, error) {
	var rows []bookingRow
	var err error
	if cursor == nil {
		err = p.db.SelectContext(ctx, &rows, `
			SELECT `+bookingColumns+` FROM bookings
			WHERE client_id = $1 OR creator_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, partyID, limit)
	} else {
		err = p.db.SelectContext(ctx, &rows, `
			SELECT `+bookingColumns+` FROM bookings
			WHERE (client_id = $1 OR creator_id = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, partyID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	return toBookings(rows)
}

func (p *PostgresStore) ListReleasable(ctx context.Context, before time.Time, after *ReleaseCursor, limit int) ([]*Booking, error) {
	const base = `
		SELECT ` + bookingColumns + ` FROM bookings b
		WHERE b.status = 'delivered'
		  AND b.release_at <= $1
		  AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.booking_id = b.id AND d.status = 'open')`

	var rows []bookingRow
	var err error
	if after == nil {
		err = p.db.SelectContext(ctx, &rows, base+`
		ORDER BY b.release_at, b.id
		LIMIT $2`, before, limit)
	} else {
		err = p.db.SelectContext(ctx, &rows, base+`
		  AND (b.release_at, b.id) > ($2, $3)
		ORDER BY b.release_at, b.id
		LIMIT $4`, before, after.ReleaseAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	return toBookings(rows)
}

func toBookings(rows []bookingRow) ([]*Booking, error) {
	out := make([]*Booking, 0, len(rows))
	for _, r := range rows {
		b, err := r.toBooking()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

type disputeRow struct {
	ID             uuid.UUID      `db:"id"`
	BookingID      uuid.UUID      `db:"booking_id"`
	OpenedBy       uuid.UUID      `db:"opened_by"`
	Reason         string         `db:"reason"`
	Status         string         `db:"status"`
	Outcome        sql.NullString `db:"outcome"`
	ResolutionNote sql.NullString `db:"resolution_note"`
	ResolvedBy     uuid.NullUUID  `db:"resolved_by"`
	OpenedAt       time.Time      `db:"opened_at"`
	ResolvedAt     sql.NullTime   `db:"resolved_at"`
}

const disputeColumns = `id, booking_id, opened_by, reason, status, outcome, resolution_note, resolved_by, opened_at, resolved_at`

func (r disputeRow) toDispute() *Dispute {
	d := &Dispute{
		ID:             r.ID,
		BookingID:      r.BookingID,
		OpenedBy:       r.OpenedBy,
		Reason:         r.Reason,
		Status:         DisputeStatus(r.Status),
		Outcome:        settlement.Outcome(r.Outcome.String),
		ResolutionNote: r.ResolutionNote.String,
		OpenedAt:       r.OpenedAt,
		ResolvedAt:     timePtr(r.ResolvedAt),
	}
	if r.ResolvedBy.Valid {
		id := r.ResolvedBy.UUID
		d.ResolvedBy = &id
	}
	return d
}

// OpenDispute inserts the dispute and moves the booking in one transaction.
func (p *PostgresStore) OpenDispute(ctx context.Context, b *Booking, expected Status, version int64, d *Dispute) error {
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO disputes (id, booking_id, opened_by, reason, status, opened_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			d.ID, d.BookingID, d.OpenedBy, d.Reason, string(d.Status), d.OpenedAt)
		if isUniqueViolation(err) {
			return ErrDisputeAlreadyOpen
		}
		if err != nil {
			return err
		}
		return swap(ctx, tx, b, expected, version)
	})
	if err != nil {
		return err
	}
	b.Version = version + 1
	return nil
}

// ResolveDispute closes the dispute and settles the booking in one transaction.
func (p *PostgresStore) ResolveDispute(ctx context.Context, b *Booking, expected Status, version int64, d *Dispute) error {
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		var resolvedBy uuid.NullUUID
		if d.ResolvedBy != nil {
			resolvedBy = uuid.NullUUID{UUID: *d.ResolvedBy, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE disputes SET status = $1, outcome = $2, resolution_note = $3,
				resolved_by = $4, resolved_at = $5
			WHERE id = $6 AND status = 'open'`,
			string(d.Status), nullString(string(d.Outcome)), nullString(d.ResolutionNote),
			resolvedBy, nullTime(d.ResolvedAt), d.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %w", ErrConcurrentModification, ErrDisputeNotOpen)
		}
		return swap(ctx, tx, b, expected, version)
	})
	if err != nil {
		return err
	}
	b.Version = version + 1
	return nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetDispute(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	return p.getDispute(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (p *PostgresStore) GetDisputeByBooking(ctx context.Context, bookingID uuid.UUID) (*Dispute, error) {
	return p.getDispute(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE booking_id = $1`, bookingID)
}

func (p *PostgresStore) getDispute(ctx context.Context, query string, id uuid.UUID) (*Dispute, error) {
	var row disputeRow
	err := p.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDispute(), nil
}

func (p *PostgresStore) ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	var rows []disputeRow
	if err := p.db.SelectContext(ctx, &rows, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open'
		ORDER BY opened_at
		LIMIT $1`, limit); err != nil {
		return nil, err
	}
	out := make([]*Dispute, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDispute())
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
