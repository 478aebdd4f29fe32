package review

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mbd888/bookingescrow/internal/pagination"
)

// PostgresStore persists reviews in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL-backed review store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type reviewRow struct {
	ID         uuid.UUID      `db:"id"`
	BookingID  uuid.UUID      `db:"booking_id"`
	ReviewerID uuid.UUID      `db:"reviewer_id"`
	RevieweeID uuid.UUID      `db:"reviewee_id"`
	Rating     int            `db:"rating"`
	Comment    sql.NullString `db:"comment"`
	CreatedAt  time.Time      `db:"created_at"`
}

const reviewColumns = `id, booking_id, reviewer_id, reviewee_id, rating, comment, created_at`

func (r reviewRow) toReview() *Review {
	return &Review{
		ID:         r.ID,
		BookingID:  r.BookingID,
		ReviewerID: r.ReviewerID,
		RevieweeID: r.RevieweeID,
		Rating:     r.Rating,
		Comment:    r.Comment.String,
		CreatedAt:  r.CreatedAt,
	}
}

func (p *PostgresStore) Create(ctx context.Context, r *Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (`+reviewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.BookingID, r.ReviewerID, r.RevieweeID, r.Rating,
		sql.NullString{String: r.Comment, Valid: r.Comment != ""}, r.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Constraint == "reviews_one_per_reviewer" {
		return ErrAlreadyReviewed
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Review, error) {
	var row reviewRow
	err := p.db.GetContext(ctx, &row, `SELECT `+reviewColumns+` FROM reviews WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toReview(), nil
}

func (p *PostgresStore) ListByReviewee(ctx context.Context, revieweeID uuid.UUID, cursor *pagination.Cursor, limit int) ([]*Review, error) {
	var rows []reviewRow
	var err error
	if cursor == nil {
		err = p.db.SelectContext(ctx, &rows, `
			SELECT `+reviewColumns+` FROM reviews
			WHERE reviewee_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, revieweeID, limit)
	} else {
		err = p.db.SelectContext(ctx, &rows, `
			SELECT `+reviewColumns+` FROM reviews
			WHERE reviewee_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, revieweeID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	return toReviews(rows), nil
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*Review, error) {
	var rows []reviewRow
	if err := p.db.SelectContext(ctx, &rows, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE booking_id = $1
		ORDER BY created_at`, bookingID); err != nil {
		return nil, err
	}
	return toReviews(rows), nil
}

func (p *PostgresStore) Summary(ctx context.Context, revieweeID uuid.UUID) (Summary, error) {
	var s Summary
	err := p.db.QueryRowxContext(ctx, `
		SELECT COALESCE(AVG(rating), 0)::float8, COUNT(*)
		FROM reviews WHERE reviewee_id = $1`, revieweeID).Scan(&s.Average, &s.Count)
	return s, err
}

func toReviews(rows []reviewRow) []*Review {
	out := make([]*Review, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toReview())
	}
	return out
}
