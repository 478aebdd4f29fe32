// Package pagination provides keyset cursors over (createdAt, id) ordered lists.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the position after the last item of a page.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Encode returns an opaque cursor string.
func Encode(createdAt time.Time, id uuid.UUID) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosPart, idPart, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosPart, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ParseLimit clamps a requested page size; zero or garbage means DefaultLimit.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// After reports whether (createdAt, id) sorts after the cursor in
// newest-first order. A nil cursor admits everything.
func (c *Cursor) After(createdAt time.Time, id uuid.UUID) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return strings.Compare(id.String(), c.ID.String()) < 0
	}
	return createdAt.Before(c.CreatedAt)
}

// ComputePage trims items fetched with limit+1 and returns the cursor for
// the next page, if there is one.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, uuid.UUID)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
