// Package auth authenticates API callers with HS256 bearer tokens.
//
// A token carries the caller's user id (sub) and a role. Whether a user
// acts as the client or the creator of a booking is decided per booking by
// the booking service, not by the token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrUnknownRole  = errors.New("unknown role")
)

// Role is the coarse-grained privilege level of an actor.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system" // scheduler, chain verifier
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is whoever triggers an operation.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// System is the actor used by background workers.
var System = Actor{ID: uuid.Nil, Role: RoleSystem}

// Privileged reports whether the actor may perform administrative
// operations (admins and internal workers).
func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

func (a Actor) String() string {
	return fmt.Sprintf("%s:%s", a.Role, a.ID)
}

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies access tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a token manager. ttl <= 0 means 24h.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for the given actor. System tokens are never issued.
func (m *TokenManager) Issue(a Actor) (string, time.Time, error) {
	if a.Role != RoleUser && a.Role != RoleAdmin {
		return "", time.Time{}, ErrUnknownRole
	}
	now := m.now()
	exp := now.Add(m.ttl)
	c := claims{
		Role: a.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies a raw token and returns the actor it names.
func (m *TokenManager) Parse(raw string) (Actor, error) {
	if raw == "" {
		return Actor{}, ErrNoToken
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return Actor{}, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil || id == uuid.Nil {
		return Actor{}, ErrInvalidToken
	}
	if c.Role != RoleUser && c.Role != RoleAdmin {
		return Actor{}, ErrInvalidToken
	}
	return Actor{ID: id, Role: c.Role}, nil
}
