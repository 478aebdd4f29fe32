package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestIssueAndParse(t *testing.T) {
	mgr := NewTokenManager("test-secret", time.Hour)
	want := Actor{ID: uuid.New(), Role: RoleUser}

	raw, exp, err := mgr.Issue(want)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("Expected expiry in the future, got %v", exp)
	}

	got, err := mgr.Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestIssue_RejectsSystemRole(t *testing.T) {
	mgr := NewTokenManager("test-secret", time.Hour)
	if _, _, err := mgr.Issue(System); err != ErrUnknownRole {
		t.Errorf("Expected ErrUnknownRole, got %v", err)
	}
}

func TestParse_WrongSecret(t *testing.T) {
	raw, _, err := NewTokenManager("one", time.Hour).Issue(Actor{ID: uuid.New(), Role: RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewTokenManager("two", time.Hour).Parse(raw); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestParse_Expired(t *testing.T) {
	mgr := NewTokenManager("test-secret", time.Minute)
	issued := time.Now().Add(-time.Hour)
	mgr.now = func() time.Time { return issued }
	raw, _, err := mgr.Issue(Actor{ID: uuid.New(), Role: RoleUser})
	if err != nil {
		t.Fatal(err)
	}
	mgr.now = time.Now
	if _, err := mgr.Parse(raw); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestParse_RejectsForgedSystemRole(t *testing.T) {
	secret := []byte("test-secret")
	c := claims{
		Role: RoleSystem,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewTokenManager(string(secret), time.Hour).Parse(raw); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := NewTokenManager("s", 0).Parse(""); err != ErrNoToken {
		t.Errorf("Expected ErrNoToken, got %v", err)
	}
}

func TestActor_Privileged(t *testing.T) {
	cases := map[Role]bool{RoleUser: false, RoleAdmin: true, RoleSystem: true}
	for role, want := range cases {
		if got := (Actor{Role: role}).Privileged(); got != want {
			t.Errorf("%s: expected %v, got %v", role, want, got)
		}
	}
}
