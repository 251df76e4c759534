package cascade

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner("secret", time.Hour)

	token, err := s.AcceptToken("shf1", "wrk2", 3)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := s.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.ShiftID != "shf1" || claims.WorkerID != "wrk2" || claims.Wave != 3 {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestSignerRejectsTamperedToken(t *testing.T) {
	s := NewSigner("secret", time.Hour)
	token, err := s.AcceptToken("shf1", "wrk2", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Rewrite the start of the signature segment.
	i := strings.LastIndex(token, ".")
	repl := "AAAA"
	if strings.HasPrefix(token[i+1:], repl) {
		repl = "BBBB"
	}
	mangled := token[:i+1] + repl + token[i+5:]

	if _, err := s.Parse(mangled); !errors.Is(err, ErrBadLink) {
		t.Fatalf("err = %v, want ErrBadLink", err)
	}
}

func TestSignerRejectsWrongSecret(t *testing.T) {
	a := NewSigner("secret-a", time.Hour)
	b := NewSigner("secret-b", time.Hour)

	token, err := a.AcceptToken("shf1", "wrk2", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := b.Parse(token); !errors.Is(err, ErrBadLink) {
		t.Fatalf("err = %v, want ErrBadLink", err)
	}
}

func TestSignerRejectsExpiredToken(t *testing.T) {
	s := NewSigner("secret", time.Hour)
	minted := time.Date(2026, 8, 26, 8, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return minted }
	token, err := s.AcceptToken("shf1", "wrk2", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	s.now = func() time.Time { return minted.Add(61 * time.Minute) }
	if _, err := s.Parse(token); !errors.Is(err, ErrBadLink) {
		t.Fatalf("err = %v, want ErrBadLink", err)
	}

	// Still valid just inside the window.
	s.now = func() time.Time { return minted.Add(59 * time.Minute) }
	if _, err := s.Parse(token); err != nil {
		t.Fatalf("parse inside validity: %v", err)
	}
}

func TestSignerRejectsTokenWithoutExpiry(t *testing.T) {
	s := NewSigner("secret", time.Hour)

	// A well-signed token that never expires is still not a valid link.
	claims := LinkClaims{ShiftID: "shf1", WorkerID: "wrk2", Wave: 1}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := s.Parse(token); !errors.Is(err, ErrBadLink) {
		t.Fatalf("err = %v, want ErrBadLink", err)
	}
}

func TestSignerRejectsEmptyIDs(t *testing.T) {
	s := NewSigner("secret", time.Hour)
	token, err := s.AcceptToken("", "wrk2", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := s.Parse(token); !errors.Is(err, ErrBadLink) {
		t.Fatalf("err = %v, want ErrBadLink", err)
	}
}
