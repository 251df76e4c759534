package cascade

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrBadLink is returned for expired, malformed, or tampered accept links.
var ErrBadLink = errors.New("cascade: invalid accept link")

// LinkClaims is the signed payload of an SMS accept link. The token
// carries opaque record ids only; no phone numbers or names go over SMS.
type LinkClaims struct {
	ShiftID  string `json:"shift_id"`
	WorkerID string `json:"worker_id"`
	Wave     int    `json:"wave"`
	jwt.RegisteredClaims
}

// Signer mints and verifies accept-link tokens.
type Signer struct {
	secret   []byte
	validity time.Duration
	now      func() time.Time
}

// NewSigner creates a signer. validity bounds how long a link stays
// usable after it is sent.
func NewSigner(secret string, validity time.Duration) *Signer {
	return &Signer{
		secret:   []byte(secret),
		validity: validity,
		now:      time.Now,
	}
}

// AcceptToken mints a signed token binding one worker to one shift offer.
func (s *Signer) AcceptToken(shiftID, workerID string, wave int) (string, error) {
	now := s.now()
	claims := LinkClaims{
		ShiftID:  shiftID,
		WorkerID: workerID,
		Wave:     wave,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.validity)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("cascade: signing accept token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and returns its claims. Expiry is checked against
// the signer's clock rather than the library's wall clock, so the
// library's claims validation is skipped.
func (s *Signer) Parse(tokenStr string) (*LinkClaims, error) {
	claims := &LinkClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !token.Valid {
		return nil, ErrBadLink
	}
	if claims.ExpiresAt == nil || s.now().After(claims.ExpiresAt.Time) {
		return nil, ErrBadLink
	}
	if claims.ShiftID == "" || claims.WorkerID == "" {
		return nil, ErrBadLink
	}
	return claims, nil
}
