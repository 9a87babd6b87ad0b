package utils // package utils provides helper functions for token creation

import (
	"crypto/rand"  // secure random number generation
	"encoding/hex" // hex encoding for opaque user keys
	"fmt"          // claim validation errors
	"time"         // time utilities for generating expirations

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// AdmissionToken represents a signed HS256 JWT proving that a user was
// admitted into the reservation flow for one schedule.  The Token field
// contains the JWT string; Exp stores the expiration, which matches the
// reservation-flow time budget.  Seat hold and payment endpoints refuse
// requests without a valid admission token.
type AdmissionToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// NewAdmissionToken builds and signs an admission token.  The claims
// carry the user ID as subject, the admitted schedule, and the standard
// exp/iat pair.  The TTL must equal the flow budget granted to the
// admitted session: once it lapses the user has to re-enter the queue.
func NewAdmissionToken(secret string, userID, scheduleID uint64, ttl time.Duration) (AdmissionToken, error) {
	exp := time.Now().UTC().Add(ttl)
	claims := jwt.MapClaims{
		"sub":      userID,
		"schedule": scheduleID,
		"exp":      exp.Unix(),
		"iat":      time.Now().UTC().Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return AdmissionToken{}, err
	}
	return AdmissionToken{Token: signed, Exp: exp}, nil
}

// ParseAdmissionToken validates a signed admission token and returns
// the user and schedule it was minted for.
func ParseAdmissionToken(secret, raw string) (userID, scheduleID uint64, err error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return 0, 0, fmt.Errorf("invalid admission token: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return 0, 0, fmt.Errorf("invalid admission claims")
	}
	sub, ok := claims["sub"].(float64)
	if !ok {
		return 0, 0, fmt.Errorf("missing sub claim")
	}
	sched, ok := claims["schedule"].(float64)
	if !ok {
		return 0, 0, fmt.Errorf("missing schedule claim")
	}
	return uint64(sub), uint64(sched), nil
}

// NewUserKey returns the opaque identifier handed to clients for status
// polling and push delivery.  Keys are 32 random bytes hex encoded, so
// they carry no information about the user or their queue position.
func NewUserKey() (string, error) {
	return randomHex(32)
}

// randomHex returns a hex-encoded string generated from n bytes of
// cryptographically secure random data.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
