// Package tokens issues and verifies the confirmation tokens spec.md
// §3 describes for collection deletion: random, single-use, 300s TTL.
// This module signs them as JWTs (grounded on bobmcallan-vire's
// handlers_auth.go sign/validate pair) instead of the original's bare
// random string, so a token can't be forged even if the in-memory
// single-use set is lost; replay protection still comes from tracking
// consumed jtis, matching the original's fail-closed, single-use
// contract.
package tokens

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vaultindex/pkg/apierr"
)

const ttl = 300 * time.Second

// Issuer signs and verifies collection-deletion tokens.
type Issuer struct {
	secret []byte

	mu       sync.Mutex
	consumed map[string]time.Time // jti -> consumed_at, for single-use; GC drops expired entries
}

func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret, consumed: map[string]time.Time{}}
}

// Issue returns a signed token scoped to collection, plus its TTL in
// seconds, per spec.md §4.2 issue_deletion_token.
func (iss *Issuer) Issue(collection string) (token string, expiresIn int, err error) {
	jti, err := randomJTI()
	if err != nil {
		return "", 0, fmt.Errorf("generate token id: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"collection": collection,
		"jti":        jti,
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(iss.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign token: %w", err)
	}
	return signed, int(ttl.Seconds()), nil
}

// Verify validates a token against the expected collection, rejecting
// expired, malformed, or already-consumed tokens -- fail-closed per
// spec.md §7. On success the token is marked consumed so a second
// call with the same token fails even if it hasn't expired yet.
func (iss *Issuer) Verify(token, collection string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return iss.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return apierr.PreconditionFailedf("deletion token invalid or expired")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return apierr.PreconditionFailedf("deletion token invalid")
	}
	tokenCollection, _ := claims["collection"].(string)
	if tokenCollection != collection {
		return apierr.PreconditionFailedf("deletion token does not match collection %q", collection)
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return apierr.PreconditionFailedf("deletion token malformed")
	}

	iss.mu.Lock()
	defer iss.mu.Unlock()
	if _, used := iss.consumed[jti]; used {
		return apierr.PreconditionFailedf("deletion token already used")
	}
	iss.consumed[jti] = time.Now()
	return nil
}

// GC drops consumed-token records older than the token TTL, since a
// jti can never be replayed again once its signature has expired
// anyway.
func (iss *Issuer) GC() {
	cutoff := time.Now().Add(-ttl)
	iss.mu.Lock()
	defer iss.mu.Unlock()
	for jti, at := range iss.consumed {
		if at.Before(cutoff) {
			delete(iss.consumed, jti)
		}
	}
}

func randomJTI() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
