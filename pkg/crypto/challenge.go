package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const tokenIssuer = "fitchain"

// ChallengeIssuer mints and validates the anti-replay tokens carried by
// peer challenges and attestation batches. Each token is single-use.
type ChallengeIssuer struct {
	secret []byte
	ttl    time.Duration
	used   map[string]time.Time
	mu     sync.Mutex
}

// NewChallengeIssuer creates a challenge token issuer
func NewChallengeIssuer(secret []byte, ttl time.Duration) *ChallengeIssuer {
	return &ChallengeIssuer{
		secret: secret,
		ttl:    ttl,
		used:   make(map[string]time.Time),
	}
}

// Issue creates a signed single-use token bound to a subject
func (ci *ChallengeIssuer) Issue(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ci.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ci.secret)
	if err != nil {
		return "", fmt.Errorf("signing challenge token: %w", err)
	}
	return signed, nil
}

// Redeem validates a token and marks it consumed. A second redemption of the
// same token fails.
func (ci *ChallengeIssuer) Redeem(tokenString, subject string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ci.secret, nil
	})
	if err != nil {
		return fmt.Errorf("parsing challenge token: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid challenge token")
	}
	if claims.Subject != subject {
		return fmt.Errorf("challenge token subject mismatch")
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()

	if _, replayed := ci.used[claims.ID]; replayed {
		return fmt.Errorf("challenge token already redeemed")
	}
	ci.used[claims.ID] = time.Now()

	ci.pruneLocked()
	return nil
}

// pruneLocked drops consumed-token records past their expiry window
func (ci *ChallengeIssuer) pruneLocked() {
	cutoff := time.Now().Add(-2 * ci.ttl)
	for id, at := range ci.used {
		if at.Before(cutoff) {
			delete(ci.used, id)
		}
	}
}
