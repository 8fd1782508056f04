package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RelayAudience is the aud claim the IMAP relay expects.
const RelayAudience = "imap-relay"

const relayTokenTTL = time.Minute

// RelaySigner mints the short-lived HS256 bearer tokens sent to the IMAP relay.
type RelaySigner struct {
	secret []byte
	now    func() time.Time
}

// NewRelaySigner builds a signer over the shared relay secret.
func NewRelaySigner(secret string) (*RelaySigner, error) {
	if secret == "" {
		return nil, errors.New("relay secret is empty")
	}
	return &RelaySigner{secret: []byte(secret), now: time.Now}, nil
}

// Sign returns a token for one relay request made on behalf of subject.
func (s *RelaySigner) Sign(subject string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{RelayAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(relayTokenTTL)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign relay token: %w", err)
	}
	return signed, nil
}
