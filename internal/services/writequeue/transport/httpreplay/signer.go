package httpreplay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
)

const defaultTokenTTL = 5 * time.Minute

// replayClaims is the bearer token body attached to replayed requests.
type replayClaims struct {
	jwt.RegisteredClaims
	Kind    string `json:"kind"`
	Attempt int    `json:"attempt"`
}

// Signer mints short-lived HS256 bearer tokens for replayed requests.
type Signer struct {
	Key      []byte
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      func() time.Time
}

// Token returns a signed token scoped to one action.
func (s *Signer) Token(action domain.Action) (string, error) {
	if len(s.Key) == 0 {
		return "", fmt.Errorf("signing key is required")
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	claims := replayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   action.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        fmt.Sprintf("%s.%d", action.ID, action.Attempts+1),
		},
		Kind:    action.Kind,
		Attempt: action.Attempts + 1,
	}
	if s.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.Audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.Key)
	if err != nil {
		return "", fmt.Errorf("sign replay token: %w", err)
	}
	return signed, nil
}
