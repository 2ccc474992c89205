package token

import (
	"fmt"
	"strings"
	"time"

	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
)

// MaxExpiresIn is the longest access token lifetime accepted, in seconds.
const MaxExpiresIn = 10 * 365 * 24 * 60 * 60

// Set is the token set held for an authenticated session.
//
// ExpiresAt is always derived from IssuedAt and ExpiresIn. A Set read back
// from storage whose ExpiresAt does not match the recomputed value is not
// trusted.
type Set struct {
	AccessToken  string    `cbor:"access_token"`
	RefreshToken string    `cbor:"refresh_token,omitempty"`
	IDToken      string    `cbor:"id_token,omitempty"`
	TokenType    string    `cbor:"token_type"`
	Scope        []string  `cbor:"scope,omitempty"`
	ExpiresIn    int       `cbor:"expires_in"`
	IssuedAt     time.Time `cbor:"issued_at"`
	ExpiresAt    time.Time `cbor:"expires_at"`
}

// NewSet builds a Set from a token response received at issuedAt.
func NewSet(r *Response, issuedAt time.Time) (*Set, error) {
	if r == nil {
		return nil, fmt.Errorf("[token.NewSet] no token response: %w", autherrors.ErrInvalidToken)
	}
	if strings.TrimSpace(utils.Value(r.AccessToken)) == "" {
		return nil, fmt.Errorf("[token.NewSet] response has no access token: %w", autherrors.ErrInvalidToken)
	}
	if r.ExpiresIn <= 0 {
		return nil, fmt.Errorf("[token.NewSet] non-positive expires_in %d: %w", r.ExpiresIn, autherrors.ErrInvalidToken)
	}
	if r.ExpiresIn > MaxExpiresIn {
		return nil, fmt.Errorf("[token.NewSet] expires_in %d exceeds %d: %w", r.ExpiresIn, MaxExpiresIn, autherrors.ErrInvalidToken)
	}

	tokenType := r.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	issuedAt = issuedAt.Round(0)
	return &Set{
		AccessToken:  utils.Value(r.AccessToken),
		RefreshToken: utils.Value(r.RefreshToken),
		IDToken:      utils.Value(r.IdToken),
		TokenType:    tokenType,
		Scope:        strings.Fields(r.Scope),
		ExpiresIn:    r.ExpiresIn,
		IssuedAt:     issuedAt,
		ExpiresAt:    deriveExpiry(issuedAt, r.ExpiresIn),
	}, nil
}

func deriveExpiry(issuedAt time.Time, expiresIn int) time.Time {
	return issuedAt.Add(time.Duration(expiresIn) * time.Second)
}

// Consistent reports whether ExpiresAt equals IssuedAt + ExpiresIn.
func (s *Set) Consistent() bool {
	if s == nil || s.ExpiresIn <= 0 || s.ExpiresIn > MaxExpiresIn || s.IssuedAt.IsZero() {
		return false
	}
	return s.ExpiresAt.Equal(deriveExpiry(s.IssuedAt, s.ExpiresIn))
}

// Validate checks a Set is usable: an access token is present and the
// expiry is consistent with the issue time.
func (s *Set) Validate() error {
	if s == nil {
		return fmt.Errorf("token set is missing: %w", autherrors.ErrInvalidToken)
	}
	if strings.TrimSpace(s.AccessToken) == "" {
		return fmt.Errorf("token set has no access token: %w", autherrors.ErrInvalidToken)
	}
	if !s.Consistent() {
		return fmt.Errorf("token set expiry %s does not match issue time %s + %ds: %w",
			s.ExpiresAt.Format(time.RFC3339), s.IssuedAt.Format(time.RFC3339), s.ExpiresIn, autherrors.ErrInvalidToken)
	}
	return nil
}

// Lifetime is the full validity period of the access token.
func (s *Set) Lifetime() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.ExpiresIn) * time.Second
}

// HasScope reports whether scope was granted.
func (s *Set) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	for _, granted := range s.Scope {
		if granted == scope {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}
	c := *s
	c.Scope = utils.CloneSlice(s.Scope)
	return &c
}
