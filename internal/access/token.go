package access

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "starline"

// Claims carried by access tokens. The organization claim is the tenant
// binding consumed by the context guard.
type Claims struct {
	OrganizationID string   `json:"org,omitempty"`
	SuperAdmin     bool     `json:"super,omitempty"`
	TokenType      string   `json:"token_type"`
	Permissions    []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies HS256 access tokens.
type TokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner builds a signer. The secret must be non-empty.
func NewTokenSigner(secret string, ttl time.Duration) (*TokenSigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret is not configured")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenSigner{secret: []byte(secret), issuer: defaultIssuer, ttl: ttl, now: time.Now}, nil
}

// WithClock overrides the time source, for tests.
func (s *TokenSigner) WithClock(fn func() time.Time) *TokenSigner {
	if fn != nil {
		s.now = fn
	}
	return s
}

// Sign mints an access token for the principal.
func (s *TokenSigner) Sign(principal Principal) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(s.ttl)
	perms := principal.Permissions.Keys()
	sort.Strings(perms)
	claims := Claims{
		OrganizationID: principal.User.OrganizationID,
		SuperAdmin:     principal.User.SuperAdmin,
		TokenType:      "access",
		Permissions:    perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   principal.User.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify validates signature and required claims.
func (s *TokenSigner) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != "access" {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
