// Package grant issues and validates the short-lived JWT the gateway attaches to
// authorized upstream requests.
package grant

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
)

// Claims records what the gateway verified for one request.
type Claims struct {
	TenantID        string `json:"tenant_id"`
	ProgramIdentity string `json:"program_identity"`
	Nullifier       string `json:"nullifier"`
	PaymentVerified bool   `json:"payment_verified,omitempty"`
	jwt.RegisteredClaims
}

// Grant is the verified outcome handed to Issue.
type Grant struct {
	TenantID        id.TenantID
	ProgramIdentity id.ProgramIdentity
	Nullifier       id.Nullifier
	PaymentVerified bool
}

// Service signs grants with HS256.
type Service struct {
	signingKey []byte
	issuer     string
	audience   string
	ttl        time.Duration
	now        func() time.Time
}

// NewService builds a grant service. ttl bounds how long upstreams accept the grant.
func NewService(signingKey, issuer, audience string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Issue signs a grant for one authorized request.
func (s *Service) Issue(g Grant) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TenantID:        g.TenantID.String(),
		ProgramIdentity: g.ProgramIdentity.String(),
		Nullifier:       g.Nullifier.String(),
		PaymentVerified: g.PaymentVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign grant")
	}
	return signed, nil
}

// Validate parses and checks a grant produced by Issue.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "grant has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid grant")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid grant")
	}
	return claims, nil
}
