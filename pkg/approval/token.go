// Package approval implements the human-in-the-loop workflow attached to
// REQUIRE_APPROVAL decisions: routing-rule driven reviewer pools, quorum
// and maker-checker enforcement, and the signed one-time tokens that carry
// an approval back to the gate.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/valdrix/enforcement/pkg/contracts"
)

// MaxTokenTTL caps how long an issued approval token stays valid. Tokens
// expire at the approval request's own deadline when that comes sooner.
const MaxTokenTTL = 24 * time.Hour

const tokenIssuer = "enforcement/approval"

// tokenClaims is the wire shape of an approval token: the decision bindings
// plus standard registered claims.
type tokenClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
	contracts.ApprovalTokenClaims
}

// TokenService signs and verifies one-time approval tokens with HMAC-SHA-256.
// Verification accepts the current secret plus a rotation fallback set, so
// tokens issued just before a rotation still consume cleanly.
type TokenService struct {
	secrets [][]byte // index 0 is the signing secret
	kid     string
	ttl     time.Duration
	clock   func() time.Time
}

// NewTokenService creates a token service. The primary secret is required;
// fallbacks are optional older secrets kept valid for verification only.
func NewTokenService(secret string, fallbacks []string, kid string) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("approval: token signing secret is required")
	}
	secrets := [][]byte{[]byte(secret)}
	for _, f := range fallbacks {
		if f != "" {
			secrets = append(secrets, []byte(f))
		}
	}
	if kid == "" {
		kid = "approval-v1"
	}
	return &TokenService{
		secrets: secrets,
		kid:     kid,
		ttl:     MaxTokenTTL,
		clock:   time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (s *TokenService) WithClock(clock func() time.Time) *TokenService {
	s.clock = clock
	return s
}

// Issue signs a token binding the approval to its decision. The token
// expires at notAfter or the TTL cap, whichever comes first; a zero
// notAfter means only the cap applies.
func (s *TokenService) Issue(binding contracts.ApprovalTokenClaims, notAfter time.Time) (string, error) {
	now := s.clock().UTC()
	exp := now.Add(s.ttl)
	if !notAfter.IsZero() && notAfter.Before(exp) {
		exp = notAfter
	}
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        binding.ApprovalID,
			Subject:   binding.DecisionID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		TokenType:           contracts.TokenType,
		ApprovalTokenClaims: binding,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["typ"] = "EAT"
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.secrets[0])
	if err != nil {
		return "", fmt.Errorf("approval: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, and token type, trying the current
// secret first and then each rotation fallback. Any failure maps to
// ErrTokenInvalid; callers never see which check tripped.
func (s *TokenService) Verify(raw string) (*contracts.ApprovalTokenClaims, error) {
	var lastErr error
	for _, secret := range s.secrets {
		claims := &tokenClaims{}
		token, err := jwt.ParseWithClaims(raw, claims,
			func(*jwt.Token) (any, error) { return secret, nil },
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithTimeFunc(func() time.Time { return s.clock().UTC() }),
		)
		if err != nil {
			lastErr = err
			continue
		}
		if !token.Valid || claims.TokenType != contracts.TokenType {
			lastErr = errors.New("token type mismatch")
			continue
		}
		out := claims.ApprovalTokenClaims
		return &out, nil
	}
	return nil, fmt.Errorf("%w: %v", contracts.ErrTokenInvalid, lastErr)
}

// CheckBinding compares the token's claims against the request being
// admitted. Every binding must match and the requested deltas must not
// exceed what the approval authorized.
func CheckBinding(claims *contracts.ApprovalTokenClaims, in *contracts.GateInput, decisionID string) error {
	switch {
	case claims.DecisionID != decisionID:
		return fmt.Errorf("%w: decision", contracts.ErrTokenBindingMismatch)
	case claims.TenantID != in.TenantID:
		return fmt.Errorf("%w: tenant", contracts.ErrTokenBindingMismatch)
	case claims.ProjectID != in.ProjectID:
		return fmt.Errorf("%w: project", contracts.ErrTokenBindingMismatch)
	case claims.Environment != contracts.NormalizeEnvironment(in.Environment):
		return fmt.Errorf("%w: environment", contracts.ErrTokenBindingMismatch)
	case claims.Source != in.Source:
		return fmt.Errorf("%w: source", contracts.ErrTokenBindingMismatch)
	case claims.Fingerprint != "" && claims.Fingerprint != in.RequestFingerprint:
		return fmt.Errorf("%w: fingerprint", contracts.ErrTokenBindingMismatch)
	case in.EstimatedMonthly > claims.MaxMonthly:
		return fmt.Errorf("%w: monthly delta exceeds approved amount", contracts.ErrTokenBindingMismatch)
	case in.EstimatedHourly > claims.MaxHourly:
		return fmt.Errorf("%w: hourly delta exceeds approved amount", contracts.ErrTokenBindingMismatch)
	}
	return nil
}
