package actor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles an actor may carry. Token issuance lives in the surrounding identity
// platform; this package only verifies and extracts.
const (
	RoleCompliance = "COMPLIANCE"
	RoleAdmin      = "ADMIN"
	RoleSystem     = "SYSTEM"
)

// Actor identifies who performs a mutating action, for audit attribution.
type Actor struct {
	UserID string
	Role   string
}

var ErrInvalidToken = errors.New("invalid token")

type ctxKey struct{}

// ContextWithActor attaches an authenticated actor to the context.
func ContextWithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the authenticated actor, if any.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}

// Verifier validates HS256 bearer tokens minted by the identity platform.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns a Verifier, or nil when no secret is configured (the
// admin surface then rejects every request).
func NewVerifier(secret, issuer string) *Verifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Parse validates the token signature, expiry and issuer and returns the
// embedded actor.
func (v *Verifier) Parse(token string) (Actor, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return Actor{}, ErrInvalidToken
	}
	if v.issuer != "" && c.Issuer != v.issuer {
		return Actor{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return Actor{}, ErrInvalidToken
	}
	role := strings.ToUpper(strings.TrimSpace(c.Role))
	if role == "" {
		role = RoleAdmin
	}
	return Actor{UserID: c.Subject, Role: role}, nil
}
