// Package auth verifies the bearer tokens issued by the identity service.
//
// Authentication model:
//   - Every /v1 endpoint requires a signed HS256 token
//   - The token subject is the caller's party id, the role claim is one of
//     buyer, agent or admin
//   - Ownership of a purchase request is decided by the gateway, not here
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrInvalidRole  = errors.New("unknown role")
)

// Role is the kind of party a token speaks for.
type Role string

const (
	RoleBuyer Role = "buyer"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleAgent, RoleAdmin:
		return true
	}
	return false
}

// Claims are the JWT claims the gateway relies on.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// Principal is the authenticated caller.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Manager issues and verifies tokens with a shared secret.
type Manager struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewManager creates a token manager.
func NewManager(secret, issuer string) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		leeway: 30 * time.Second,
		now:    time.Now,
	}
}

// WithClock replaces time.Now, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue signs a token for subject. The server never logs users in itself;
// this exists for the MCP admin tool and for tests.
func (m *Manager) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("auth: empty subject")
	}
	if !role.Valid() {
		return "", ErrInvalidRole
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses a raw token (with or without the "Bearer " prefix) and
// returns the caller it was issued to.
func (m *Manager) Verify(raw string) (Principal, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Principal{}, ErrNoToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return Principal{}, ErrInvalidToken
	}
	return Principal{ID: claims.Subject, Role: claims.Role}, nil
}
