package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// System-wide roles carried in the JWT "roles" claim as "role:context", where
// context is an enterprise customer UUID or "*" for every enterprise.
const (
	RoleLearner  = "enterprise_learner"
	RoleAdmin    = "enterprise_admin"
	RoleOperator = "enterprise_openedx_operator"
)

const allContexts = "*"

// ErrInvalidToken is returned for tokens that fail signature, expiry or shape checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims identifies the caller of an API request.
type Claims struct {
	jwt.RegisteredClaims
	LmsUserID     int64    `json:"user_id"`
	Email         string   `json:"email"`
	Administrator bool     `json:"administrator"`
	Roles         []string `json:"roles"`
}

// HasRole reports whether the caller holds role for the enterprise. Operators
// and staff administrators hold every role everywhere.
func (c *Claims) HasRole(role string, enterpriseCustomerUUID uuid.UUID) bool {
	if c == nil {
		return false
	}
	if c.Administrator {
		return true
	}
	want := enterpriseCustomerUUID.String()
	for _, raw := range c.Roles {
		name, ctx, _ := strings.Cut(raw, ":")
		if name == RoleOperator {
			return true
		}
		if name == role && (ctx == allContexts || strings.EqualFold(ctx, want)) {
			return true
		}
	}
	return false
}

// IsOperator reports whether the caller may act on any enterprise.
func (c *Claims) IsOperator() bool {
	if c == nil {
		return false
	}
	if c.Administrator {
		return true
	}
	for _, raw := range c.Roles {
		if name, _, _ := strings.Cut(raw, ":"); name == RoleOperator {
			return true
		}
	}
	return false
}

// Service issues and validates HS256 tokens.
type Service interface {
	IssueToken(claims Claims) (string, error)
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

type service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService returns a Service signing with secret. Issued tokens live for ttl
// (default one hour).
func NewService(secret string, ttl time.Duration) *service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &service{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

func (s *service) IssueToken(c Claims) (string, error) {
	now := s.now()
	if c.Subject == "" {
		c.Subject = fmt.Sprintf("%d", c.LmsUserID)
	}
	c.IssuedAt = jwt.NewNumericDate(now)
	if c.ExpiresAt == nil {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if c.LmsUserID <= 0 {
		return nil, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return c, nil
}
