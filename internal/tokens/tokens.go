// Package tokens signs and verifies the HS256 JWTs used by the relay: short-lived
// capability tokens embedded in agent tasks and connection tokens presented on
// websocket upgrade.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrNoSecret     = errors.New("token secret not configured")
)

// Token purposes, carried in the "use" claim so one kind cannot stand in for the other.
const (
	UseCapability = "capability"
	UseConnection = "connection"
)

// Claims is the payload of every relay token.
type Claims struct {
	Use      string `json:"use"`
	Role     string `json:"role,omitempty"`
	Tenant   string `json:"tenant"`
	Instance string `json:"instance,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies tokens with a shared secret.
type Service struct {
	secret        []byte
	issuer        string
	capabilityTTL time.Duration
	connectionTTL time.Duration
	now           func() time.Time
}

type Config struct {
	Secret        string
	Issuer        string
	CapabilityTTL time.Duration
	ConnectionTTL time.Duration
	Now           func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	if cfg.CapabilityTTL <= 0 {
		cfg.CapabilityTTL = 5 * time.Minute
	}
	if cfg.ConnectionTTL <= 0 {
		cfg.ConnectionTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		secret:        []byte(cfg.Secret),
		issuer:        cfg.Issuer,
		capabilityTTL: cfg.CapabilityTTL,
		connectionTTL: cfg.ConnectionTTL,
		now:           cfg.Now,
	}, nil
}

// Issue returns a capability token scoped to one tenant and instance.
func (s *Service) Issue(tenantID, instanceName string) (string, error) {
	return s.sign(Claims{Use: UseCapability, Tenant: tenantID, Instance: instanceName}, "relay", s.capabilityTTL)
}

// IssueConnection returns a token that lets subject connect as role to tenantID.
func (s *Service) IssueConnection(role, tenantID, subject string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return s.sign(Claims{Use: UseConnection, Role: role, Tenant: tenantID}, subject, s.connectionTTL)
}

func (s *Service) sign(c Claims, subject string, ttl time.Duration) (string, error) {
	now := s.now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns its claims.
func (s *Service) Verify(tokenString string) (Claims, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Tenant == "" {
		return Claims{}, fmt.Errorf("%w: tenant", ErrMissingClaim)
	}
	return claims, nil
}

// VerifyConnection verifies a connection token.
func (s *Service) VerifyConnection(tokenString string) (Claims, error) {
	c, err := s.Verify(tokenString)
	if err != nil {
		return Claims{}, err
	}
	if c.Use != UseConnection {
		return Claims{}, fmt.Errorf("%w: not a connection token", ErrInvalidToken)
	}
	if c.Role == "" {
		return Claims{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	return c, nil
}
