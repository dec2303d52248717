package tokens

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, now *time.Time) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Secret:        "test-secret",
		Issuer:        "fleetrelay",
		CapabilityTTL: time.Minute,
		ConnectionTTL: time.Hour,
		Now:           func() time.Time { return *now },
	})
	require.NoError(t, err)
	return svc
}

func TestNewServiceRequiresSecret(t *testing.T) {
	_, err := NewService(Config{})
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestCapabilityRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := newService(t, &now)

	tok, err := svc.Issue("t1", "web-1")
	require.NoError(t, err)

	claims, err := svc.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, UseCapability, claims.Use)
	assert.Equal(t, "t1", claims.Tenant)
	assert.Equal(t, "web-1", claims.Instance)
	assert.Equal(t, "fleetrelay", claims.Issuer)
	assert.Equal(t, now.Add(time.Minute).Unix(), claims.ExpiresAt.Unix())

	_, err = svc.VerifyConnection(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "capability tokens do not open connections")
}

func TestConnectionRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := newService(t, &now)

	tok, err := svc.IssueConnection("agent", "t1", "node-7")
	require.NoError(t, err)
	claims, err := svc.VerifyConnection(tok)
	require.NoError(t, err)
	assert.Equal(t, "agent", claims.Role)
	assert.Equal(t, "node-7", claims.Subject)

	_, err = svc.IssueConnection("client", "t1", "")
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestExpiredToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := newService(t, &now)
	tok, err := svc.Issue("t1", "web-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = svc.Verify(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestRejectsForeignSecretAndAlg(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := newService(t, &now)

	other, err := NewService(Config{Secret: "other", Issuer: "fleetrelay", Now: func() time.Time { return now }})
	require.NoError(t, err)
	tok, err := other.Issue("t1", "web-1")
	require.NoError(t, err)
	_, err = svc.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Tenant: "t1", RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: "fleetrelay"}})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRejectsWrongIssuer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := newService(t, &now)
	other, err := NewService(Config{Secret: "test-secret", Issuer: "someone-else", Now: func() time.Time { return now }})
	require.NoError(t, err)
	tok, err := other.IssueConnection("client", "t1", "alice")
	require.NoError(t, err)
	_, err = svc.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
