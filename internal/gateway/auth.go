package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/basket/fleetrelay/internal/registry"
	"github.com/basket/fleetrelay/internal/tokens"
)

var (
	errMissingToken = errors.New("missing connection token")
	errWrongRole    = errors.New("token role does not match endpoint")
	errWrongTenant  = errors.New("token tenant does not match requested cluster")
)

// ExtractToken returns the connection token of an upgrade request. It checks, in
// order: Authorization: Bearer <token>, then the token query param (browsers
// cannot set headers on websocket upgrades).
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// authenticate verifies the connection token for the given endpoint role. The
// tenant always comes from the token; an explicit ?cluster= must agree with it.
func (s *Server) authenticate(r *http.Request, role registry.Role) (tokens.Claims, error) {
	raw := ExtractToken(r)
	if raw == "" {
		return tokens.Claims{}, errMissingToken
	}
	claims, err := s.cfg.Tokens.VerifyConnection(raw)
	if err != nil {
		return tokens.Claims{}, fmt.Errorf("verify connection token: %w", err)
	}
	if claims.Role != string(role) {
		return tokens.Claims{}, errWrongRole
	}
	if cluster := r.URL.Query().Get("cluster"); cluster != "" && cluster != claims.Tenant {
		return tokens.Claims{}, errWrongTenant
	}
	return claims, nil
}
