// Package auth implements the Authorization Bootstrap (spec.md §4.9):
// RS256 bearer token verification and the scope grammar that folds a
// token's claims into an internal/permissions.Permissions value.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vehiclebroker/databroker/internal/permissions"
)

// ParseError reports a malformed scope token (spec.md §4.9 step 3: an
// empty path after the colon).
type ParseError struct {
	Scope  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("auth: scope %q: %s", e.Scope, e.Reason)
}

var actionNames = map[string]permissions.Action{
	"read":    permissions.ActionRead,
	"actuate": permissions.ActionActuate,
	"provide": permissions.ActionProvide,
	"create":  permissions.ActionCreate,
}

// claims is the JWT payload this broker expects: standard registered
// claims plus a whitespace-separated scope string, mirroring the
// teacher's auth.Claims shape (backend/auth/auth.go) with SessionID/
// Role replaced by the single Scope claim this kernel needs.
type claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Verifier decodes and authorizes bearer tokens against a fixed RSA
// public key (spec.md §4.9: "algorithm fixed: RS256").
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier builds a Verifier from an RSA public key in PEM form.
func NewVerifier(publicKeyPEM []byte) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return &Verifier{key: key}, nil
}

// Authorize verifies raw's signature and standard claims, parses its
// scope claim, and folds the result into a Permissions value with
// expires_at set from the token's exp claim.
func (v *Verifier) Authorize(raw string) (permissions.Permissions, error) {
	tok, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return permissions.Permissions{}, fmt.Errorf("auth: token expired: %w", err)
		}
		return permissions.Permissions{}, fmt.Errorf("auth: invalid token: %w", err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return permissions.Permissions{}, fmt.Errorf("auth: invalid token claims")
	}

	b := permissions.NewBuilder()
	for _, scope := range strings.Fields(c.Scope) {
		action, spec, err := parseScope(scope)
		if err != nil {
			return permissions.Permissions{}, err
		}
		b.Add(action, spec)
	}
	if exp, err := c.GetExpirationTime(); err == nil && exp != nil {
		b.ExpiresAt(exp.Time)
	}
	return b.Build()
}

// parseScope parses one "action[:path]" token (spec.md §4.9 step 3):
// a missing colon grants action over every path; an empty path after
// a present colon is a ParseError; otherwise path is a §4.2 glob.
func parseScope(scope string) (permissions.Action, permissions.PathSpec, error) {
	actionName, rest, hasColon := strings.Cut(scope, ":")
	action, ok := actionNames[actionName]
	if !ok {
		return 0, permissions.PathSpec{}, &ParseError{Scope: scope, Reason: fmt.Sprintf("unknown action %q", actionName)}
	}
	if !hasColon {
		return action, permissions.All(), nil
	}
	if rest == "" {
		return 0, permissions.PathSpec{}, &ParseError{Scope: scope, Reason: "empty path after ':'"}
	}
	return action, permissions.Path(rest), nil
}
