/*Package access provides the authorization scope model and the JWT
utilities for the dashboard.

A verified credential yields a Scope: either the unrestricted admin
scope or a single tenant slug. Every control-plane read and every push
subscription is constrained by its scope.
*/
package access

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/fov-tech/fovdash/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyScope contextKey = "_scope_"

// subject types carried in the token claims
const (
	SubjectAdmin  = "admin"
	SubjectTenant = "tenant"
)

// ErrInvalidToken is returned when a token cannot be verified or has expired.
var ErrInvalidToken = errors.New("invalid token")

// Scope is the authorization context derived from a verified credential.
// The zero value authorizes nothing.
type Scope struct {
	// Tenant is the tenant slug this scope is restricted to. Empty for admin.
	Tenant string
	// Admin grants unrestricted access.
	Admin bool
}

// CanAccess returns true if the scope may see data belonging to the
// given tenant.
func (s Scope) CanAccess(tenant string) bool {
	return s.Admin || (len(s.Tenant) > 0 && s.Tenant == tenant)
}

// Authorized returns true if the scope authorizes anything at all.
func (s Scope) Authorized() bool {
	return s.Admin || len(s.Tenant) > 0
}

type claims struct {
	SubType string `json:"sub_type"` // "admin" or "tenant"
	jwt.RegisteredClaims
}

// CreateToken issues a HS256 token for the given scope, valid for ttl.
func CreateToken(secret []byte, scope Scope, ttl time.Duration) (string, error) {
	now := time.Now()
	subType := SubjectTenant
	sub := scope.Tenant
	if scope.Admin {
		subType = SubjectAdmin
		sub = SubjectAdmin
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		SubType: subType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}

// DecodeToken verifies a token and returns the scope it carries.
func DecodeToken(secret []byte, tokenString string) (Scope, error) {
	c := claims{}
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Scope{}, ErrInvalidToken
	}
	switch c.SubType {
	case SubjectAdmin:
		return Scope{Admin: true}, nil
	case SubjectTenant:
		if len(c.Subject) == 0 {
			return Scope{}, ErrInvalidToken
		}
		return Scope{Tenant: c.Subject}, nil
	}
	return Scope{}, ErrInvalidToken
}

// ContextWithScope returns a new context with the given scope.
func ContextWithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, contextKeyScope, scope)
}

// ScopeFromContext retrieves the scope from the context. The second
// return value reports whether a scope was present.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(contextKeyScope).(Scope)
	return scope, ok
}

// NewJwtMiddleware returns a middleware handler to validate bearer token.
//
// Tokens are accepted as "Authorization: Bearer" header or as "token"
// query parameter (the latter for websocket upgrades, where browsers
// cannot set headers). Requests without a valid token pass through
// without a scope; handlers decide whether a scope is required.
func NewJwtMiddleware(secret []byte) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) > 0 && bearer != "null" {
				if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
					tokenString = bearer[7:]
				} else {
					tokenString = bearer
				}
			} else {
				tokenString = r.URL.Query().Get("token")
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no scope, moving on
				return
			}

			scope, err := DecodeToken(secret, tokenString)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			identity := SubjectAdmin
			if !scope.Admin {
				identity = "tenant:" + scope.Tenant
			}
			ctx := ContextWithScope(r.Context(), scope)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, identity)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
