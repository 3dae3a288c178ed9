// Package rest is the thin echo + echo-jwt + jwx transport surface that
// puts a *coordinator.Coordinator behind HTTP. It is intentionally minimal
// -- transport is out of spec.md's scope -- but AccessResolver needs a
// real authenticated username to arrive from somewhere, so this package
// exists to produce one.
package rest

import (
	"fmt"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const contextKeyUser = "user"

// AuthUser is the authenticated principal stashed on the echo.Context by
// the JWT middleware, mirroring api.AuthUser's role as the one place
// handlers read "who is calling" from.
type AuthUser struct {
	Username string
	Roles    []string
}

// SetUser stashes the authenticated user on c.
func SetUser(c echo.Context, user AuthUser) {
	c.Set(contextKeyUser, user)
}

// GetUser retrieves the authenticated user stashed by the JWT middleware.
func GetUser(c echo.Context) (AuthUser, bool) {
	u, ok := c.Get(contextKeyUser).(AuthUser)
	return u, ok
}

// TokenService issues and validates HS256 JWTs carrying a username subject
// and a "roles" custom claim, adapted from security.JWTService onto
// lestrrat-go/jwx/v2 directly (no issuer/audience here -- this server is
// its own issuer and its own sole relying party).
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService builds a TokenService signing with secret and minting
// tokens valid for ttl.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

// IssueToken builds and signs a token for username carrying roles.
func (s *TokenService) IssueToken(username string, roles []string) (string, error) {
	now := time.Now()
	roleClaims := make([]interface{}, len(roles))
	for i, r := range roles {
		roleClaims[i] = r
	}

	token, err := jwt.NewBuilder().
		Subject(username).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Claim("roles", roleClaims).
		Build()
	if err != nil {
		return "", fmt.Errorf("rest: build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("rest: sign token: %w", err)
	}
	return string(signed), nil
}

// parseToken verifies auth's signature/expiry and extracts an AuthUser
// from its subject and "roles" claim. Used as echojwt's ParseTokenFunc so
// echojwt owns header extraction and context wiring while jwx owns the
// actual token semantics -- one parsing library, not two.
func (s *TokenService) parseToken(c echo.Context, auth string) (interface{}, error) {
	token, err := jwt.Parse([]byte(auth), jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return nil, fmt.Errorf("rest: parse token: %w", err)
	}

	user := AuthUser{Username: token.Subject()}
	if raw, ok := token.Get("roles"); ok {
		switch v := raw.(type) {
		case []interface{}:
			for _, r := range v {
				if s, ok := r.(string); ok {
					user.Roles = append(user.Roles, s)
				}
			}
		case []string:
			user.Roles = v
		}
	}
	return user, nil
}

// jwtMiddleware builds the echojwt middleware that authenticates every
// request to a protected route group using TokenService.
func (s *TokenService) jwtMiddleware() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ParseTokenFunc: s.parseToken,
		SuccessHandler: func(c echo.Context) {
			if user, ok := c.Get("user").(AuthUser); ok {
				SetUser(c, user)
			}
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		},
	})
}
