package v1

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/vocerohq/vocero/engine/fault"
)

// ClaimsContextKey is the echo context key holding the verified token claims.
const ClaimsContextKey = "api/claims"

// signingMethods restricts verification to HS256. Tokens signed with any
// other algorithm, including "none", are rejected.
var signingMethods = []string{jwt.SigningMethodHS256.Alg()}

// requireBearer enforces a valid bearer token on every request in the group.
// An empty secret disables authentication; Profile.Validate forbids that in
// prod mode.
func requireBearer(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return next(c)
			}

			raw := bearerToken(c)
			if raw == "" {
				return respondError(c, fault.New(fault.KindUnauthorized, "missing bearer token"))
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(raw, claims,
				func(*jwt.Token) (any, error) { return []byte(secret), nil },
				jwt.WithValidMethods(signingMethods),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				return respondError(c, fault.Wrap(fault.KindUnauthorized, "invalid bearer token", err))
			}

			c.Set(ClaimsContextKey, claims)
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
