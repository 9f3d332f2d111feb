package v1

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func freshToken(t *testing.T, secret string) string {
	t.Helper()
	return signToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
}

func runAuth(t *testing.T, secret, header string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(echo.HeaderAuthorization, header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	reached := false
	handler := requireBearer(secret)(func(c echo.Context) error {
		reached = true
		return respond(c, http.StatusOK, nil)
	})
	require.NoError(t, handler(c))
	return rec, reached
}

func TestRequireBearer(t *testing.T) {
	const secret = "test-secret"

	t.Run("empty secret disables auth", func(t *testing.T) {
		rec, reached := runAuth(t, "", "")
		assert.True(t, reached)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec, reached := runAuth(t, secret, "")
		assert.False(t, reached)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		env := decodeEnvelope(t, rec)
		require.NotNil(t, env.Error)
		assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
	})

	t.Run("valid token reaches the handler", func(t *testing.T) {
		rec, reached := runAuth(t, secret, "Bearer "+freshToken(t, secret))
		assert.True(t, reached)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("scheme matching is case-insensitive", func(t *testing.T) {
		rec, reached := runAuth(t, secret, "bearer "+freshToken(t, secret))
		assert.True(t, reached)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{
			"exp": time.Now().Add(-time.Minute).Unix(),
		})
		rec, reached := runAuth(t, secret, "Bearer "+token)
		assert.False(t, reached)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("token without expiry", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "ops"})
		rec, reached := runAuth(t, secret, "Bearer "+token)
		assert.False(t, reached)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		rec, _ := runAuth(t, secret, "Bearer "+freshToken(t, "other-secret"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("disallowed signing algorithm", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS512, secret, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		rec, reached := runAuth(t, secret, "Bearer "+token)
		assert.False(t, reached)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("claims land on the context", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+freshToken(t, secret))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		handler := requireBearer(secret)(func(c echo.Context) error {
			claims, ok := c.Get(ClaimsContextKey).(jwt.MapClaims)
			require.True(t, ok)
			assert.Equal(t, "ops", claims["sub"])
			return respond(c, http.StatusOK, nil)
		})
		require.NoError(t, handler(c))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
