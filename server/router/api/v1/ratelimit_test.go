package v1

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterTake(t *testing.T) {
	now := time.Now()

	t.Run("minute window", func(t *testing.T) {
		rl := newRateLimiter(2, 100, nil)
		assert.Empty(t, rl.take("10.0.0.1", now))
		assert.Empty(t, rl.take("10.0.0.1", now))
		assert.Equal(t, "minute", rl.take("10.0.0.1", now))

		// Each client has its own budget.
		assert.Empty(t, rl.take("10.0.0.2", now))

		// Tokens come back as the window slides.
		assert.Empty(t, rl.take("10.0.0.1", now.Add(time.Minute)))
	})

	t.Run("hour window", func(t *testing.T) {
		rl := newRateLimiter(100, 2, nil)
		assert.Empty(t, rl.take("10.0.0.1", now))
		assert.Empty(t, rl.take("10.0.0.1", now))
		assert.Equal(t, "hour", rl.take("10.0.0.1", now))
	})

	t.Run("non-positive limits disable the windows", func(t *testing.T) {
		rl := newRateLimiter(0, 0, nil)
		for i := 0; i < 50; i++ {
			assert.Empty(t, rl.take("10.0.0.1", now))
		}
	})
}

func TestNewBucket(t *testing.T) {
	assert.Nil(t, newBucket(0, time.Minute))
	assert.Nil(t, newBucket(-5, time.Minute))
	assert.NotNil(t, newBucket(1, time.Minute))
}

func TestRateLimiterMiddleware(t *testing.T) {
	run := func(rl *rateLimiter) *httptest.ResponseRecorder {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		handler := rl.middleware()(func(c echo.Context) error {
			return respond(c, http.StatusOK, nil)
		})
		require.NoError(t, handler(c))
		return rec
	}

	t.Run("rejects over budget and names the window", func(t *testing.T) {
		rl := newRateLimiter(1, 100, nil)
		assert.Equal(t, http.StatusOK, run(rl).Code)

		rec := run(rl)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		env := decodeEnvelope(t, rec)
		require.NotNil(t, env.Error)
		assert.Equal(t, "TOO_MANY_REQUESTS", env.Error.Code)
		assert.Equal(t, "minute", env.Error.Details["window"])
	})

	t.Run("whitelisted ips bypass both windows", func(t *testing.T) {
		// httptest requests arrive from 192.0.2.1.
		rl := newRateLimiter(1, 1, []string{"192.0.2.1"})
		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusOK, run(rl).Code)
		}
	})
}
