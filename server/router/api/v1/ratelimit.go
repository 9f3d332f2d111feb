package v1

import (
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/vocerohq/vocero/engine/fault"
)

// staleAfter is how long idle client buckets are kept before pruning.
const staleAfter = 2 * time.Hour

// rateLimiter enforces per-client request budgets over a minute and an hour
// window. Clients are keyed by IP; whitelisted IPs bypass both windows.
type rateLimiter struct {
	perMinute int
	perHour   int
	whitelist map[string]struct{}

	mu      sync.Mutex
	clients map[string]*clientBuckets
}

type clientBuckets struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(perMinute, perHour int, whitelist []string) *rateLimiter {
	wl := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		wl[ip] = struct{}{}
	}
	return &rateLimiter{
		perMinute: perMinute,
		perHour:   perHour,
		whitelist: wl,
		clients:   make(map[string]*clientBuckets),
	}
}

// middleware rejects requests exceeding either window with TOO_MANY_REQUESTS
// and names the exhausted window in the error details.
func (rl *rateLimiter) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if _, ok := rl.whitelist[ip]; ok {
				return next(c)
			}
			if window := rl.take(ip, time.Now()); window != "" {
				err := fault.Newf(fault.KindRateLimited, "rate limit exceeded for the current %s", window).
					WithDetail("window", window)
				return respondError(c, err)
			}
			return next(c)
		}
	}
}

// take charges one request against both windows. The minute window is
// checked first; a request it rejects leaves the hour bucket untouched,
// while an hour rejection has already consumed a minute token, which is
// harmless. A non-positive limit disables its window.
func (rl *rateLimiter) take(ip string, now time.Time) string {
	rl.mu.Lock()
	cb, ok := rl.clients[ip]
	if !ok {
		cb = &clientBuckets{
			minute: newBucket(rl.perMinute, time.Minute),
			hour:   newBucket(rl.perHour, time.Hour),
		}
		rl.clients[ip] = cb
		rl.prune(now)
	}
	cb.lastSeen = now
	rl.mu.Unlock()

	if cb.minute != nil && !cb.minute.AllowN(now, 1) {
		return "minute"
	}
	if cb.hour != nil && !cb.hour.AllowN(now, 1) {
		return "hour"
	}
	return ""
}

func newBucket(limit int, window time.Duration) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
}

// prune drops buckets idle past staleAfter. Called with mu held when a new
// client is admitted, so steady-state traffic pays nothing.
func (rl *rateLimiter) prune(now time.Time) {
	if len(rl.clients) < 1024 {
		return
	}
	for ip, cb := range rl.clients {
		if now.Sub(cb.lastSeen) > staleAfter {
			delete(rl.clients, ip)
		}
	}
}
