package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/errors"
)

// DeviceLimiter holds one token bucket per device. Buckets of idle devices
// expire from the cache.
type DeviceLimiter struct {
	rps   rate.Limit
	burst int
	mu    sync.Mutex
	cache *cache.Cache
}

// NewDeviceLimiter allows rps uploads per second with the given burst for
// each device. idle is how long an unused bucket is kept.
func NewDeviceLimiter(rps float64, burst int, idle time.Duration) *DeviceLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &DeviceLimiter{
		rps:   rate.Limit(rps),
		burst: burst,
		cache: cache.New(idle, 2*idle),
	}
}

// Allow reports whether key may proceed now.
func (l *DeviceLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

func (l *DeviceLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.cache.Get(key); ok {
		lim := v.(*rate.Limiter)
		l.cache.SetDefault(key, lim)
		return lim
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.cache.SetDefault(key, lim)
	return lim
}

func (l *DeviceLimiter) Flush() { l.cache.Flush() }

// deviceKey identifies the uploader by the X-Device-ID header or the
// device_id query parameter, else by client IP. The body is not parsed
// before the limit applies.
func deviceKey(ctx echo.Context) string {
	if id := ctx.Request().Header.Get("X-Device-ID"); id != "" {
		return "device:" + entities.NormalizeDeviceID(id)
	}
	if id := strings.TrimSpace(ctx.QueryParam("device_id")); id != "" {
		return "device:" + entities.NormalizeDeviceID(id)
	}
	return "ip:" + ctx.RealIP()
}

// RateLimitMiddleware rejects requests with 429 once a device exhausts its
// bucket.
func (c *Controller) RateLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if c.limiter == nil {
				return next(ctx)
			}
			key := deviceKey(ctx)
			if c.limiter.Allow(key) {
				return next(ctx)
			}
			if c.deps.Metrics != nil {
				c.deps.Metrics.HTTP.RecordRateLimited(ctx.Path())
			}
			ctx.Response().Header().Set("Retry-After", "1")
			err := errors.Newf("rate limit exceeded for %s", key).
				Component("api").
				Category(errors.CategoryLimit).
				Build()
			return c.HandleErrorCode(ctx, err, "Too many uploads, slow down", http.StatusTooManyRequests, KindRateLimited)
		}
	}
}
