package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chimerakang/authctx-go/impersonation"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	limiterEntries = 10_000
	limiterIdleTTL = 5 * time.Minute
)

// RateLimiter limits requests per caller. A caller is identified by its bearer
// token, or by client IP when it sends none. Idle callers are forgotten.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a per-caller limiter allowing r requests per second
// with the given burst.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](limiterEntries, nil, limiterIdleTTL),
		rate:     r,
		burst:    burst,
	}
}

// Allow reports whether the caller identified by key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
	}
	// re-adding refreshes the idle timeout
	rl.limiters.Add(key, l)
	rl.mu.Unlock()
	return l.Allow()
}

func (rl *RateLimiter) retryAfter() int {
	if rl.rate <= 0 {
		return 60
	}
	return max(int(1.0/float64(rl.rate)), 1)
}

// Middleware rejects callers over their limit with 429 and the RPC error shape.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.Allow(callerKey(c)) {
			c.Next()
			return
		}
		c.Header("Retry-After", strconv.Itoa(rl.retryAfter()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, impersonation.Response{
			Error:   impersonation.CodeRateLimited,
			Message: "rate limit exceeded",
		})
	}
}

func callerKey(c *gin.Context) string {
	if token := bearerToken(c.Request); token != "" {
		sum := sha256.Sum256([]byte(token))
		return "token:" + hex.EncodeToString(sum[:16])
	}
	return "ip:" + c.ClientIP()
}
