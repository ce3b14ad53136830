package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"apex-control-plane/internal/routing"
)

// classLimits is spec §5's table of class -> (max, window).
var classLimits = map[routing.RateLimitClass]struct {
	max    int64
	window time.Duration
}{
	routing.ClassPrepare:   {10, 60 * time.Second},
	routing.ClassDeploy:    {5, 60 * time.Second},
	routing.ClassUpload:    {3, 60 * time.Second},
	routing.ClassStatus:    {30, 60 * time.Second},
	routing.ClassSubdomain: {20, 60 * time.Second},
	routing.ClassAuth:      {10, 300 * time.Second},
	routing.ClassGlobal:    {100, 60 * time.Second},
}

// RateLimit enforces spec §5's class-based fixed-window counters, keyed
// by the authenticated caller id if present, else client IP. The
// request is charged against both its class bucket and the global
// bucket; the more restrictive of the two wins.
func RateLimit(ledger *routing.Ledger, class routing.RateLimitClass) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := callerKey(c)

		for _, cls := range []routing.RateLimitClass{class, routing.ClassGlobal} {
			limits := classLimits[cls]
			allowed, retryAfter, err := ledger.Allow(c.Request.Context(), cls, caller, limits.max, limits.window)
			if err != nil {
				// routing store unavailable: fail open rather than block all traffic
				continue
			}
			if !allowed {
				c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error": "rate limit exceeded",
					"code":  "RATE_LIMIT_EXCEEDED",
					"class": string(cls),
				})
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

func callerKey(c *gin.Context) string {
	if userID, ok := GetUserID(c); ok && userID != 0 {
		return "user:" + strconv.FormatUint(uint64(userID), 10)
	}
	return "ip:" + clientIP(c)
}

// clientIP prefers the trusted forwarded-client header set by the
// ingress proxy, falling back to gin's own resolution.
func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		return xff
	}
	return c.ClientIP()
}
