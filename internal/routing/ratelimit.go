package routing

import (
	"context"
	"time"
)

// RateLimitClass is one of spec §5's fixed-window counter classes.
type RateLimitClass string

const (
	ClassPrepare   RateLimitClass = "prepare"
	ClassDeploy    RateLimitClass = "deploy"
	ClassUpload    RateLimitClass = "upload"
	ClassStatus    RateLimitClass = "status"
	ClassSubdomain RateLimitClass = "subdomain"
	ClassAuth      RateLimitClass = "auth"
	ClassGlobal    RateLimitClass = "global"
)

// incrScript increments a fixed-window counter and sets its expiry only on
// the window's first increment, so a straggler request can never extend the
// window indefinitely (the classic INCR-then-conditional-EXPIRE pattern).
const incrScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

// Allow applies the fixed-window counter for (class, callerID): max requests
// per window. It returns allowed=false once the window's count exceeds max,
// along with the window's remaining TTL for a Retry-After hint.
func (l *Ledger) Allow(ctx context.Context, class RateLimitClass, callerID string, max int64, window time.Duration) (allowed bool, retryAfter time.Duration, err error) {
	key := "rl:" + string(class) + ":" + callerID
	res, err := l.redis.Eval(ctx, incrScript, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	count, _ := res.(int64)
	if count <= max {
		return true, 0, nil
	}
	ttl, err := l.redis.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = window
	}
	return false, ttl, nil
}
