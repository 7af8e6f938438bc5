package email

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter caps outbound provider calls per second. Throttle blocks
// the caller for the minimum interval needed to keep the rate at or under
// the configured limit; the bulk path calls it between batches.
//
// Without Redis the limiter paces calls locally, which is sufficient for
// a single process. With Redis the per-second budget is shared across
// processes via an atomic Lua counter.
type RateLimiter struct {
	perSecond int
	rdb       *redis.Client
	script    *redis.Script

	mu   sync.Mutex
	last time.Time
}

// Counter key is bucketed per second; the script increments only while
// under the limit so concurrent processes cannot overshoot.
const rateLimitLua = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
	return 0
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
	redis.call("EXPIRE", key, 2)
end
return 1
`

// NewRateLimiter creates a limiter. rdb may be nil for local-only pacing.
func NewRateLimiter(perSecond int, rdb *redis.Client) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &RateLimiter{
		perSecond: perSecond,
		rdb:       rdb,
		script:    redis.NewScript(rateLimitLua),
	}
}

// Interval is the minimum spacing between provider calls.
func (l *RateLimiter) Interval() time.Duration {
	return time.Second / time.Duration(l.perSecond)
}

// Throttle blocks until the next provider call may start, or until ctx is
// done.
func (l *RateLimiter) Throttle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.rdb != nil {
		return l.throttleShared(ctx)
	}
	return l.throttleLocal(ctx)
}

// throttleLocal enforces the inter-call interval within this process.
func (l *RateLimiter) throttleLocal(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	next := l.last.Add(l.Interval())
	if next.Before(now) {
		next = now
	}
	l.last = next
	l.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// throttleShared spends one unit of the cross-process per-second budget,
// sleeping into the next second while the budget is exhausted.
func (l *RateLimiter) throttleShared(ctx context.Context) error {
	for {
		now := time.Now()
		key := fmt.Sprintf("ratelimit:email:sec:%d", now.Unix())

		allowed, err := l.script.Run(ctx, l.rdb, []string{key}, l.perSecond).Int()
		if err != nil {
			// Redis unavailability must not stall sending; degrade to
			// local pacing for this call.
			return l.throttleLocal(ctx)
		}
		if allowed == 1 {
			return nil
		}

		wait := time.Until(now.Truncate(time.Second).Add(time.Second))
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
