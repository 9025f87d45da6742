// Package ratelimit throttles chat sends with a fixed-window counter in Redis.
// Redis failures fail open so an outage never silences the lobby.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule is a rate limiting policy: the key prefix, the number of actions
// allowed per window and the window length.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RuleChatSend allows 5 chat sends per 10 seconds per connection.
var RuleChatSend = Rule{Key: "rl:chat:", Limit: 5, Window: 10 * time.Second}

// ChatSendRule returns RuleChatSend with a custom limit and window. Zero
// values keep the defaults.
func ChatSendRule(limit int, window time.Duration) Rule {
	r := RuleChatSend
	if limit > 0 {
		r.Limit = limit
	}
	if window > 0 {
		r.Window = window
	}
	return r
}

// allowScript increments the window counter and starts the window on the
// first hit, atomically.
var allowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Limiter performs rate limit checks against Redis.
type Limiter struct {
	log    *zap.Logger
	client *redis.Client
}

func NewLimiter(log *zap.Logger, client *redis.Client) *Limiter {
	return &Limiter{log: log.Named("ratelimit"), client: client}
}

// Allow counts one action for identifier and reports whether it is within
// rule. The first action of a window sets its expiry. On Redis errors it
// returns true together with the error.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	n, err := allowScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		l.log.Warn("redis error, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}
	return n <= int64(rule.Limit), nil
}

// RetryAfter returns how long until identifier's window resets, rounded up to
// whole seconds. It falls back to the rule's window when the TTL is unknown.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return (ttl + time.Second - 1).Truncate(time.Second)
}
