package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"codegravity/internal/metrics"
)

var ErrStoreUnavailable = errors.New("rate limit store unavailable")

type Category string

const (
	CategoryAI      Category = "ai"
	CategoryAuth    Category = "auth"
	CategoryDefault Category = "default"
)

type Rule struct {
	Limit  int64
	Window time.Duration
}

func DefaultRules() map[Category]Rule {
	return map[Category]Rule{
		CategoryAI:      {Limit: 20, Window: time.Minute},
		CategoryAuth:    {Limit: 10, Window: time.Minute},
		CategoryDefault: {Limit: 100, Window: time.Minute},
	}
}

// CategoryForPath picks the rule bucket for a request path.
func CategoryForPath(path string) Category {
	switch {
	case strings.HasPrefix(path, "/api/ai"):
		return CategoryAI
	case strings.HasPrefix(path, "/api/auth"):
		return CategoryAuth
	default:
		return CategoryDefault
	}
}

// Key is the counter key for a principal in a category.
func Key(principal string, cat Category) string {
	return fmt.Sprintf("ratelimit:%s:%s", principal, cat)
}

// checkAndIncr rejects without counting once the window is full, so a flood of
// denied calls never extends the count past the limit.
var checkAndIncr = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local c = tonumber(redis.call("GET", KEYS[1]) or "0")
if c >= limit then
  local ttl = redis.call("TTL", KEYS[1])
  if ttl < 0 then
    redis.call("EXPIRE", KEYS[1], window)
    ttl = window
  end
  return {0, c, ttl}
end
c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], window)
end
local ttl = redis.call("TTL", KEYS[1])
if ttl < 0 then
  redis.call("EXPIRE", KEYS[1], window)
  ttl = window
end
return {1, c, ttl}
`)

type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	// Degraded is set when the store could not be reached and the request was
	// admitted anyway.
	Degraded bool
}

type Config struct {
	Rules  map[Category]Rule
	Logger zerolog.Logger
}

type Limiter struct {
	redis  redis.Scripter
	rules  map[Category]Rule
	logger zerolog.Logger
}

func New(rdb redis.Scripter, cfg Config) *Limiter {
	rules := DefaultRules()
	for cat, r := range cfg.Rules {
		if r.Limit > 0 && r.Window >= time.Second {
			rules[cat] = r
		}
	}
	return &Limiter{redis: rdb, rules: rules, logger: cfg.Logger}
}

func (l *Limiter) Rule(cat Category) Rule {
	if r, ok := l.rules[cat]; ok {
		return r
	}
	return l.rules[CategoryDefault]
}

// CheckAndIncrement counts one request for principal in cat. Store failures
// admit the request; the returned error is ErrStoreUnavailable and is meant
// for logging only.
func (l *Limiter) CheckAndIncrement(ctx context.Context, principal string, cat Category) (Decision, error) {
	rule := l.Rule(cat)
	d := Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}

	res, err := checkAndIncr.Run(ctx, l.redis, []string{Key(principal, cat)}, rule.Limit, int64(rule.Window/time.Second)).Int64Slice()
	if err == nil && len(res) != 3 {
		err = fmt.Errorf("unexpected script reply of %d values", len(res))
	}
	if err != nil {
		metrics.Global().RateLimitStoreErrs.Inc()
		l.logger.Warn().Err(err).Str("category", string(cat)).Msg("rate limit store unavailable, admitting request")
		d.Degraded = true
		return d, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	allowed, count, ttl := res[0] == 1, res[1], res[2]
	d.Allowed = allowed
	d.Remaining = max(rule.Limit-count, 0)
	if !allowed {
		d.RetryAfter = time.Duration(max(ttl, 1)) * time.Second
		metrics.Global().RateLimitDecisions.WithLabelValues(string(cat), "denied").Inc()
		return d, nil
	}
	metrics.Global().RateLimitDecisions.WithLabelValues(string(cat), "allowed").Inc()
	return d, nil
}
