// Package redisstore implements subscription.CounterRepository on Redis.
//
// Each counter is a hash with used, limit and version fields. Every operation
// runs as one Lua script, so the check-and-increment is atomic on the server
// and concurrent requests at the limit admit exactly one caller.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// DefaultKeyPrefix namespaces counter keys.
const DefaultKeyPrefix = "botmeter:usage"

// incrementScript creates the counter when absent and adds ARGV[1] when the
// limit allows it. Returns {used, limit, version, applied}.
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local limitIfNew = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if redis.call("EXISTS", key) == 0 then
	redis.call("HSET", key, "used", 0, "limit", limitIfNew, "version", 0)
	if ttl > 0 then
		redis.call("PEXPIRE", key, ttl)
	end
end

local used = tonumber(redis.call("HGET", key, "used"))
local limit = tonumber(redis.call("HGET", key, "limit"))
local version = tonumber(redis.call("HGET", key, "version"))

if limit ~= -1 and used + amount > limit then
	return {used, limit, version, 0}
end

used = redis.call("HINCRBY", key, "used", amount)
version = redis.call("HINCRBY", key, "version", 1)
return {used, limit, version, 1}
`)

// prepareScript creates the counter with ARGV[1] as limit, or replaces the
// limit of a counter that has no usage yet.
var prepareScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

if redis.call("EXISTS", key) == 0 then
	redis.call("HSET", key, "used", 0, "limit", limit, "version", 0)
	if ttl > 0 then
		redis.call("PEXPIRE", key, ttl)
	end
	return 1
end

if tonumber(redis.call("HGET", key, "used")) == 0 then
	redis.call("HSET", key, "limit", limit)
	return 1
end
return 0
`)

// Counters is a Redis-backed subscription.CounterRepository.
type Counters struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures Counters.
type Option func(*Counters)

// WithKeyPrefix sets the namespace of counter keys.
func WithKeyPrefix(prefix string) Option {
	return func(c *Counters) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithTTL expires counters after ttl from creation. Zero keeps them forever.
// The ttl must outlive a billing period or usage history is lost mid-period.
func WithTTL(ttl time.Duration) Option {
	return func(c *Counters) { c.ttl = ttl }
}

// NewCounters creates the repository on client.
func NewCounters(client redis.UniversalClient, opts ...Option) *Counters {
	if client == nil {
		panic("redisstore: client is required")
	}
	c := &Counters{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Counters) key(k subscription.CounterKey) string {
	return c.prefix + ":" + k.String()
}

// IncrementWithin implements subscription.CounterRepository.
func (c *Counters) IncrementWithin(ctx context.Context, key subscription.CounterKey, amount, limitIfNew int64) (subscription.UsageCounter, bool, error) {
	res, err := incrementScript.Run(ctx, c.client, []string{c.key(key)},
		amount, limitIfNew, c.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return subscription.UsageCounter{}, false, fmt.Errorf("increment counter %s: %w", key, err)
	}
	if len(res) != 4 {
		return subscription.UsageCounter{}, false, fmt.Errorf("increment counter %s: unexpected script reply %v", key, res)
	}
	return subscription.UsageCounter{Key: key, Used: res[0], Limit: res[1], Version: res[2]}, res[3] == 1, nil
}

// Get implements subscription.CounterRepository.
func (c *Counters) Get(ctx context.Context, key subscription.CounterKey) (subscription.UsageCounter, error) {
	vals, err := c.client.HGetAll(ctx, c.key(key)).Result()
	if err != nil {
		return subscription.UsageCounter{}, fmt.Errorf("get counter %s: %w", key, err)
	}
	if len(vals) == 0 {
		return subscription.UsageCounter{}, subscription.ErrCounterNotFound
	}

	row := subscription.UsageCounter{Key: key}
	var errs []error
	for field, dst := range map[string]*int64{"used": &row.Used, "limit": &row.Limit, "version": &row.Version} {
		n, err := strconv.ParseInt(vals[field], 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", field, err))
			continue
		}
		*dst = n
	}
	if err := errors.Join(errs...); err != nil {
		return subscription.UsageCounter{}, fmt.Errorf("decode counter %s: %w", key, err)
	}
	return row, nil
}

// Prepare implements subscription.CounterRepository.
func (c *Counters) Prepare(ctx context.Context, key subscription.CounterKey, limit int64) error {
	if err := prepareScript.Run(ctx, c.client, []string{c.key(key)}, limit, c.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("prepare counter %s: %w", key, err)
	}
	return nil
}

var _ subscription.CounterRepository = (*Counters)(nil)
