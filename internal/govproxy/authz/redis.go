package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
)

// takeScript checks both windows and increments them only when neither is
// full. KEYS: minute key, hour key. ARGV: minute limit, hour limit, minute
// TTL ms, hour TTL ms. Returns {allowed, minute, hour}.
var takeScript = redis.NewScript(`
local m = tonumber(redis.call('GET', KEYS[1]) or '0')
local h = tonumber(redis.call('GET', KEYS[2]) or '0')
if m >= tonumber(ARGV[1]) or h >= tonumber(ARGV[2]) then
  return {0, m, h}
end
m = redis.call('INCR', KEYS[1])
if m == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
h = redis.call('INCR', KEYS[2])
if h == 1 then redis.call('PEXPIRE', KEYS[2], ARGV[4]) end
return {1, m, h}
`)

// RedisStore keeps counters in Redis so several proxy instances share one
// budget per key.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore returns a store using client. Keys are prefixed with prefix.
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "govproxy:rl"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Take implements RateLimiter.
func (s *RedisStore) Take(ctx context.Context, key string, limits Limits, now time.Time) (Usage, error) {
	minuteStart, hourStart := windows(now)
	u := Usage{
		MinuteReset: minuteStart.Add(time.Minute),
		HourReset:   hourStart.Add(time.Hour),
	}

	keys := []string{
		fmt.Sprintf("%s:%s:m:%d", s.prefix, key, minuteStart.Unix()),
		fmt.Sprintf("%s:%s:h:%d", s.prefix, key, hourStart.Unix()),
	}
	// keep keys a little past the window end so late clocks still see them
	minuteTTL := u.MinuteReset.Sub(now) + time.Minute
	hourTTL := u.HourReset.Sub(now) + time.Minute

	res, err := takeScript.Run(ctx, s.client, keys,
		limits.PerMinute, limits.PerHour,
		minuteTTL.Milliseconds(), hourTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Usage{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	u.Allowed = res[0] == 1
	u.Minute, u.Hour = int(res[1]), int(res[2])
	return u, nil
}

// NewRedisClient builds a client from config and pings it. URL mode
// (redis:// or rediss://) takes priority over Addr.
func NewRedisClient(ctx context.Context, cfg config.RedisCfg) (*redis.Client, error) {
	opts, err := newRedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

func newRedisOptions(cfg config.RedisCfg) (*redis.Options, error) {
	opts := &redis.Options{}

	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	case strings.TrimSpace(cfg.Addr) != "":
		opts.Addr = strings.TrimSpace(cfg.Addr)
	default:
		return nil, errors.New("redis addr or url is required")
	}

	// Config fields override URL credentials/DB when explicitly set
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	return opts, nil
}
