package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tierwise.app/cloud/models"
)

const reserveScript = `
local used = tonumber(redis.call("HGET", KEYS[1], "used") or "0")
local units = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

redis.call("HSET", KEYS[1], "limit", limit)

local admitted = 0
if used <= limit and units <= limit - used then
  admitted = 1
  used = redis.call("HINCRBY", KEYS[1], "used", units)
end

redis.call("PEXPIRE", KEYS[1], ttl)

-- Return: admitted, used
return {admitted, used}
`

// Counters outlive their period so late reads still see the final value.
const defaultCounterTTL = 62 * 24 * time.Hour

// RedisUsageStore keeps usage counters in Redis hashes. The reserve script
// runs atomically on the server, which serializes concurrent reservations.
type RedisUsageStore struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
	prefix string
}

func NewRedisUsageStore(client *redis.Client) *RedisUsageStore {
	if client == nil {
		return nil
	}
	return &RedisUsageStore{
		client: client,
		script: redis.NewScript(reserveScript),
		ttl:    defaultCounterTTL,
		prefix: "usage",
	}
}

func (r *RedisUsageStore) key(accountID, periodKey string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, accountID, periodKey)
}

func (r *RedisUsageStore) AtomicReserve(ctx context.Context, accountID, periodKey string, units, limit int64) (*models.Reservation, error) {
	if r == nil || r.client == nil {
		return nil, unavailable("reserve", errors.New("redis usage store not configured"))
	}
	if units < 0 {
		return nil, ErrInvalidUnits
	}

	res, err := r.script.Run(
		ctx,
		r.client,
		[]string{r.key(accountID, periodKey)},
		units,
		limit,
		int64(r.ttl/time.Millisecond),
	).Int64Slice()
	if err != nil {
		return nil, unavailable("reserve", err)
	}
	if len(res) < 2 {
		return nil, unavailable("reserve", errors.New("invalid reserve script response"))
	}

	used := res[1]
	return &models.Reservation{
		Admitted:  res[0] == 1,
		Used:      used,
		Remaining: remaining(used, limit),
	}, nil
}

func (r *RedisUsageStore) ReadUsage(ctx context.Context, accountID, periodKey string) (*models.UsageCounter, error) {
	if r == nil || r.client == nil {
		return nil, unavailable("read usage", errors.New("redis usage store not configured"))
	}

	vals, err := r.client.HMGet(ctx, r.key(accountID, periodKey), "used", "limit").Result()
	if err != nil {
		return nil, unavailable("read usage", err)
	}

	counter := &models.UsageCounter{AccountID: accountID, PeriodKey: periodKey}
	if len(vals) == 2 {
		counter.TokensUsed = parseRedisInt(vals[0])
		counter.MonthlyLimit = parseRedisInt(vals[1])
	}
	return counter, nil
}

func (r *RedisUsageStore) Ping(ctx context.Context) error {
	if r == nil || r.client == nil {
		return unavailable("ping redis", errors.New("redis usage store not configured"))
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping redis", err)
	}
	return nil
}

func parseRedisInt(v interface{}) int64 {
	switch val := v.(type) {
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	case int64:
		return val
	default:
		return 0
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type splitStorage struct {
	EntitlementStore
	usage UsageStore
}

// WithUsageStore routes usage counters to usage while everything else stays
// on base.
func WithUsageStore(base EntitlementStore, usage UsageStore) Storage {
	return &splitStorage{EntitlementStore: base, usage: usage}
}

func (s *splitStorage) AtomicReserve(ctx context.Context, accountID, periodKey string, units, limit int64) (*models.Reservation, error) {
	return s.usage.AtomicReserve(ctx, accountID, periodKey, units, limit)
}

func (s *splitStorage) ReadUsage(ctx context.Context, accountID, periodKey string) (*models.UsageCounter, error) {
	return s.usage.ReadUsage(ctx, accountID, periodKey)
}

func (s *splitStorage) Ping(ctx context.Context) error {
	if err := s.EntitlementStore.Ping(ctx); err != nil {
		return err
	}
	if p, ok := s.usage.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
