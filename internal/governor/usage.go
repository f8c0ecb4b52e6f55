package governor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Usage is the counter state of one conduit. Count belongs to the current
// window; the other counters survive window resets.
type Usage struct {
	ConduitID       string    `json:"conduitId"`
	WindowStart     time.Time `json:"windowStart"`
	Count           int64     `json:"count"`
	TotalCount      int64     `json:"totalCount"`
	FailureCount    int64     `json:"failureCount"`
	TimeoutCount    int64     `json:"timeoutCount"`
	LastErrorReason string    `json:"lastErrorReason,omitempty"`
}

// UsageStore holds conduit counters.
type UsageStore interface {
	// Hit counts one call against the conduit, first starting a new window
	// when the current one is older than window.
	Hit(ctx context.Context, conduitID string, now time.Time, window time.Duration) (Usage, error)
	AddFailure(ctx context.Context, conduitID, reason string) error
	AddTimeout(ctx context.Context, conduitID string) error
	Get(ctx context.Context, conduitID string) (Usage, error)
}

// MemoryUsageStore keeps counters in process memory.
type MemoryUsageStore struct {
	mu    sync.Mutex
	usage map[string]*Usage
}

// NewMemoryUsageStore creates an empty in-memory store.
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{usage: make(map[string]*Usage)}
}

func (m *MemoryUsageStore) entry(id string) *Usage {
	u, ok := m.usage[id]
	if !ok {
		u = &Usage{ConduitID: id}
		m.usage[id] = u
	}
	return u
}

func (m *MemoryUsageStore) Hit(_ context.Context, id string, now time.Time, window time.Duration) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.entry(id)
	if u.WindowStart.IsZero() || now.Sub(u.WindowStart) >= window {
		u.WindowStart = now
		u.Count = 0
	}
	u.Count++
	u.TotalCount++
	return *u, nil
}

func (m *MemoryUsageStore) AddFailure(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.entry(id)
	u.FailureCount++
	u.LastErrorReason = reason
	return nil
}

func (m *MemoryUsageStore) AddTimeout(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.entry(id)
	u.TimeoutCount++
	u.LastErrorReason = "timeout"
	return nil
}

func (m *MemoryUsageStore) Get(_ context.Context, id string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usage[id]; ok {
		return *u, nil
	}
	return Usage{ConduitID: id}, nil
}

// hitScript resets and increments a conduit hash atomically. Times are unix
// milliseconds.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call('HGET', key, 'window_start') or '0')
if start == 0 or now - start >= window then
  redis.call('HSET', key, 'window_start', ARGV[1], 'count', 0)
  start = now
end
local count = redis.call('HINCRBY', key, 'count', 1)
local total = redis.call('HINCRBY', key, 'total', 1)
local failures = tonumber(redis.call('HGET', key, 'failures') or '0')
local timeouts = tonumber(redis.call('HGET', key, 'timeouts') or '0')
local last = redis.call('HGET', key, 'last_error') or ''
return {count, total, failures, timeouts, start, last}
`)

const redisKeyPrefix = "starbridge:conduit:"

// RedisUsageStore shares conduit windows between fabric instances.
type RedisUsageStore struct {
	client *redis.Client
}

// NewRedisUsageStore connects to url (redis://...) and verifies the
// connection.
func NewRedisUsageStore(ctx context.Context, url string) (*RedisUsageStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisUsageStore{client: client}, nil
}

// Close closes the redis client.
func (r *RedisUsageStore) Close() error {
	return r.client.Close()
}

func (r *RedisUsageStore) Hit(ctx context.Context, id string, now time.Time, window time.Duration) (Usage, error) {
	res, err := hitScript.Run(ctx, r.client, []string{redisKeyPrefix + id}, now.UnixMilli(), window.Milliseconds()).Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("conduit hit: %w", err)
	}
	return parseHitReply(id, res)
}

// parseHitReply decodes {count, total, failures, timeouts, start, last_error}.
func parseHitReply(id string, res []any) (Usage, error) {
	if len(res) != 6 {
		return Usage{}, fmt.Errorf("conduit hit: unexpected reply length %d", len(res))
	}
	nums := make([]int64, 5)
	for i := range nums {
		n, ok := res[i].(int64)
		if !ok {
			return Usage{}, fmt.Errorf("conduit hit: field %d is %T, want integer", i, res[i])
		}
		nums[i] = n
	}
	last, ok := res[5].(string)
	if !ok {
		return Usage{}, fmt.Errorf("conduit hit: last_error is %T, want string", res[5])
	}
	return Usage{
		ConduitID:       id,
		Count:           nums[0],
		TotalCount:      nums[1],
		FailureCount:    nums[2],
		TimeoutCount:    nums[3],
		WindowStart:     time.UnixMilli(nums[4]).UTC(),
		LastErrorReason: last,
	}, nil
}

func (r *RedisUsageStore) AddFailure(ctx context.Context, id, reason string) error {
	key := redisKeyPrefix + id
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, key, "failures", 1)
		p.HSet(ctx, key, "last_error", reason)
		return nil
	})
	if err != nil {
		return fmt.Errorf("conduit failure: %w", err)
	}
	return nil
}

func (r *RedisUsageStore) AddTimeout(ctx context.Context, id string) error {
	key := redisKeyPrefix + id
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, key, "timeouts", 1)
		p.HSet(ctx, key, "last_error", "timeout")
		return nil
	})
	if err != nil {
		return fmt.Errorf("conduit timeout: %w", err)
	}
	return nil
}

func (r *RedisUsageStore) Get(ctx context.Context, id string) (Usage, error) {
	fields, err := r.client.HGetAll(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("conduit usage: %w", err)
	}
	u := Usage{ConduitID: id, LastErrorReason: fields["last_error"]}
	u.Count, _ = strconv.ParseInt(fields["count"], 10, 64)
	u.TotalCount, _ = strconv.ParseInt(fields["total"], 10, 64)
	u.FailureCount, _ = strconv.ParseInt(fields["failures"], 10, 64)
	u.TimeoutCount, _ = strconv.ParseInt(fields["timeouts"], 10, 64)
	if ms, err := strconv.ParseInt(fields["window_start"], 10, 64); err == nil && ms > 0 {
		u.WindowStart = time.UnixMilli(ms).UTC()
	}
	return u, nil
}
