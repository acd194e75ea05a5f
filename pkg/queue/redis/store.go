// Package redis implements queue.Store on Redis.
//
// Each queue uses three keys sharing one hash tag: a sorted set of item ids scored by
// EarliestVisibleAt in unix milliseconds, a hash of encoded items and a hash of retry counters.
// The sorted set score is the authoritative visibility time. Every mutation is a Lua script, so
// a claim is one atomic server-side operation.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/queue"
)

const (
	defaultPrefix           = "workqueue"
	defaultOperationTimeout = 5 * time.Second
	defaultScanBatch        = 100
)

var (
	claimScript = redis.NewScript(`
local visible = KEYS[1]
local items = KEYS[2]
local retries = KEYS[3]
local nowMs = tonumber(ARGV[1])
local leaseUntilMs = tonumber(ARGV[2])
local filterVersion = ARGV[3] == "1"
local version = ARGV[4]
local batch = tonumber(ARGV[5])

local offset = 0
while true do
  local kept = 0
  local due = redis.call("ZRANGEBYSCORE", visible, "-inf", nowMs, "WITHSCORES", "LIMIT", offset, batch)
  if #due == 0 then
    return nil
  end
  for i = 1, #due, 2 do
    local id = due[i]
    local raw = redis.call("HGET", items, id)
    if not raw then
      redis.call("ZREM", visible, id)
    else
      kept = kept + 1
      local eligible = true
      if filterVersion then
        local doc = cjson.decode(raw)
        local itemVersion = doc["version"]
        eligible = itemVersion == nil or itemVersion == cjson.null or itemVersion == "" or itemVersion == version
      end
      if eligible then
        redis.call("ZADD", visible, leaseUntilMs, id)
        local count = redis.call("HGET", retries, id) or "0"
        return {raw, count, due[i + 1]}
      end
    end
  end
  offset = offset + kept
end
`)

	setVisibleScript = redis.NewScript(`
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
if ARGV[3] ~= "" then
  redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
end
return 1
`)

	deleteScript = redis.NewScript(`
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
local dropped = redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
if removed > 0 or dropped > 0 then
  return 1
end
return 0
`)

	insertScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[3])
redis.call("ZADD", KEYS[1], ARGV[4], ARGV[1])
return 1
`)
)

// Config configures the Redis queue store.
type Config struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
	// ScanBatch is how many due ids a claim inspects per round when version filtering skips items.
	ScanBatch int
}

func (c *Config) normalize() {
	c.Prefix = strings.TrimSpace(c.Prefix)
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.ScanBatch <= 0 {
		c.ScanBatch = defaultScanBatch
	}
}

// Store is the Redis queue store.
type Store struct {
	client redis.UniversalClient
	log    logger.Logger
	config Config

	mu     sync.RWMutex
	closed bool
}

// NewStore connects to Redis and verifies the connection.
func NewStore(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	log.Info("Redis queue store connected", "prefix", cfg.Prefix)
	return NewStoreFromClient(client, log, cfg), nil
}

// NewStoreFromClient wraps an existing client. The store owns the client and closes it on Close.
func NewStoreFromClient(client redis.UniversalClient, log logger.Logger, cfg Config) *Store {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	return &Store{client: client, log: log, config: cfg}
}

func (s *Store) ClaimNext(ctx context.Context, queueName string, req queue.ClaimRequest) (*queue.Item, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	filterVersion := "0"
	if req.FilterVersion {
		filterVersion = "1"
	}
	keys := s.keys(queueName)
	result, err := claimScript.Run(opCtx, s.client, keys,
		req.Now.UnixMilli(),
		req.LeaseUntil().UnixMilli(),
		filterVersion,
		req.Version,
		s.config.ScanBatch,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis claim on %s: %w", queueName, err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("redis claim on %s: unexpected script result %T", queueName, result)
	}
	raw, _ := values[0].(string)
	retries, _ := values[1].(string)
	score, _ := values[2].(string)
	return decodeItem(raw, retries, score)
}

func (s *Store) ExtendLease(ctx context.Context, queueName, id string, visibleAt time.Time) (bool, error) {
	return s.setVisible(ctx, queueName, id, visibleAt, "")
}

func (s *Store) Requeue(ctx context.Context, queueName, id string, retries int, visibleAt time.Time) (bool, error) {
	return s.setVisible(ctx, queueName, id, visibleAt, strconv.Itoa(retries))
}

func (s *Store) setVisible(ctx context.Context, queueName, id string, visibleAt time.Time, retries string) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	keys := s.keys(queueName)
	matched, err := setVisibleScript.Run(opCtx, s.client, []string{keys[0], keys[2]},
		id,
		visibleAt.UnixMilli(),
		retries,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis update on %s: %w", queueName, err)
	}
	return matched == 1, nil
}

func (s *Store) Delete(ctx context.Context, queueName, id string) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	deleted, err := deleteScript.Run(opCtx, s.client, s.keys(queueName), id).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete on %s: %w", queueName, err)
	}
	return deleted == 1, nil
}

func (s *Store) Insert(ctx context.Context, queueName string, item *queue.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item failed: %w", err)
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	inserted, err := insertScript.Run(opCtx, s.client, s.keys(queueName),
		item.ID,
		string(encoded),
		item.Retries,
		item.EarliestVisibleAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis insert on %s: %w", queueName, err)
	}
	if inserted == 0 {
		return queue.ErrDuplicateItem
	}
	return nil
}

func (s *Store) Count(ctx context.Context, queueName string, filter queue.CountFilter, now time.Time) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	visible := s.keys(queueName)[0]
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)
	var cmd *redis.IntCmd
	switch filter {
	case queue.CountRunning:
		cmd = s.client.ZCount(opCtx, visible, "("+nowMs, "+inf")
	case queue.CountNotRunning:
		cmd = s.client.ZCount(opCtx, visible, "-inf", nowMs)
	default:
		cmd = s.client.ZCard(opCtx, visible)
	}
	count, err := cmd.Result()
	if err != nil {
		return 0, fmt.Errorf("redis count on %s: %w", queueName, err)
	}
	return count, nil
}

// HealthCheck verifies Redis connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.client.Ping(opCtx).Err()
}

// Close closes Redis connections.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.client.Close()
}

func (s *Store) ensureOpen() error {
	if s == nil || s.client == nil {
		return errors.New("redis store is not initialized")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return queue.ErrClosed
	}
	return nil
}

func (s *Store) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

// keys returns the visible, items and retries keys of queueName. The braces keep all three in
// one cluster slot.
func (s *Store) keys(queueName string) []string {
	base := s.config.Prefix + ":{" + queueName + "}"
	return []string{base + ":visible", base + ":items", base + ":retries"}
}

func decodeItem(raw, retries, score string) (*queue.Item, error) {
	var item queue.Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decode stored item failed: %w", err)
	}
	count, err := strconv.Atoi(retries)
	if err != nil {
		return nil, fmt.Errorf("decode retries %q failed: %w", retries, err)
	}
	visibleMs, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return nil, fmt.Errorf("decode visibility score %q failed: %w", score, err)
	}
	item.Retries = count
	item.EarliestVisibleAt = time.UnixMilli(int64(visibleMs)).UTC()
	return &item, nil
}
