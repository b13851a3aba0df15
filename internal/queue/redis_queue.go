// Package queue hands pending job ids to workers through Redis. A dequeued job
// is held under a lease in a sorted set scored by its deadline; a worker that
// stops renewing the lease leaves the job for the watchdog to reclaim.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bulk-transfer-engine/internal/config"
	"bulk-transfer-engine/internal/models"
)

// ErrLeaseLost is returned when renewing a lease the worker no longer holds.
var ErrLeaseLost = errors.New("job lease no longer held")

// Item identifies a leased job.
type Item struct {
	Kind models.JobKind
	ID   string
}

func (i Item) member() string {
	return string(i.Kind) + ":" + i.ID
}

func parseMember(s string) (Item, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Item{}, fmt.Errorf("malformed queue member %q", s)
	}
	switch models.JobKind(kind) {
	case models.KindImport, models.KindExport:
	default:
		return Item{}, fmt.Errorf("unknown job kind in queue member %q", s)
	}
	return Item{Kind: models.JobKind(kind), ID: id}, nil
}

// RedisQueue coordinates the ready list and the in-flight lease set.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:ready",
		inflightKey:   "queue:inflight",
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying client so other Redis consumers share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// VisibilityTimeout is the lease length granted on dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue appends a job to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, kind models.JobKind, id string) error {
	return q.client.RPush(ctx, q.readyKey, Item{Kind: kind, ID: id}.member()).Err()
}

// DequeueWithLease pops the oldest ready job and places it in-flight with a
// visibility deadline. It returns ok=false when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Item, bool, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	member, ok := res.(string)
	if !ok {
		return Item{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	item, err := parseMember(member)
	if err != nil {
		q.client.ZRem(ctx, q.inflightKey, member)
		return Item{}, false, err
	}
	return item, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// It returns ErrLeaseLost once the job was acked or reclaimed.
func (q *RedisQueue) ExtendLease(ctx context.Context, item Item) error {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	held, err := extendScript.Run(ctx, q.client, []string{q.inflightKey}, item.member(), deadline).Int()
	if err != nil {
		return err
	}
	if held == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, item Item) error {
	return q.client.ZRem(ctx, q.inflightKey, item.member()).Err()
}

// ReclaimExpired removes leases whose deadline passed and returns their jobs.
// Reclaimed jobs are not re-enqueued; a partially applied import is not safe
// to run twice.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]Item, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, m := range members {
		// ZREM decides ownership when several watchdogs race.
		removed, err := q.client.ZRem(ctx, q.inflightKey, m).Result()
		if err != nil {
			return items, err
		}
		if removed == 0 {
			continue
		}
		item, err := parseMember(m)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Remove drops a job from the ready list and from in-flight tracking.
func (q *RedisQueue) Remove(ctx context.Context, kind models.JobKind, id string) error {
	member := Item{Kind: kind, ID: id}.member()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, member)
	pipe.ZRem(ctx, q.inflightKey, member)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns the number of leased jobs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)
