package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"media-ingest-pipeline/internal/config"
)

// ErrLeaseLost means a renewal arrived after the lease expired or was
// reclaimed by another worker. Informational: the caller abandons the job.
var ErrLeaseLost = errors.New("queue: lease lost")

// RedisQueue coordinates the ready, in-flight, and scheduled thumbnail job
// queues in Redis. The claim script is the single atomic read-modify-write
// that keeps two workers from leasing the same job.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	leaseTTL      time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lease := cfg.LeaseDuration
	if lease == 0 {
		lease = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "thumbs:ready",
		inflightKey:   "thumbs:inflight",
		scheduledKey:  "thumbs:scheduled",
		jobMetaPrefix: "thumbs:jobmeta:",
		leaseTTL:      lease,
		dlqKey:        cfg.DLQName,
	}
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue inserts a job into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// Schedule moves a job into the scheduled set for deferred execution (retry backoff).
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready queue. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Claim pops the oldest ready job and leases it to workerID until now+leaseTTL.
// Returns "" when nothing is claimable.
func (q *RedisQueue) Claim(ctx context.Context, workerID string) (string, error) {
	expires := time.Now().Add(q.leaseTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey, q.jobMetaPrefix},
		expires, workerID,
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return jobID, nil
}

// RenewLease pushes the lease deadline forward, but only for the worker that
// still owns it. ErrLeaseLost signals the job was reclaimed.
func (q *RedisQueue) RenewLease(ctx context.Context, jobID, workerID string, extension time.Duration) error {
	deadline := time.Now().Add(extension).UnixMilli()
	res, err := renewScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.metaKey(jobID)},
		workerID, deadline, jobID,
	).Result()
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Contains reports whether the job is tracked anywhere: ready, scheduled, or
// in flight. Used to reconcile durable job rows that never reached Redis.
func (q *RedisQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	if _, err := q.client.LPos(ctx, q.readyKey, jobID, redis.LPosArgs{}).Result(); err == nil {
		return true, nil
	} else if err != redis.Nil {
		return false, err
	}
	for _, key := range []string{q.scheduledKey, q.inflightKey} {
		if _, err := q.client.ZScore(ctx, key, jobID).Result(); err == nil {
			return true, nil
		} else if err != redis.Nil {
			return false, err
		}
	}
	return false, nil
}

// Ack removes a finished job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Release gives up an unexpired lease and puts the job straight back on the
// ready queue.
func (q *RedisQueue) Release(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	pipe.RPush(ctx, q.readyKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. This is
// the only recovery path for a crashed worker.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.Del(ctx, q.metaKey(id))
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// claimScript pops one ready job, puts it in the inflight set with its lease
// deadline as score, and records the owner. ARGV: deadline-ms, worker-id.
var claimScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
redis.call('HSET', KEYS[3] .. job, 'owner', ARGV[2])
return job
`)

// renewScript extends a lease only while ARGV[1] is still the recorded owner.
var renewScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[2], 'owner')
if owner ~= ARGV[1] then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
return 1
`)
