// Package queue coordinates which job a worker picks up next. Redis holds
// per-priority ready lists, a scheduled zset for backoff delays, and an
// inflight zset scored by lease deadline. Postgres remains the source of
// truth for job state; the queue only orders and leases ids.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"audio-render-pipeline/internal/models"
)

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis.
type RedisQueue struct {
	client        *redis.Client
	priorities    []string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	leaseTTL      time.Duration
	dlqKey        string
}

// Options configures a RedisQueue.
type Options struct {
	// LeaseTTL is how long a dequeued job stays invisible before it is
	// considered abandoned and reclaimable.
	LeaseTTL time.Duration
	// DLQKey names the dead-letter list for terminally failed jobs.
	DLQKey string
}

// New builds a queue client. Priorities follow models.PriorityOrder so
// dequeue is priority-major, FIFO-minor.
func New(client *redis.Client, opts Options) *RedisQueue {
	lease := opts.LeaseTTL
	if lease == 0 {
		lease = 2 * time.Minute
	}
	dlq := opts.DLQKey
	if dlq == "" {
		dlq = "renders:dlq"
	}
	return &RedisQueue{
		client:        client,
		priorities:    models.PriorityOrder,
		inflightKey:   "renders:inflight",
		scheduledKey:  "renders:scheduled",
		jobMetaPrefix: "renders:jobmeta:",
		leaseTTL:      lease,
		dlqKey:        dlq,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("renders:ready:%s", priority)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

func (q *RedisQueue) priorityFor(ctx context.Context, jobID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(jobID), "priority").Result()
	if err != nil || !models.ValidPriority(priority) {
		return models.PriorityNormal
	}
	return priority
}

// Enqueue makes a job immediately claimable at its priority.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, priority string) error {
	if !models.ValidPriority(priority) {
		priority = models.PriorityNormal
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.RPush(ctx, q.readyKey(priority), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule defers a job until runAt, used for retry backoff.
func (q *RedisQueue) Schedule(ctx context.Context, jobID, priority string, runAt time.Time) error {
	if !models.ValidPriority(priority) {
		priority = models.PriorityNormal
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how
// many were promoted.
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
		priority := q.priorityFor(ctx, id)
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next job id (priority order, FIFO within a
// priority) and places it into inflight with a lease deadline. Empty string
// means nothing is claimable.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorities)+1)
	for _, p := range q.priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.leaseTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the lease deadline forward for an in-flight job.
// Workers call this between render stages as a heartbeat.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them so
// another worker can pick up where a crashed one left off.
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
		priority := q.priorityFor(ctx, id)
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove takes a job out of ready, scheduled, and in-flight sets after a
// cancellation. Best effort; workers re-check store status after dequeue.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorities {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Contains reports whether the job id is tracked anywhere in Redis: a ready
// list, the scheduled set, or in flight. Used by the rescue sweep to find
// pending store rows that lost their queue entry.
func (q *RedisQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	if err := q.client.ZScore(ctx, q.scheduledKey, jobID).Err(); err == nil {
		return true, nil
	} else if err != redis.Nil {
		return false, err
	}
	if err := q.client.ZScore(ctx, q.inflightKey, jobID).Err(); err == nil {
		return true, nil
	} else if err != redis.Nil {
		return false, err
	}
	for _, p := range q.priorities {
		if err := q.client.LPos(ctx, q.readyKey(p), jobID, redis.LPosArgs{}).Err(); err == nil {
			return true, nil
		} else if err != redis.Nil {
			return false, err
		}
	}
	return false, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorities))
	for _, p := range q.priorities {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
