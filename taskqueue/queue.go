package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brianfields/promptflow/types"
)

// Transport key prefixes. The ready queue is a Redis list popped by workers;
// deferred jobs wait in a sorted set scored by their ready time; payloads
// live under their own keys so a not-yet-claimed job can be aborted by
// deleting its payload.
const (
	queueKeyPrefix    = "queue:"
	deferredKeyPrefix = "queue:deferred:"
	jobKeyPrefix      = "job:"
)

// jobTTL bounds how long an unclaimed payload survives.
const jobTTL = 24 * time.Hour

// Queue is the Redis job transport. Delivery is at-least-once: a worker
// crash after pop loses the in-flight claim but the task record stays
// observable, and handlers are required to be idempotent.
type Queue struct {
	rdb   redis.UniversalClient
	clock types.Clock
}

// NewQueue creates the transport over a Redis client.
func NewQueue(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb, clock: time.Now}
}

// Enqueue stores the payload and makes the job claimable, optionally
// deferred by delay.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload *JobPayload, delay time.Duration) error {
	data, err := payload.Encode()
	if err != nil {
		return types.NewValidationError("job payload is not serializable").WithCause(err)
	}
	if err := q.rdb.SetEx(ctx, jobKeyPrefix+payload.TaskID, data, jobTTL).Err(); err != nil {
		return err
	}

	if delay > 0 {
		readyAt := float64(q.clock().Add(delay).UnixMilli())
		return q.rdb.ZAdd(ctx, deferredKeyPrefix+queueName, redis.Z{Score: readyAt, Member: payload.TaskID}).Err()
	}
	return q.rdb.LPush(ctx, queueKeyPrefix+queueName, payload.TaskID).Err()
}

// PromoteDeferred moves due deferred jobs onto the ready queue. Workers call
// this on every poll tick.
func (q *Queue) PromoteDeferred(ctx context.Context, queueName string) error {
	now := strconv.FormatInt(q.clock().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, deferredKeyPrefix+queueName, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, taskID := range due {
		removed, err := q.rdb.ZRem(ctx, deferredKeyPrefix+queueName, taskID).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, queueKeyPrefix+queueName, taskID).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue blocks up to timeout for a claimable job. An aborted job (payload
// deleted) is skipped and reported as no job.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*JobPayload, error) {
	result, err := q.rdb.BRPop(ctx, timeout, queueKeyPrefix+queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	taskID := result[1]

	data, err := q.rdb.GetDel(ctx, jobKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		// Aborted between enqueue and claim.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var payload JobPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, types.NewExecutionError("undecodable job payload for task " + taskID).WithCause(err)
	}
	return &payload, nil
}

// Abort removes a not-yet-claimed job from the transport. Returns true when
// the job was still claimable.
func (q *Queue) Abort(ctx context.Context, queueName, taskID string) (bool, error) {
	deleted, err := q.rdb.Del(ctx, jobKeyPrefix+taskID).Result()
	if err != nil {
		return false, err
	}
	if deleted == 0 {
		return false, nil
	}
	// Best-effort removal from the ready and deferred structures; a stale
	// list entry is skipped at claim time anyway.
	q.rdb.LRem(ctx, queueKeyPrefix+queueName, 0, taskID)
	q.rdb.ZRem(ctx, deferredKeyPrefix+queueName, taskID)
	return true, nil
}
