/*
Package queue is the durable deployment job queue. Jobs are JSON records
on a Redis list: the control plane RPushes at submit time, workers BLPop.
Redis persistence makes accepted jobs survive control-plane restarts, and
BLPop hands each job to exactly one worker.

Delivery is at-least-once: a dequeued job is parked in a processing set
until the worker acks it, and jobs whose processing deadline lapses are
requeued. Workers therefore tolerate re-executing a job whose deployment
already finished or vanished.
*/
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portside-dev/portside/models"
)

const (
	jobsKey         = "queue:deployments"
	processingKey   = "queue:deployments:processing"
	resultKeyPrefix = "result:deployments:"

	// JobTimeout bounds a single deployment pipeline run.
	JobTimeout = 15 * time.Minute

	// processingGrace pads the requeue deadline past JobTimeout so a
	// slow but alive worker is not raced by the reaper.
	processingGrace = time.Minute

	// resultTTL keeps job outcomes inspectable for a day.
	resultTTL = 24 * time.Hour
)

// Job is one unit of deployment work. The project source is already
// staged on disk when the job is enqueued; the worker only builds and
// runs it.
type Job struct {
	DeploymentID   string                `json:"deployment_id"`
	ProjectDir     string                `json:"project_dir"`
	DeploymentType models.DeploymentType `json:"deployment_type"`
	Config         models.DeployConfig   `json:"config"`
	EnvVars        []models.EnvVar       `json:"environment_variables,omitempty"`
	EnqueuedAt     time.Time             `json:"enqueued_at"`

	// payload is the wire form this job was dequeued with; it keys the
	// processing set entry until Ack.
	payload string
}

// Result records how a job ended.
type Result struct {
	DeploymentID string    `json:"deployment_id"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Queue is the Redis-backed FIFO.
type Queue struct {
	rdb *redis.Client
}

// New returns a Queue backed by the given Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue appends a job to the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.RPush(ctx, jobsKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. It returns (nil, nil)
// when the queue stays empty, so worker loops can poll without treating
// an idle queue as an error. The job is parked in the processing set
// until Ack, so a worker crash surfaces it to RequeueStale instead of
// losing it.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	reply, err := q.rdb.BLPop(ctx, timeout, jobsKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	// BLPop replies [key, value].
	payload := reply[1]
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.payload = payload

	deadline := time.Now().Add(JobTimeout + processingGrace)
	err = q.rdb.ZAdd(ctx, processingKey, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: payload,
	}).Err()
	if err != nil {
		// Put the job back at the head rather than hand it out untracked.
		q.rdb.LPush(ctx, jobsKey, payload)
		return nil, fmt.Errorf("mark job processing: %w", err)
	}
	return &job, nil
}

// Ack removes a finished job from the processing set. A job that is
// never acked comes back through RequeueStale once its deadline lapses.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	payload := job.payload
	if payload == "" {
		raw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		payload = string(raw)
	}
	if err := q.rdb.ZRem(ctx, processingKey, payload).Err(); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// RequeueStale moves jobs whose processing deadline has passed back to
// the head of the queue and reports how many it moved. The worker that
// dequeued them is presumed dead.
func (q *Queue) RequeueStale(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	stale, err := q.rdb.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan processing set: %w", err)
	}

	requeued := 0
	for _, payload := range stale {
		removed, err := q.rdb.ZRem(ctx, processingKey, payload).Result()
		if err != nil {
			return requeued, fmt.Errorf("remove stale job: %w", err)
		}
		if removed == 0 {
			continue // another reaper won the race
		}
		if err := q.rdb.LPush(ctx, jobsKey, payload).Err(); err != nil {
			return requeued, fmt.Errorf("requeue stale job: %w", err)
		}
		requeued++
	}
	return requeued, nil
}

// Len reports the number of waiting jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, jobsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// StoreResult records the outcome of a finished job under a key that
// expires after a day.
func (q *Queue) StoreResult(ctx context.Context, result Result) error {
	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := q.rdb.Set(ctx, resultKeyPrefix+result.DeploymentID, payload, resultTTL).Err(); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// GetResult fetches a stored job outcome, or (nil, nil) when none exists.
func (q *Queue) GetResult(ctx context.Context, deploymentID string) (*Result, error) {
	payload, err := q.rdb.Get(ctx, resultKeyPrefix+deploymentID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get result: %w", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &result, nil
}
