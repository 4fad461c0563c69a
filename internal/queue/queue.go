// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue is a Redis-backed job queue with retries, delayed
// redelivery, parent/child job groups, and recurring schedules. Jobs are
// JSON documents on Redis lists; a worker claims one with BLMOVE onto a
// processing list, dispatches by kind, and acknowledges by removing it. A
// reaper requeues processing entries whose worker stopped heartbeating, so
// a crash mid-job redelivers instead of losing the job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names used by the ingestion service.
const (
	QueueIngestion = "ingestion"
	QueueIndexing  = "indexing"
)

const (
	keyPrefix       = "archive:"
	defaultAttempts = 5
	retryBase       = time.Second
	retryCap        = 5 * time.Minute

	// historyLimit caps the per-queue completion history kept in Redis.
	historyLimit = 1000
	// failedLimit caps the per-queue failure history; failures are kept
	// longer because they are what operators go looking for.
	failedLimit = 5000

	// A worker refreshes its claim stamp every heartbeatPeriod; the reaper
	// requeues a processing entry once the stamp is older than
	// stallTimeout. Long mailbox jobs stay claimed as long as their worker
	// is alive.
	heartbeatPeriod = 15 * time.Second
	stallTimeout    = time.Minute
	reapPeriod      = 30 * time.Second
)

// Job is one unit of work on a queue.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	GroupID    string          `json:"groupId,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// UnmarshalPayload decodes the job payload into out.
func (j *Job) UnmarshalPayload(out any) error {
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", j.Kind, err)
	}
	return nil
}

// Handler processes one job. A non-nil result is recorded for the job's
// group (if any) and handed to the parent job when the group completes.
type Handler func(ctx context.Context, job *Job) (any, error)

// Client is the queue producer and worker host.
type Client struct {
	rdb         *redis.Client
	maxAttempts int

	mu       sync.RWMutex
	handlers map[string]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a queue client. maxAttempts <= 0 selects the default.
func New(rdb *redis.Client, maxAttempts int) *Client {
	if maxAttempts <= 0 {
		maxAttempts = defaultAttempts
	}
	return &Client{
		rdb:         rdb,
		maxAttempts: maxAttempts,
		handlers:    make(map[string]Handler),
	}
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// OnJob registers the handler for a job kind. Registration must complete
// before workers start; a job with no handler is failed permanently.
func (c *Client) OnJob(kind string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

func listKey(queue string) string       { return keyPrefix + "queue:" + queue }
func delayedKey(queue string) string    { return keyPrefix + "delayed:" + queue }
func processingKey(queue string) string { return keyPrefix + "processing:" + queue }
func startedKey(queue string) string    { return keyPrefix + "processing:" + queue + ":started" }
func historyKey(queue string) string    { return keyPrefix + "history:" + queue }
func failedKey(queue string) string     { return keyPrefix + "failed:" + queue }
func groupKey(id string) string         { return keyPrefix + "group:" + id }
func resultsKey(id string) string       { return keyPrefix + "group:" + id + ":results" }

// Enqueue pushes a job onto a queue and returns its id.
func (c *Client) Enqueue(ctx context.Context, queue, kind string, payload any) (string, error) {
	job, err := newJob(queue, kind, payload)
	if err != nil {
		return "", err
	}
	if err := c.push(ctx, job); err != nil {
		return "", err
	}
	slog.Debug("job enqueued", "queue", queue, "kind", kind, "job_id", job.ID)
	return job.ID, nil
}

// EnqueueGroup pushes a batch of child jobs and arranges for the parent job
// to be enqueued exactly once, after the last child reaches a terminal
// state. Child results (and failures) are recorded under the group for the
// parent to collect. An empty batch enqueues the parent immediately.
func (c *Client) EnqueueGroup(ctx context.Context, queue, kind string, payloads []any, parentQueue, parentKind string, parentPayload any) (string, error) {
	parent, err := newJob(parentQueue, parentKind, parentPayload)
	if err != nil {
		return "", err
	}

	if len(payloads) == 0 {
		if err := c.push(ctx, parent); err != nil {
			return "", err
		}
		return "", nil
	}

	groupID := uuid.New().String()
	parent.GroupID = groupID
	parentJSON, err := json.Marshal(parent)
	if err != nil {
		return "", fmt.Errorf("marshal parent job: %w", err)
	}

	if err := c.rdb.HSet(ctx, groupKey(groupID),
		"pending", len(payloads),
		"parent", string(parentJSON),
	).Err(); err != nil {
		return "", fmt.Errorf("create job group: %w", err)
	}

	for _, p := range payloads {
		child, err := newJob(queue, kind, p)
		if err != nil {
			return "", err
		}
		child.GroupID = groupID
		if err := c.push(ctx, child); err != nil {
			return "", err
		}
	}

	slog.Debug("job group enqueued",
		"group_id", groupID, "children", len(payloads), "parent_kind", parentKind)
	return groupID, nil
}

// GroupResults returns the recorded result document of every terminal child
// in the group, keyed by child job id.
func (c *Client) GroupResults(ctx context.Context, groupID string) (map[string]json.RawMessage, error) {
	raw, err := c.rdb.HGetAll(ctx, resultsKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read group results: %w", err)
	}
	out := make(map[string]json.RawMessage, len(raw))
	for id, doc := range raw {
		out[id] = json.RawMessage(doc)
	}
	return out, nil
}

// DeleteGroup removes a completed group's bookkeeping.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	return c.rdb.Del(ctx, groupKey(groupID), resultsKey(groupID)).Err()
}

// Schedule enqueues a job now and then again every interval until ctx is
// cancelled or Stop is called.
func (c *Client) Schedule(ctx context.Context, interval time.Duration, queue, kind string, payload any) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if _, err := c.Enqueue(ctx, queue, kind, payload); err != nil {
				slog.Error("scheduled enqueue failed", "queue", queue, "kind", kind, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	slog.Info("recurring job scheduled", "queue", queue, "kind", kind, "interval", interval)
}

// StartWorkers launches concurrency worker goroutines on a queue plus one
// mover goroutine that promotes due delayed jobs back onto the queue.
func (c *Client) StartWorkers(ctx context.Context, queue string, concurrency int) {
	workerCtx := ctx
	if c.cancel == nil {
		workerCtx, c.cancel = context.WithCancel(ctx)
	}

	for i := 0; i < concurrency; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.workLoop(workerCtx, queue)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.moveLoop(workerCtx, queue)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reapLoop(workerCtx, queue)
	}()

	slog.Info("queue workers started", "queue", queue, "concurrency", concurrency)
}

// Stop cancels workers and waits for in-flight jobs to finish.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// workLoop claims jobs one at a time. BLMOVE onto the processing list keeps
// the job visible to the reaper until ack removes it, so a worker dying
// mid-job redelivers instead of losing the job.
func (c *Client) workLoop(ctx context.Context, queue string) {
	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := c.rdb.BLMove(ctx, listKey(queue), processingKey(queue), "RIGHT", "LEFT", time.Second).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			slog.Error("queue pop failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			slog.Error("dropping undecodable job", "queue", queue, "error", err)
			c.rdb.LRem(ctx, processingKey(queue), 1, raw)
			continue
		}

		c.stamp(ctx, queue, job.ID)
		stop := c.heartbeat(ctx, queue, job.ID)
		c.process(ctx, &job)
		stop()
		c.ack(ctx, queue, raw, job.ID)
	}
}

func (c *Client) stamp(ctx context.Context, queue, jobID string) {
	err := c.rdb.HSet(ctx, startedKey(queue), jobID, time.Now().UnixMilli()).Err()
	if err != nil {
		slog.Warn("job claim stamp failed", "queue", queue, "job_id", jobID, "error", err)
	}
}

// heartbeat refreshes the claim stamp until the returned stop function is
// called, keeping long jobs out of the reaper's reach.
func (c *Client) heartbeat(ctx context.Context, queue, jobID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.stamp(ctx, queue, jobID)
			}
		}
	}()
	return func() { close(done) }
}

// ack removes a terminal job from the processing list. It runs detached
// from worker cancellation so a shutdown mid-ack does not strand a finished
// job for the reaper to redeliver.
func (c *Client) ack(ctx context.Context, queue, raw, jobID string) {
	ctx = context.WithoutCancel(ctx)
	pipe := c.rdb.Pipeline()
	pipe.LRem(ctx, processingKey(queue), 1, raw)
	pipe.HDel(ctx, startedKey(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("job ack failed", "queue", queue, "job_id", jobID, "error", err)
	}
}

func (c *Client) process(ctx context.Context, job *Job) {
	c.mu.RLock()
	h, ok := c.handlers[job.Kind]
	c.mu.RUnlock()

	if !ok {
		c.fail(ctx, job, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	result, err := h(ctx, job)
	if err != nil {
		c.retryOrFail(ctx, job, err)
		return
	}

	c.record(ctx, historyKey(job.Queue), historyLimit, job, "")
	c.finishGroupMember(ctx, job, result, nil)
	slog.Debug("job completed", "queue", job.Queue, "kind", job.Kind, "job_id", job.ID)
}

func (c *Client) retryOrFail(ctx context.Context, job *Job, cause error) {
	job.Attempt++
	if job.Attempt >= c.maxAttempts {
		c.fail(ctx, job, cause)
		return
	}

	delay := backoff(job.Attempt)
	slog.Warn("job failed, scheduling retry",
		"queue", job.Queue, "kind", job.Kind, "job_id", job.ID,
		"attempt", job.Attempt, "delay", delay, "error", cause)

	data, err := json.Marshal(job)
	if err != nil {
		c.fail(ctx, job, fmt.Errorf("marshal for retry: %w", err))
		return
	}
	err = c.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(data),
	}).Err()
	if err == nil {
		return
	}

	// Fall back to an immediate requeue rather than losing the job; if even
	// that fails, fail it permanently so its group still counts down.
	slog.Error("delayed requeue failed, retrying immediately", "job_id", job.ID, "error", err)
	if perr := c.rdb.LPush(ctx, listKey(job.Queue), string(data)).Err(); perr != nil {
		c.fail(ctx, job, fmt.Errorf("requeue after failure: %w (handler error: %v)", perr, cause))
	}
}

// fail records a permanently failed job. A failed child still counts toward
// its group so a single bad mailbox cannot stall the whole sync cycle.
func (c *Client) fail(ctx context.Context, job *Job, cause error) {
	slog.Error("job permanently failed",
		"queue", job.Queue, "kind", job.Kind, "job_id", job.ID,
		"attempts", job.Attempt, "error", cause)
	c.record(ctx, failedKey(job.Queue), failedLimit, job, cause.Error())
	c.finishGroupMember(ctx, job, nil, cause)
}

// finishGroupMember records the child's result and, when it was the last
// pending member, enqueues the parent job.
func (c *Client) finishGroupMember(ctx context.Context, job *Job, result any, cause error) {
	if job.GroupID == "" {
		return
	}

	doc := map[string]any{"jobId": job.ID, "kind": job.Kind}
	if cause != nil {
		doc["error"] = cause.Error()
	} else if result != nil {
		doc["result"] = result
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		slog.Error("marshal group result failed", "job_id", job.ID, "error", err)
		docJSON = []byte(`{}`)
	}

	if err := c.rdb.HSet(ctx, resultsKey(job.GroupID), job.ID, string(docJSON)).Err(); err != nil {
		slog.Error("record group result failed", "group_id", job.GroupID, "error", err)
	}

	remaining, err := c.rdb.HIncrBy(ctx, groupKey(job.GroupID), "pending", -1).Result()
	if err != nil {
		slog.Error("group countdown failed", "group_id", job.GroupID, "error", err)
		return
	}
	if remaining > 0 {
		return
	}

	parentJSON, err := c.rdb.HGet(ctx, groupKey(job.GroupID), "parent").Result()
	if err != nil {
		slog.Error("load group parent failed", "group_id", job.GroupID, "error", err)
		return
	}
	var parent Job
	if err := json.Unmarshal([]byte(parentJSON), &parent); err != nil {
		slog.Error("decode group parent failed", "group_id", job.GroupID, "error", err)
		return
	}
	if err := c.push(ctx, &parent); err != nil {
		slog.Error("enqueue group parent failed", "group_id", job.GroupID, "error", err)
		return
	}
	slog.Debug("job group complete, parent enqueued",
		"group_id", job.GroupID, "parent_kind", parent.Kind)
}

func (c *Client) moveLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.promoteDue(ctx, queue)
	}
}

// promoteDue moves due delayed jobs back onto their queue. ZRem is the
// claim: only the mover that removed the member may push it, so concurrent
// movers never duplicate a job.
func (c *Client) promoteDue(ctx context.Context, queue string) {
	now := float64(time.Now().UnixMilli())
	due, err := c.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("delayed scan failed", "queue", queue, "error", err)
		}
		return
	}

	for _, member := range due {
		removed, err := c.rdb.ZRem(ctx, delayedKey(queue), member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := c.rdb.LPush(ctx, listKey(queue), member).Err(); err != nil {
			slog.Error("delayed promote failed", "queue", queue, "error", err)
		}
	}
}

func (c *Client) reapLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(reapPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.reapStalled(ctx, queue)
	}
}

// reapStalled requeues processing entries whose claim stamp went stale,
// which means the claiming worker died mid-job. The redelivery counts as an
// attempt so a job that keeps killing its worker cannot loop forever; at
// the attempt limit it fails permanently and its group still counts down.
func (c *Client) reapStalled(ctx context.Context, queue string) {
	entries, err := c.rdb.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("processing scan failed", "queue", queue, "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-stallTimeout).UnixMilli()
	for _, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			c.rdb.LRem(ctx, processingKey(queue), 1, raw)
			continue
		}

		stampRaw, err := c.rdb.HGet(ctx, startedKey(queue), job.ID).Result()
		if errors.Is(err, redis.Nil) {
			// Claimed but not yet stamped, or the stamp died with the
			// worker. Stamp it now and judge on a later pass.
			c.stamp(ctx, queue, job.ID)
			continue
		}
		if err != nil {
			continue
		}
		stamp, err := strconv.ParseInt(stampRaw, 10, 64)
		if err != nil || stamp > cutoff {
			continue
		}

		// LRem is the claim, same as the delayed mover.
		removed, err := c.rdb.LRem(ctx, processingKey(queue), 1, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		c.rdb.HDel(ctx, startedKey(queue), job.ID)

		job.Attempt++
		if job.Attempt >= c.maxAttempts {
			c.fail(ctx, &job, errors.New("job stalled: worker lost"))
			continue
		}
		data, err := json.Marshal(&job)
		if err != nil {
			c.fail(ctx, &job, fmt.Errorf("marshal stalled job: %w", err))
			continue
		}
		slog.Warn("stalled job requeued",
			"queue", queue, "kind", job.Kind, "job_id", job.ID, "attempt", job.Attempt)
		if err := c.rdb.LPush(ctx, listKey(queue), string(data)).Err(); err != nil {
			slog.Error("stalled requeue failed", "queue", queue, "job_id", job.ID, "error", err)
		}
	}
}

// record appends a history entry, keeping the list capped.
func (c *Client) record(ctx context.Context, key string, limit int64, job *Job, failure string) {
	entry := map[string]any{
		"jobId":      job.ID,
		"kind":       job.Kind,
		"attempt":    job.Attempt,
		"finishedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if failure != "" {
		entry["error"] = failure
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, 0, limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Debug("history append failed", "key", key, "error", err)
	}
}

func (c *Client) push(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := c.rdb.LPush(ctx, listKey(job.Queue), string(data)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}
	return nil
}

func newJob(queue, kind string, payload any) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Queue:      queue,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// backoff is exponential from retryBase, capped at retryCap.
func backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * retryBase
	if d > retryCap {
		return retryCap
	}
	return d
}
