package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// TaskTypeDeliver is the single asynq task type this engine ever
// schedules; which channel/adapter runs is resolved from the
// notification row itself, not from the task type.
const TaskTypeDeliver = "notification:deliver"

// queueNames maps the priority labels onto asynq's named queues. asynq
// has no integer-priority primitive, so there is one queue per label
// with StrictPriority enabled, which serves urgent strictly before
// high before normal before low rather than weighted round-robin.
var queueNames = map[Priority]string{
	PriorityUrgent: "urgent",
	PriorityHigh:   "high",
	PriorityNormal: "normal",
	PriorityLow:    "low",
}

// QueueConfig returns the asynq server Queues map, with the highest
// weight on the highest-priority queue, for use with
// asynq.Config.StrictPriority.
func QueueConfig() map[string]int {
	return map[string]int{
		"urgent": 4,
		"high":   3,
		"normal": 2,
		"low":    1,
	}
}

func queueNameFor(p Priority) string {
	if name, ok := queueNames[p]; ok {
		return name
	}
	return queueNames[PriorityNormal]
}

// QueueStats is the broker's waiting/active/completed/failed/delayed
// snapshot.
type QueueStats struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

// Queue is the durable priority broker abstraction, implemented on top
// of asynq: priority queues, stable job-id dedup, delayed tasks,
// pause/resume, and an Inspector for introspection and retry/clean.
type Queue interface {
	// Enqueue schedules delivery of notification id at the given
	// priority, optionally delayed. The broker job ID is the
	// notification ID itself so replayed enqueues of the same row are
	// deduplicated by the broker.
	Enqueue(ctx context.Context, id uuid.UUID, priority Priority, delay time.Duration) error
	// BulkEnqueue schedules delivery for a batch of rows.
	BulkEnqueue(ctx context.Context, ids []uuid.UUID, priority Priority) error
	// HasActiveJob reports whether a broker job for id is currently
	// pending, scheduled, or being processed. Used by the stall
	// sweeper to decide whether a `processing` row truly lost its job.
	HasActiveJob(ctx context.Context, id uuid.UUID) (bool, error)
	// Pause stops the broker from handing out new jobs; Resume undoes it.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// ClearFailed removes broker-archived (failed) jobs; rows are untouched.
	ClearFailed(ctx context.Context) (int, error)
	// RetryFailed re-enqueues every broker-archived job via the
	// broker's own retry primitive.
	RetryFailed(ctx context.Context) (int, error)
	Stats(ctx context.Context) (QueueStats, error)
	Ready(ctx context.Context) bool
	Close() error
}

// AsynqQueue implements Queue on top of asynq's Client + Inspector,
// plus a raw Redis connection for the readiness probe.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     redis.UniversalClient
}

func NewAsynqQueue(redisOpt asynq.RedisConnOpt) *AsynqQueue {
	q := &AsynqQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
	}
	if rc, ok := redisOpt.MakeRedisClient().(redis.UniversalClient); ok {
		q.redis = rc
	}
	return q
}

func (q *AsynqQueue) Enqueue(ctx context.Context, id uuid.UUID, priority Priority, delay time.Duration) error {
	task := asynq.NewTask(TaskTypeDeliver, []byte(id.String()))
	opts := []asynq.Option{
		asynq.Queue(queueNameFor(priority)),
		asynq.TaskID(id.String()),
		asynq.MaxRetry(0), // dispatcher drives retry, not the broker
		// Keep completed tasks around so the stats endpoint can count them.
		asynq.Retention(24 * time.Hour),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err := q.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// Same logical job already active; treat as a no-op dedup hit.
		return nil
	}
	return err
}

func (q *AsynqQueue) BulkEnqueue(ctx context.Context, ids []uuid.UUID, priority Priority) error {
	for _, id := range ids {
		if err := q.Enqueue(ctx, id, priority, 0); err != nil {
			return fmt.Errorf("bulk enqueue %s: %w", id, err)
		}
	}
	return nil
}

func (q *AsynqQueue) HasActiveJob(ctx context.Context, id uuid.UUID) (bool, error) {
	for name := range QueueConfig() {
		info, err := q.inspector.GetTaskInfo(name, id.String())
		if err != nil {
			// Not in this queue; asynq returns an error for unknown ids.
			continue
		}
		switch info.State {
		case asynq.TaskStateActive, asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
			return true, nil
		}
	}
	return false, nil
}

func (q *AsynqQueue) Pause(ctx context.Context) error {
	for name := range QueueConfig() {
		if err := q.inspector.PauseQueue(name); err != nil {
			return err
		}
	}
	return nil
}

func (q *AsynqQueue) Resume(ctx context.Context) error {
	for name := range QueueConfig() {
		if err := q.inspector.UnpauseQueue(name); err != nil {
			return err
		}
	}
	return nil
}

func (q *AsynqQueue) ClearFailed(ctx context.Context) (int, error) {
	total := 0
	for name := range QueueConfig() {
		n, err := q.inspector.DeleteAllArchivedTasks(name)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (q *AsynqQueue) RetryFailed(ctx context.Context) (int, error) {
	total := 0
	for name := range QueueConfig() {
		n, err := q.inspector.RunAllArchivedTasks(name)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (q *AsynqQueue) Stats(ctx context.Context) (QueueStats, error) {
	var out QueueStats
	for name := range QueueConfig() {
		info, err := q.inspector.GetQueueInfo(name)
		if err != nil {
			return out, err
		}
		out.Waiting += int64(info.Pending)
		out.Active += int64(info.Active)
		out.Completed += int64(info.Completed)
		out.Failed += int64(info.Archived)
		out.Delayed += int64(info.Scheduled)
	}
	return out, nil
}

// Ready probes broker connectivity with a PING.
func (q *AsynqQueue) Ready(ctx context.Context) bool {
	if q.redis == nil {
		_, err := q.inspector.Queues()
		return err == nil
	}
	return q.redis.Ping(ctx).Err() == nil
}

func (q *AsynqQueue) Close() error {
	if q.redis != nil {
		_ = q.redis.Close()
	}
	_ = q.inspector.Close()
	return q.client.Close()
}
