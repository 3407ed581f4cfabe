// Package delayqueue implements a persistent delay queue with lag-bounded
// dispatch. Jobs are stored in a Redis sorted set scored
// by due time (the pattern internal/tasks.Scheduler uses a SQL store's
// GetDueTasks/AcquireExecution for; here the durable store is Redis,
// adopted the way the goa-ai example repo's registry package drives a
// sorted/keyed Redis structure from a *redis.Client) and drained by a
// single poll loop, the same ticker-driven shape
// internal/tasks.Scheduler.pollLoop uses.
package delayqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sentra/agent/internal/orchestrator"
)

const (
	defaultQueueKey = "sentra:delayqueue:jobs"
	defaultJobKey   = "sentra:delayqueue:job:"
)

// Job is the durable delayed-job record: {jobId, dueAtMs, payload, attempts}.
type Job struct {
	JobID    string          `json:"jobId"`
	DueAtMs  int64           `json:"dueAtMs"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
}

// RunJob reconstructs the synthesized IncomingMessage from a Job's payload
// and the caller's cached history/context, then drives it through the
// normal Turn Pipeline. Returning an error signals a retryable failure;
// callers track attempts via the Job itself.
type RunJob func(ctx context.Context, job Job) error

// BusyChecker reports whether the job's target conversation already has an
// active task, so the worker can defer bounded by MaxLagMs rather than
// starting a second concurrent Turn for the sender.
type BusyChecker func(convID orchestrator.ConversationID) bool

// Config tunes poll cadence, lag tolerance, and retry/drop policy.
type Config struct {
	PollInterval time.Duration // DELAY_QUEUE_POLL_INTERVAL_MS
	MaxLag       time.Duration // DELAY_QUEUE_MAX_LAG_MS
	MaxAttempts  int
	RetryBackoff time.Duration

	QueueKey string
	JobKey   string

	Logger *slog.Logger
}

// DefaultConfig returns the ~1s poll cadence used as the default.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		MaxLag:       60 * time.Second,
		MaxAttempts:  5,
		RetryBackoff: 10 * time.Second,
		QueueKey:     defaultQueueKey,
		JobKey:       defaultJobKey,
	}
}

// Worker is the background poll loop that dispatches due jobs.
type Worker struct {
	rdb    *redis.Client
	cfg    Config
	run    RunJob
	busy   BusyChecker
	convID func(Job) orchestrator.ConversationID
	logger *slog.Logger
}

// NewWorker wires a Redis client to the run/busy callbacks. convIDOf maps a
// Job to the ConversationID the busy check and the per-task admission gate
// key off of.
func NewWorker(rdb *redis.Client, cfg Config, run RunJob, busy BusyChecker, convIDOf func(Job) orchestrator.ConversationID) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxLag <= 0 {
		cfg.MaxLag = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Second
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = defaultQueueKey
	}
	if cfg.JobKey == "" {
		cfg.JobKey = defaultJobKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		rdb:    rdb,
		cfg:    cfg,
		run:    run,
		busy:   busy,
		convID: convIDOf,
		logger: logger.With("component", "delay-queue"),
	}
}

// Enqueue persists a job due at dueAt, scored in the sorted set by
// dueAtMs.
func (w *Worker) Enqueue(ctx context.Context, payload json.RawMessage, dueAt time.Time) (string, error) {
	job := Job{
		JobID:   uuid.NewString(),
		DueAtMs: dueAt.UnixMilli(),
		Payload: payload,
	}
	if err := w.persist(ctx, job); err != nil {
		return "", err
	}
	return job.JobID, nil
}

func (w *Worker) persist(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := w.rdb.TxPipeline()
	pipe.Set(ctx, w.cfg.JobKey+job.JobID, data, 0)
	pipe.ZAdd(ctx, w.cfg.QueueKey, redis.Z{Score: float64(job.DueAtMs), Member: job.JobID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	return nil
}

func (w *Worker) remove(ctx context.Context, jobID string) {
	pipe := w.rdb.TxPipeline()
	pipe.ZRem(ctx, w.cfg.QueueKey, jobID)
	pipe.Del(ctx, w.cfg.JobKey+jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Warn("failed to remove completed job", "job_id", jobID, "error", err)
	}
}

// Run polls every PollInterval, pulling jobs whose dueAtMs <= now and
// dispatching each through RunJob, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	now := time.Now()
	ids, err := w.rdb.ZRangeByScore(ctx, w.cfg.QueueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		w.logger.Error("failed to poll due jobs", "error", err)
		return
	}

	for _, id := range ids {
		raw, err := w.rdb.Get(ctx, w.cfg.JobKey+id).Result()
		if err == redis.Nil {
			// Job record vanished out from under the index entry; drop the
			// orphaned index entry rather than loop on it forever.
			w.rdb.ZRem(ctx, w.cfg.QueueKey, id)
			continue
		}
		if err != nil {
			w.logger.Error("failed to load job", "job_id", id, "error", err)
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			w.logger.Error("failed to decode job, dropping", "job_id", id, "error", err)
			w.remove(ctx, id)
			continue
		}

		w.dispatch(ctx, job, now)
	}
}

func (w *Worker) dispatch(ctx context.Context, job Job, now time.Time) {
	convID := w.convID(job)
	if w.busy != nil && w.busy(convID) {
		lag := now.Sub(time.UnixMilli(job.DueAtMs))
		if lag > w.cfg.MaxLag {
			w.logger.Warn("job exceeded max lag while busy, retrying with backoff", "job_id", job.JobID, "lag", lag)
			w.requeueWithBackoff(ctx, job)
			return
		}
		// Still within budget: leave it in the sorted set, due now, to be
		// re-polled next tick once the conversation frees up.
		return
	}

	if err := w.run(ctx, job); err != nil {
		w.logger.Warn("job execution failed", "job_id", job.JobID, "attempts", job.Attempts, "error", err)
		w.requeueWithBackoff(ctx, job)
		return
	}

	w.remove(ctx, job.JobID)
}

func (w *Worker) requeueWithBackoff(ctx context.Context, job Job) {
	job.Attempts++
	if job.Attempts >= w.cfg.MaxAttempts {
		w.logger.Warn("job exceeded max attempts, dropping", "job_id", job.JobID, "attempts", job.Attempts)
		w.remove(ctx, job.JobID)
		return
	}
	job.DueAtMs = time.Now().Add(w.cfg.RetryBackoff).UnixMilli()
	if err := w.persist(ctx, job); err != nil {
		w.logger.Error("failed to requeue job", "job_id", job.JobID, "error", err)
	}
}
