package settlementd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"

	"daisychain/observability"
)

var bucketTasks = []byte("settlement_tasks")

// Task is one persisted settlement unit of work: a completed-order event plus
// its retry bookkeeping.
type Task struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	NotBefore  time.Time       `json:"not_before"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue is a durable work queue for settlement tasks. The webhook handler
// persists the event and acknowledges immediately; the worker drains tasks
// with bounded retries and exponential backoff, so a transient store failure
// does not depend on upstream redelivery to recover.
type Queue struct {
	db          *bbolt.DB
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	metrics     *observability.SettlementdMetrics
	clock       func() time.Time
}

// NewQueue opens (or creates) the queue database.
func NewQueue(path string, maxAttempts int, backoff time.Duration, logger *slog.Logger) (*Queue, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Queue{
		db:          db,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
		metrics:     observability.Settlementd(),
		clock:       time.Now,
	}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue persists a new task and returns its id.
func (q *Queue) Enqueue(payload []byte) (string, error) {
	now := q.clock().UTC()
	task := Task{
		ID:         uuid.NewString(),
		Payload:    append(json.RawMessage(nil), payload...),
		NotBefore:  now,
		EnqueuedAt: now,
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	err = q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), raw)
	})
	if err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	q.publishDepth()
	return task.ID, nil
}

// Depth returns the number of persisted tasks.
func (q *Queue) Depth() (int, error) {
	var depth int
	err := q.db.View(func(tx *bbolt.Tx) error {
		depth = tx.Bucket(bucketTasks).Stats().KeyN
		return nil
	})
	return depth, err
}

func (q *Queue) publishDepth() {
	depth, err := q.Depth()
	if err != nil {
		return
	}
	q.metrics.SetQueueDepth(depth)
}

func (q *Queue) due(now time.Time) ([]Task, error) {
	var tasks []Task
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, raw []byte) error {
			var task Task
			if err := json.Unmarshal(raw, &task); err != nil {
				return err
			}
			if !task.NotBefore.After(now) {
				tasks = append(tasks, task)
			}
			return nil
		})
	})
	return tasks, err
}

func (q *Queue) complete(id string) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
	q.publishDepth()
	return err
}

// reschedule pushes the task's next attempt out by backoff doubling per
// attempt, or drops it once the attempt budget is spent.
func (q *Queue) reschedule(task Task) error {
	task.Attempts++
	if task.Attempts >= q.maxAttempts {
		q.logger.Error("settlement task dropped after final attempt",
			"task_id", task.ID, "attempts", task.Attempts)
		q.metrics.RecordQueueDropped()
		return q.complete(task.ID)
	}
	delay := q.backoff
	for i := 1; i < task.Attempts; i++ {
		delay *= 2
	}
	task.NotBefore = q.clock().UTC().Add(delay)
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	q.metrics.RecordQueueRetry()
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), raw)
	})
}

// Run drains the queue until the context is cancelled, invoking handler for
// each due task. A nil handler result completes the task; an error
// reschedules it within the attempt budget.
func (q *Queue) Run(ctx context.Context, poll time.Duration, handler func(context.Context, Task) error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainOnce(ctx, handler)
		}
	}
}

func (q *Queue) drainOnce(ctx context.Context, handler func(context.Context, Task) error) {
	tasks, err := q.due(q.clock().UTC())
	if err != nil {
		q.logger.Error("queue scan failed", "error", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := handler(ctx, task); err != nil {
			q.logger.Warn("settlement task failed", "task_id", task.ID, "attempt", task.Attempts+1, "error", err)
			if err := q.reschedule(task); err != nil {
				q.logger.Error("task reschedule failed", "task_id", task.ID, "error", err)
			}
			continue
		}
		if err := q.complete(task.ID); err != nil {
			q.logger.Error("task completion failed", "task_id", task.ID, "error", err)
		}
	}
}
