package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/metrics"
)

const DefaultConcurrency = 3

// RecordVerifier is satisfied by *Verifier.
type RecordVerifier interface {
	Verify(ctx context.Context, rec *model.CanonicalRecord) Result
}

type Task struct {
	EventID  uuid.UUID
	Record   *model.CanonicalRecord
	Priority int
}

// ResultFunc receives each finished task. It is called concurrently from
// up to the queue's concurrency workers.
type ResultFunc func(eventID uuid.UUID, res Result)

type QueueStatus struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
}

// Queue is a priority queue of verification tasks drained by a bounded
// number of workers.
type Queue struct {
	verifier    RecordVerifier
	concurrency int
	logger      *slog.Logger

	mu         sync.Mutex
	tasks      []Task
	processing map[uuid.UUID]struct{}
}

func NewQueue(v RecordVerifier, concurrency int, logger *slog.Logger) *Queue {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		verifier:    v,
		concurrency: concurrency,
		logger:      logger.With("component", "verification_queue"),
		processing:  make(map[uuid.UUID]struct{}),
	}
}

func (q *Queue) Enqueue(task Task) {
	q.EnqueueBatch([]Task{task})
}

// EnqueueBatch adds tasks and keeps the queue ordered by descending
// priority; equal priorities keep insertion order.
func (q *Queue) EnqueueBatch(tasks []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, tasks...)
	sort.SliceStable(q.tasks, func(i, j int) bool {
		return q.tasks[i].Priority > q.tasks[j].Priority
	})
	q.publishLocked()
}

func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{Queued: len(q.tasks), Processing: len(q.processing)}
}

// Drain runs tasks until both the queue and the in-flight set are empty.
// Tasks enqueued while draining are picked up. On cancellation no new
// task is started; Drain waits for running workers and returns ctx.Err().
func (q *Queue) Drain(ctx context.Context, onResult ResultFunc) error {
	slots := make(chan struct{}, q.concurrency)
	for {
		var g errgroup.Group
	fill:
		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				break fill
			}
			if ctx.Err() != nil {
				<-slots
				break
			}
			task, ok := q.pop()
			if !ok {
				<-slots
				break
			}
			g.Go(func() error {
				defer func() { <-slots }()
				defer q.finish(task.EventID)
				onResult(task.EventID, q.run(ctx, task))
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		if q.Status().Queued == 0 {
			return nil
		}
	}
}

// pop takes the highest-priority task, dropping tasks whose event is
// already in flight.
func (q *Queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) > 0 {
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		if _, busy := q.processing[task.EventID]; busy {
			q.logger.Debug("skipping task already in flight", "event_id", task.EventID)
			continue
		}
		q.processing[task.EventID] = struct{}{}
		q.publishLocked()
		return task, true
	}
	q.publishLocked()
	return Task{}, false
}

func (q *Queue) finish(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, id)
	q.publishLocked()
}

// run converts a panicking verification into an unverified result.
func (q *Queue) run(ctx context.Context, task Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("verification panicked", "event_id", task.EventID, "panic", r)
			res = Failed("", 0, KindInternal, fmt.Sprintf("panic: %v", r))
		}
	}()
	if task.Record == nil {
		return Failed("", 0, KindInternal, "task has no record")
	}
	return q.verifier.Verify(ctx, task.Record)
}

func (q *Queue) publishLocked() {
	metrics.QueueDepth.WithLabelValues("queued").Set(float64(len(q.tasks)))
	metrics.QueueDepth.WithLabelValues("processing").Set(float64(len(q.processing)))
}
