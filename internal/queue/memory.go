package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MemoryQueue is an in-process Queue backed by buffered channels and a worker pool.
// Jobs do not survive a restart; it serves tests and broker-less local runs.
type MemoryQueue struct {
	mu       sync.Mutex
	channels map[string]chan Job
	failed   []Job
	closed   bool
	wg       sync.WaitGroup
	buffer   int
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryQueue{
		channels: make(map[string]chan Job),
		buffer:   buffer,
	}
}

func channelKey(queue, jobType string) string {
	return queue + "/" + jobType
}

func (q *MemoryQueue) channel(queue, jobType string) chan Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := channelKey(queue, jobType)
	ch, ok := q.channels[key]
	if !ok {
		ch = make(chan Job, q.buffer)
		q.channels[key] = ch
	}
	return ch
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queue, jobType string, payload any, opts Options) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	opts = opts.normalized()
	job := Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Type:        jobType,
		Payload:     body,
		Attempt:     1,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := q.deliver(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *MemoryQueue) deliver(ctx context.Context, job Job) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return fmt.Errorf("queue closed")
	}
	select {
	case q.channel(job.Queue, job.Type) <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume starts concurrency workers for the queue and returns immediately. Workers
// stop when ctx is cancelled.
func (q *MemoryQueue) Consume(ctx context.Context, queue, jobType string, handler Handler, concurrency int) error {
	if handler == nil {
		return fmt.Errorf("nil handler for %s", channelKey(queue, jobType))
	}
	if concurrency < 1 {
		concurrency = 1
	}
	ch := q.channel(queue, jobType)
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-ch:
					q.run(ctx, job, handler)
				}
			}
		}()
	}
	return nil
}

func (q *MemoryQueue) run(ctx context.Context, job Job, handler Handler) {
	err := handler(ctx, job)
	if err == nil {
		return
	}

	entry := logrus.WithFields(logrus.Fields{
		"component": "memory_queue",
		"queue":     job.Queue,
		"job_type":  job.Type,
		"job_id":    job.ID,
		"attempt":   job.Attempt,
	}).WithError(err)

	if job.LastAttempt() {
		entry.Error("job exhausted retries")
		q.mu.Lock()
		q.failed = append(q.failed, job)
		q.mu.Unlock()
		return
	}

	delay := job.Backoff.DelayFor(job.Attempt)
	entry.WithField("retry_in", delay.String()).Warn("job failed; scheduling retry")

	next := job
	next.Attempt++
	time.AfterFunc(delay, func() {
		if derr := q.deliver(context.Background(), next); derr != nil {
			logrus.WithFields(logrus.Fields{"component": "memory_queue", "job_id": next.ID}).WithError(derr).Error("retry delivery failed")
		}
	})
}

// Failed returns the jobs that exhausted their attempts.
func (q *MemoryQueue) Failed() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.failed))
	copy(out, q.failed)
	return out
}

func (q *MemoryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Wait blocks until all workers have stopped.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}
