/**
 * @description
 * Package queue defines the job queue contract used between the synchronous
 * admission path and the asynchronous workers: at-least-once delivery, bounded
 * concurrency and an explicit retry/backoff policy per job.
 */

package queue

import (
	"context"
	"errors"
	"time"
)

var ErrNoJobID = errors.New("queue returned no job id")

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff is the retry delay policy for a job.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// DelayFor returns the wait before the given retry attempt (1-based: the delay before
// the second delivery is DelayFor(1)).
func (b Backoff) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > time.Hour {
			return time.Hour
		}
	}
	return d
}

// Options controls delivery of a single job.
type Options struct {
	Attempts int
	Backoff  Backoff
}

func (o Options) normalized() Options {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	return o
}

// Job is one delivery of an enqueued job.
type Job struct {
	ID          string
	Queue       string
	Type        string
	Payload     []byte
	Attempt     int
	MaxAttempts int
	Backoff     Backoff
	EnqueuedAt  time.Time
}

// LastAttempt reports whether a failure of this delivery exhausts the job.
func (j Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Handler processes one delivery. A returned error schedules a retry according to
// the job's policy until attempts are exhausted.
type Handler func(ctx context.Context, job Job) error

type Enqueuer interface {
	Enqueue(ctx context.Context, queue, jobType string, payload any, opts Options) (string, error)
}

type Consumer interface {
	Consume(ctx context.Context, queue, jobType string, handler Handler, concurrency int) error
}

// Queue is implemented by transports offering both sides.
type Queue interface {
	Enqueuer
	Consumer
	Close()
}
