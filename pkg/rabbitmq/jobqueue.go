/**
 * @description
 * This package provides a RabbitMQ-backed job queue. Every (queue, job type) pair
 * gets three durable queues:
 *   - `<queue>.<type>`              work queue consumed by the workers
 *   - `<queue>.<type>.retry.<ms>`   one holding queue per backoff delay, declared on
 *                                   first use; its queue TTL dead-letters messages
 *                                   back to the work queue
 *   - `<queue>.<type>.failed`       jobs that exhausted their attempts
 *
 * RabbitMQ only expires messages at the head of a queue, so each delay gets its own
 * queue rather than mixing per-message expirations in one.
 *
 * Publishing uses publisher confirms so an enqueue only succeeds once the broker
 * has taken responsibility for the message.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - internal/queue: the Job/Handler contract shared with the in-memory queue.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/transfa/wallet-service/internal/queue"
)

const (
	headerAttempt      = "x-attempt"
	headerMaxAttempts  = "x-max-attempts"
	headerBackoffType  = "x-backoff-type"
	headerBackoffDelay = "x-backoff-delay-ms"
	headerLastError    = "x-last-error"
)

var ErrPublishNacked = errors.New("broker did not confirm publish")

// JobQueue implements queue.Queue on top of one AMQP connection.
type JobQueue struct {
	conn *amqp091.Connection

	mu       sync.Mutex
	pub      *amqp091.Channel
	declared map[string]bool
	channels []*amqp091.Channel
}

// NewJobQueue dials RabbitMQ and opens a confirm-mode publishing channel.
func NewJobQueue(amqpURL string) (*JobQueue, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	q := &JobQueue{conn: conn, declared: make(map[string]bool)}
	if err := q.reopenPublisher(); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *JobQueue) reopenPublisher() error {
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	q.pub = ch
	q.declared = make(map[string]bool)
	return nil
}

func workQueueName(queueName, jobType string) string {
	return queueName + "." + jobType
}

// retryQueueName is the holding queue for jobs of name waiting delay before redelivery.
func retryQueueName(name string, delay time.Duration) string {
	return name + ".retry." + strconv.FormatInt(max(delay.Milliseconds(), 1), 10)
}

// splitRetryQueue returns the work queue and delay encoded in a retry queue name.
func splitRetryQueue(routingKey string) (string, int64, bool) {
	i := strings.LastIndex(routingKey, ".retry.")
	if i <= 0 {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(routingKey[i+len(".retry."):], 10, 64)
	if err != nil || ms <= 0 {
		return "", 0, false
	}
	return routingKey[:i], ms, true
}

// declareTopology declares the work and failed queues for name.
func declareTopology(ch *amqp091.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	if _, err := ch.QueueDeclare(name+".failed", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s.failed: %w", name, err)
	}
	return nil
}

func declareRetryQueue(ch *amqp091.Channel, retryName, name string, delayMS int64) error {
	args := amqp091.Table{
		"x-message-ttl":             delayMS,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	}
	if _, err := ch.QueueDeclare(retryName, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare %s: %w", retryName, err)
	}
	return nil
}

// Enqueue publishes payload as a new job and returns its id once the broker confirms.
func (q *JobQueue) Enqueue(ctx context.Context, queueName, jobType string, payload any, opts queue.Options) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	id := uuid.NewString()
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    id,
		Type:         jobType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
		Headers: amqp091.Table{
			headerAttempt:      int32(1),
			headerMaxAttempts:  int32(opts.Attempts),
			headerBackoffType:  string(opts.Backoff.Type),
			headerBackoffDelay: opts.Backoff.Delay.Milliseconds(),
		},
	}
	if err := q.publish(ctx, workQueueName(queueName, jobType), msg); err != nil {
		return "", err
	}
	return id, nil
}

// publish sends msg to the default exchange and waits for the broker confirm. A
// failed publish reopens the channel once and retries.
func (q *JobQueue) publish(ctx context.Context, routingKey string, msg amqp091.Publishing) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.publishLocked(ctx, routingKey, msg)
	if err == nil || errors.Is(err, ErrPublishNacked) || ctx.Err() != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"component": "rabbitmq_jobqueue", "routing_key": routingKey}).
		WithError(err).Warn("publish failed; reopening channel")
	if q.pub != nil {
		q.pub.Close()
	}
	if rerr := q.reopenPublisher(); rerr != nil {
		return fmt.Errorf("reopen channel: %w (publish error: %v)", rerr, err)
	}
	return q.publishLocked(ctx, routingKey, msg)
}

func (q *JobQueue) publishLocked(ctx context.Context, routingKey string, msg amqp091.Publishing) error {
	base := baseQueueName(routingKey)
	if !q.declared[base] {
		if err := declareTopology(q.pub, base); err != nil {
			return err
		}
		q.declared[base] = true
	}
	if _, delayMS, ok := splitRetryQueue(routingKey); ok && !q.declared[routingKey] {
		if err := declareRetryQueue(q.pub, routingKey, base, delayMS); err != nil {
			return err
		}
		q.declared[routingKey] = true
	}

	conf, err := q.pub.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, false, false, msg)
	if err != nil {
		return err
	}
	if conf == nil {
		return nil
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPublishNacked
	}
	return nil
}

// baseQueueName maps a retry or failed routing key back to its work queue.
func baseQueueName(routingKey string) string {
	if name, _, ok := splitRetryQueue(routingKey); ok {
		return name
	}
	if name, ok := strings.CutSuffix(routingKey, ".failed"); ok && name != "" {
		return name
	}
	return routingKey
}

// Consume starts concurrency workers on a dedicated channel with prefetch equal to
// concurrency. It returns once the consumer is registered; workers stop when ctx
// is cancelled.
func (q *JobQueue) Consume(ctx context.Context, queueName, jobType string, handler queue.Handler, concurrency int) error {
	if handler == nil {
		return fmt.Errorf("nil handler for %s", workQueueName(queueName, jobType))
	}
	if concurrency < 1 {
		concurrency = 1
	}
	name := workQueueName(queueName, jobType)

	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}
	if err := declareTopology(ch, name); err != nil {
		ch.Close()
		return err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		ch.Close()
		return err
	}
	msgs, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}

	q.mu.Lock()
	q.channels = append(q.channels, ch)
	q.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					q.handle(ctx, queueName, name, d, handler)
				}
			}
		}()
	}
	go func() {
		<-ctx.Done()
		ch.Close()
	}()
	return nil
}

func (q *JobQueue) handle(ctx context.Context, queueName, name string, d amqp091.Delivery, handler queue.Handler) {
	job := jobFromDelivery(queueName, d)
	log := logrus.WithFields(logrus.Fields{
		"component": "rabbitmq_jobqueue",
		"queue":     name,
		"job_id":    job.ID,
		"attempt":   job.Attempt,
	})

	herr := handler(ctx, job)
	if herr == nil {
		_ = d.Ack(false)
		return
	}

	next := amqp091.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp091.Persistent,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Timestamp:    d.Timestamp,
		Body:         d.Body,
		Headers:      amqp091.Table{},
	}
	for k, v := range d.Headers {
		next.Headers[k] = v
	}
	next.Headers[headerLastError] = herr.Error()

	// Republishing must not be cut short by the worker shutting down.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var routingKey string
	if job.LastAttempt() {
		routingKey = name + ".failed"
		log.WithError(herr).Error("job exhausted retries; moving to failed queue")
	} else {
		delay := job.Backoff.DelayFor(job.Attempt)
		next.Headers[headerAttempt] = int32(job.Attempt + 1)
		routingKey = retryQueueName(name, delay)
		log.WithError(herr).WithField("retry_in", delay.String()).Warn("job failed; scheduling retry")
	}

	if err := q.publish(pubCtx, routingKey, next); err != nil {
		log.WithError(err).Error("failed to reschedule job; requeueing delivery")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func jobFromDelivery(queueName string, d amqp091.Delivery) queue.Job {
	maxAttempts := headerInt(d.Headers, headerMaxAttempts, 1)
	return queue.Job{
		ID:          d.MessageId,
		Queue:       queueName,
		Type:        d.Type,
		Payload:     d.Body,
		Attempt:     headerInt(d.Headers, headerAttempt, 1),
		MaxAttempts: maxAttempts,
		Backoff: queue.Backoff{
			Type:  queue.BackoffType(headerString(d.Headers, headerBackoffType)),
			Delay: time.Duration(headerInt(d.Headers, headerBackoffDelay, 0)) * time.Millisecond,
		},
		EnqueuedAt: d.Timestamp,
	}
}

func headerInt(h amqp091.Table, key string, def int) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func headerString(h amqp091.Table, key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}

// Close gracefully closes the channels and connection to RabbitMQ.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.channels {
		ch.Close()
	}
	if q.pub != nil {
		q.pub.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}

var _ queue.Queue = (*JobQueue)(nil)
