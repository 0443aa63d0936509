/**
 * @description
 * Package lock provides mutual exclusion over string keys backed by a shared
 * key/value store. A lock is a random token stored under the key with an expiry;
 * only the holder of the token may release it. The expiry is a safety net for
 * crashed holders, so critical sections must finish well inside the TTL.
 */

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Store is any shared store supporting atomic set-if-absent with expiry.
type Store interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// AcquireError is returned when all attempts to take a lock are exhausted.
type AcquireError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *AcquireError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lock %q not acquired after %d attempts: %v", e.Key, e.Attempts, e.Err)
	}
	return fmt.Sprintf("lock %q not acquired after %d attempts", e.Key, e.Attempts)
}

func (e *AcquireError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNotAcquired, e.Err}
	}
	return []error{ErrNotAcquired}
}

type Options struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

type Option func(*Options)

func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

func WithRetry(count int, delay time.Duration) Option {
	return func(o *Options) {
		o.RetryCount = count
		o.RetryDelay = delay
	}
}

func DefaultOptions() Options {
	return Options{
		TTL:        30 * time.Second,
		RetryCount: 10,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Locker is what callers depend on.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error, opts ...Option) error
}

// Manager implements Locker on top of a Store.
type Manager struct {
	store    Store
	defaults Options
	onFail   func(key string)
}

func NewManager(store Store, defaults Options) *Manager {
	if defaults.TTL <= 0 {
		defaults.TTL = DefaultOptions().TTL
	}
	if defaults.RetryCount < 0 {
		defaults.RetryCount = 0
	}
	if defaults.RetryDelay < 0 {
		defaults.RetryDelay = 0
	}
	return &Manager{store: store, defaults: defaults}
}

// OnAcquireFailure registers a hook invoked whenever a lock cannot be acquired.
func (m *Manager) OnAcquireFailure(hook func(key string)) {
	m.onFail = hook
}

// WithLock runs fn while holding the lock for key. The lock is released on every exit
// path, including a panic inside fn.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error, opts ...Option) (err error) {
	o := m.defaults
	for _, opt := range opts {
		opt(&o)
	}

	token := uuid.NewString()
	if err := m.acquire(ctx, key, token, o); err != nil {
		if m.onFail != nil {
			m.onFail(key)
		}
		return err
	}

	defer func() {
		// Release with a fresh context so a cancelled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := m.store.Release(releaseCtx, key, token); relErr != nil {
			logrus.WithFields(logrus.Fields{
				"component": "lock",
				"key":       key,
			}).WithError(relErr).Warn("lock release failed; relying on ttl")
		}
	}()

	return fn(ctx)
}

func (m *Manager) acquire(ctx context.Context, key, token string, o Options) error {
	attempts := o.RetryCount + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && o.RetryDelay > 0 {
			timer := time.NewTimer(o.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &AcquireError{Key: key, Attempts: i, Err: ctx.Err()}
			case <-timer.C:
			}
		}

		ok, err := m.store.Acquire(ctx, key, token, o.TTL)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
	}
	return &AcquireError{Key: key, Attempts: attempts, Err: lastErr}
}
