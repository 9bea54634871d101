// Package lock implements a distributed mutex on top of a revisioned
// key-value bucket. A holder writes its token with a create-if-absent write,
// keeps the record alive while it works and purges it on release. Waiters are
// woken by a shared watch on the bucket, with backoff polling as a fallback.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/natsflow/broker"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
)

const (
	DefaultBucket     = "natsflow-locks"
	DefaultTTL        = 30 * time.Second
	DefaultBackoffMin = 10 * time.Millisecond
	DefaultBackoffMax = time.Second
)

// Options configures a Locker.
type Options struct {
	Broker broker.Broker
	Bucket string
	// TTL is the lifetime of a record that stops being renewed.
	TTL        time.Duration
	BackoffMin time.Duration
	BackoffMax time.Duration
	// Owner prefixes every holder token. Defaults to a fresh ULID.
	Owner  string
	Logger loggingpkg.ServiceLogger
}

func (o Options) withDefaults() Options {
	if o.Bucket == "" {
		o.Bucket = DefaultBucket
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = DefaultBackoffMin
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = o.BackoffMin
	}
	if o.Owner == "" {
		o.Owner = ids.CreateULID()
	}
	o.Logger = loggingpkg.OrNop(o.Logger)
	return o
}

// Locker hands out leases on keys of one bucket.
type Locker struct {
	opts     Options
	kv       broker.KeyValue
	observer *observer
	logger   loggingpkg.ServiceLogger
	seq      atomic.Uint64
}

// New opens the lock bucket, provisioning it with the lease TTL when the
// broker supports it.
func New(ctx context.Context, opts Options) (*Locker, error) {
	if opts.Broker == nil {
		return nil, errspkg.ErrBrokerRequired
	}
	opts = opts.withDefaults()

	if p, ok := opts.Broker.(broker.Provisioner); ok {
		if err := p.EnsureBucket(ctx, broker.BucketSpec{Name: opts.Bucket, TTL: opts.TTL}); err != nil {
			return nil, fmt.Errorf("ensure lock bucket %q: %w", opts.Bucket, err)
		}
	}
	kv, err := opts.Broker.KeyValue(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open lock bucket %q: %w", opts.Bucket, err)
	}

	return &Locker{
		opts:     opts,
		kv:       kv,
		observer: newObserver(),
		logger:   opts.Logger.With(loggingpkg.LogFields{"lock_bucket": opts.Bucket, "lock_owner": opts.Owner}),
	}, nil
}

// Owner returns the prefix of this locker's holder tokens.
func (l *Locker) Owner() string { return l.opts.Owner }

func (l *Locker) token() string {
	return fmt.Sprintf("%s:%d", l.opts.Owner, l.seq.Add(1))
}

// TryAcquire makes a single attempt. A held key reports false with no error.
func (l *Locker) TryAcquire(ctx context.Context, key string) (*Lease, bool, error) {
	if key == "" {
		return nil, false, errspkg.ErrLockKeyRequired
	}
	lease, err := l.tryCreate(ctx, key, l.token())
	if err != nil {
		return nil, false, err
	}
	return lease, lease != nil, nil
}

// tryCreate returns a nil lease on contention.
func (l *Locker) tryCreate(ctx context.Context, key, token string) (*Lease, error) {
	rev, err := l.kv.Create(ctx, key, []byte(token))
	switch {
	case err == nil:
		l.logger.Debug("Lock acquired", loggingpkg.LogFields{"lock_key": key, "revision": rev})
		return newLease(l.kv, key, token, rev, renewInterval(l.opts.TTL), l.logger), nil
	case broker.IsConflict(err):
		return nil, nil
	default:
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
}

// Acquire blocks until key is held, ctx is done or timeout elapses. A
// timeout of zero waits for ctx alone. Running out of time yields a
// *errors.TimeoutError wrapping ErrLockTimeout; broker failures are returned
// as they are.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration) (*Lease, error) {
	if key == "" {
		return nil, errspkg.ErrLockKeyRequired
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	token := l.token()
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = l.opts.BackoffMin
	retry.MaxInterval = l.opts.BackoffMax

	for {
		// Register before trying so a release between a failed create and
		// the wait still wakes us.
		w := l.observer.register(key)
		lease, err := l.tryCreate(ctx, key, token)
		if err != nil || lease != nil {
			l.observer.unregister(key, w)
			if err != nil && ctx.Err() != nil {
				return nil, l.expired(ctx, key, timeout)
			}
			return lease, err
		}

		wait := clamp(retry.NextBackOff(), l.opts.BackoffMin, l.opts.BackoffMax)
		timer := time.NewTimer(wait)
		select {
		case <-w.ch:
			retry.Reset()
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
		l.observer.unregister(key, w)

		if ctx.Err() != nil {
			return nil, l.expired(ctx, key, timeout)
		}
	}
}

func (l *Locker) expired(ctx context.Context, key string, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &errspkg.TimeoutError{Subject: key, After: timeout, Err: errspkg.ErrLockTimeout}
	}
	return ctx.Err()
}

// Run watches the bucket and wakes waiters whose key was released. It returns
// when ctx is done. Without Run, waiters fall back to backoff polling.
func (l *Locker) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = l.opts.BackoffMin
	retry.MaxInterval = l.opts.BackoffMax

	for {
		w, err := l.kv.Watch(ctx, ">")
		if err == nil {
			retry.Reset()
			l.logger.Debug("Lock observer watching", nil)
			l.observe(ctx, w)
			_ = w.Stop()
		} else if ctx.Err() == nil {
			l.logger.Error("Lock observer watch failed", err, nil)
		}
		if ctx.Err() != nil {
			return nil
		}

		// Events may have been missed while the watch was down.
		l.observer.releaseAll()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(clamp(retry.NextBackOff(), l.opts.BackoffMin, l.opts.BackoffMax)):
		}
	}
}

func (l *Locker) observe(ctx context.Context, w broker.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Updates():
			if !ok {
				return
			}
			if ev.Op == broker.KeyDelete || ev.Op == broker.KeyPurge {
				l.observer.release(ev.Key)
			}
		}
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
