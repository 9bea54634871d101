package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/natsflow/broker"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
)

const (
	minRenewInterval = 100 * time.Millisecond
	maxRenewInterval = time.Second
)

// renewInterval is 30% of ttl clamped to [100ms, 1s].
func renewInterval(ttl time.Duration) time.Duration {
	return clamp(ttl*3/10, minRenewInterval, maxRenewInterval)
}

// Lease is a held lock. It is renewed in the background until released or
// lost.
type Lease struct {
	kv     broker.KeyValue
	key    string
	token  string
	logger loggingpkg.ServiceLogger

	revision atomic.Uint64

	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
	stopOnce sync.Once
	lostOnce sync.Once
}

func newLease(kv broker.KeyValue, key, token string, revision uint64, interval time.Duration, logger loggingpkg.ServiceLogger) *Lease {
	l := &Lease{
		kv:     kv,
		key:    key,
		token:  token,
		logger: logger.With(loggingpkg.LogFields{"lock_key": key, "lock_token": token}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	l.revision.Store(revision)
	go l.renew(interval)
	return l
}

// Key returns the locked key.
func (l *Lease) Key() string { return l.key }

// Token returns the holder token stored under the key.
func (l *Lease) Token() string { return l.token }

// Revision returns the store revision of the last successful write.
func (l *Lease) Revision() uint64 { return l.revision.Load() }

// Lost is closed when renewal finds the record gone or overwritten.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

func (l *Lease) renew(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		rev, err := l.kv.Update(ctx, l.key, []byte(l.token), l.revision.Load())
		cancel()
		switch {
		case err == nil:
			l.revision.Store(rev)
			l.logger.Trace("Lock renewed", loggingpkg.LogFields{"revision": rev})
		case errors.Is(err, broker.ErrWrongRevision), errors.Is(err, broker.ErrKeyNotFound):
			l.logger.Error("Lock lost", err, nil)
			l.lostOnce.Do(func() { close(l.lost) })
			return
		default:
			l.logger.Error("Lock renewal failed", err, nil)
		}
	}
}

// Release stops renewal and purges the record at the last known revision.
// Purge failures are logged; the bucket TTL removes the record eventually.
func (l *Lease) Release(ctx context.Context) {
	first := false
	l.stopOnce.Do(func() {
		first = true
		close(l.stop)
	})
	<-l.done
	if !first {
		return
	}

	select {
	case <-l.lost:
		return
	default:
	}
	if err := l.kv.Purge(ctx, l.key, l.revision.Load()); err != nil {
		l.logger.Error("Lock release failed", err, nil)
		return
	}
	l.logger.Debug("Lock released", nil)
}
