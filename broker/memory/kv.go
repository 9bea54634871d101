package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drblury/natsflow/broker"
)

type kvEntry struct {
	value    []byte
	revision uint64
	expires  time.Time
}

// bucket is a revisioned key-value store. Expired entries are swept lazily
// on the next operation and reported to watchers as deletes.
type bucket struct {
	name string
	ttl  time.Duration

	mu       sync.Mutex
	revision uint64
	entries  map[string]*kvEntry
	watchers map[*watcher]struct{}
}

var _ broker.KeyValue = (*bucket)(nil)

// EnsureBucket creates the bucket or updates its TTL.
func (b *Broker) EnsureBucket(ctx context.Context, spec broker.BucketSpec) error {
	if spec.Name == "" {
		return errors.New("memory: bucket name is required")
	}
	b.mu.Lock()
	bk, ok := b.buckets[spec.Name]
	if !ok {
		b.buckets[spec.Name] = newBucket(spec.Name, spec.TTL)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	bk.mu.Lock()
	bk.ttl = spec.TTL
	bk.mu.Unlock()
	return nil
}

// KeyValue opens bucket, creating it with the configured BucketTTL when it
// has not been provisioned.
func (b *Broker) KeyValue(ctx context.Context, name string) (broker.KeyValue, error) {
	if b.isClosed() {
		return nil, broker.ErrClosed
	}
	if name == "" {
		return nil, errors.New("memory: bucket name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.buckets[name]
	if !ok {
		bk = newBucket(name, b.cfg.BucketTTL)
		b.buckets[name] = bk
	}
	return bk, nil
}

func newBucket(name string, ttl time.Duration) *bucket {
	return &bucket{
		name:     name,
		ttl:      ttl,
		entries:  make(map[string]*kvEntry),
		watchers: make(map[*watcher]struct{}),
	}
}

func (bk *bucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()
	bk.sweepLocked(time.Now())

	if _, ok := bk.entries[key]; ok {
		return 0, broker.ErrKeyExists
	}
	return bk.putLocked(key, value), nil
}

func (bk *bucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()
	bk.sweepLocked(time.Now())

	e, ok := bk.entries[key]
	if !ok {
		return 0, broker.ErrKeyNotFound
	}
	if e.revision != revision {
		return 0, broker.ErrWrongRevision
	}
	return bk.putLocked(key, value), nil
}

func (bk *bucket) Purge(ctx context.Context, key string, revision uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()
	bk.sweepLocked(time.Now())

	e, ok := bk.entries[key]
	if revision != 0 && (!ok || e.revision != revision) {
		return broker.ErrWrongRevision
	}
	delete(bk.entries, key)
	bk.revision++
	bk.emitLocked(broker.KeyEvent{Key: key, Revision: bk.revision, Op: broker.KeyPurge})
	return nil
}

func (bk *bucket) putLocked(key string, value []byte) uint64 {
	bk.revision++
	e := &kvEntry{value: append([]byte(nil), value...), revision: bk.revision}
	if bk.ttl > 0 {
		e.expires = time.Now().Add(bk.ttl)
	}
	bk.entries[key] = e
	bk.emitLocked(broker.KeyEvent{Key: key, Revision: e.revision, Op: broker.KeyPut})
	return e.revision
}

func (bk *bucket) sweepLocked(now time.Time) {
	for key, e := range bk.entries {
		if e.expires.IsZero() || now.Before(e.expires) {
			continue
		}
		delete(bk.entries, key)
		bk.emitLocked(broker.KeyEvent{Key: key, Revision: e.revision, Op: broker.KeyDelete})
	}
}

func (bk *bucket) emitLocked(ev broker.KeyEvent) {
	for w := range bk.watchers {
		if subjectMatches(w.pattern, ev.Key) {
			w.push(ev)
		}
	}
}

// Watch streams changes to keys matching pattern. Only changes made after
// the call are reported.
func (bk *bucket) Watch(ctx context.Context, pattern string) (broker.Watcher, error) {
	if pattern == "" {
		pattern = ">"
	}
	w := &watcher{
		bucket:  bk,
		pattern: pattern,
		out:     make(chan broker.KeyEvent),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	bk.mu.Lock()
	bk.watchers[w] = struct{}{}
	bk.mu.Unlock()

	go w.pump(ctx)
	return w, nil
}

func (bk *bucket) removeWatcher(w *watcher) {
	bk.mu.Lock()
	delete(bk.watchers, w)
	bk.mu.Unlock()
}

func (bk *bucket) stopWatchers() {
	bk.mu.Lock()
	watchers := make([]*watcher, 0, len(bk.watchers))
	for w := range bk.watchers {
		watchers = append(watchers, w)
	}
	bk.mu.Unlock()
	for _, w := range watchers {
		_ = w.Stop()
	}
}

type watcher struct {
	bucket  *bucket
	pattern string
	out     chan broker.KeyEvent

	mu     sync.Mutex
	queue  []broker.KeyEvent
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (w *watcher) push(ev broker.KeyEvent) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	notify(w.signal)
}

// pump forwards queued events so that slow readers never block writers.
func (w *watcher) pump(ctx context.Context) {
	defer close(w.out)
	defer w.bucket.removeWatcher(w)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.signal:
		}

		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, ev := range batch {
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
		}
	}
}

func (w *watcher) Updates() <-chan broker.KeyEvent { return w.out }

func (w *watcher) Stop() error {
	w.once.Do(func() { close(w.done) })
	return nil
}
