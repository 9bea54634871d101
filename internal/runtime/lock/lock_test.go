package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/natsflow/broker"
	"github.com/drblury/natsflow/broker/memory"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
)

func newBroker(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.New(memory.Config{}, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// newLocker builds a locker on b and runs its observer until the test ends.
func newLocker(t *testing.T, b broker.Broker, opts Options) *Locker {
	t.Helper()
	opts.Broker = b
	l, err := New(context.Background(), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, l.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestMutualExclusion(t *testing.T) {
	b := newBroker(t)
	var holders, maxHolders, total atomic.Int32

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		l := newLocker(t, b, Options{BackoffMin: time.Millisecond, BackoffMax: 20 * time.Millisecond})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				lease, err := l.Acquire(context.Background(), "counter", 5*time.Second)
				if !assert.NoError(t, err) {
					return
				}
				n := holders.Add(1)
				for {
					m := maxHolders.Load()
					if n <= m || maxHolders.CompareAndSwap(m, n) {
						break
					}
				}
				total.Add(1)
				time.Sleep(time.Millisecond)
				holders.Add(-1)
				lease.Release(context.Background())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxHolders.Load())
	assert.Equal(t, int32(60), total.Load())
}

func TestAcquireTimeout(t *testing.T) {
	b := newBroker(t)
	holder := newLocker(t, b, Options{})
	waiter := newLocker(t, b, Options{BackoffMin: 5 * time.Millisecond, BackoffMax: 10 * time.Millisecond})

	lease, err := holder.Acquire(context.Background(), "job", time.Second)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	start := time.Now()
	_, err = waiter.Acquire(context.Background(), "job", 60*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errspkg.IsTimeout(err))
	assert.ErrorIs(t, err, errspkg.ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, waiter.observer.pending(), "waiter left registered")
}

func TestAcquireCancelled(t *testing.T) {
	b := newBroker(t)
	l := newLocker(t, b, Options{})
	lease, err := l.Acquire(context.Background(), "job", 0)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err = l.Acquire(ctx, "job", 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errspkg.IsTimeout(err))
}

func TestReleaseWakesWaiter(t *testing.T) {
	b := newBroker(t)
	first := newLocker(t, b, Options{})
	// Polling alone would take two seconds; the release event must wake the
	// waiter well before that.
	second := newLocker(t, b, Options{BackoffMin: 2 * time.Second, BackoffMax: 2 * time.Second})

	lease, err := first.Acquire(context.Background(), "report", time.Second)
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)
	go func() {
		l, err := second.Acquire(context.Background(), "report", 5*time.Second)
		assert.NoError(t, err)
		acquired <- l
	}()

	require.Eventually(t, func() bool { return second.observer.pending() == 1 }, time.Second, 5*time.Millisecond)
	released := time.Now()
	lease.Release(context.Background())

	select {
	case l := <-acquired:
		require.NotNil(t, l)
		assert.Less(t, time.Since(released), time.Second)
		assert.True(t, strings.HasPrefix(l.Token(), second.Owner()+":"))
		l.Release(context.Background())
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestTryAcquire(t *testing.T) {
	b := newBroker(t)
	l := newLocker(t, b, Options{})

	lease, ok, err := l.TryAcquire(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)

	again, ok, err := l.TryAcquire(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, again)

	lease.Release(context.Background())
	lease.Release(context.Background())

	next, ok, err := l.TryAcquire(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, lease.Token(), next.Token())
	next.Release(context.Background())

	_, _, err = l.TryAcquire(context.Background(), "")
	assert.ErrorIs(t, err, errspkg.ErrLockKeyRequired)
	_, err = l.Acquire(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, errspkg.ErrLockKeyRequired)
}

func TestRenewalKeepsLeaseAlive(t *testing.T) {
	b := newBroker(t)
	holder := newLocker(t, b, Options{TTL: 300 * time.Millisecond})
	other := newLocker(t, b, Options{TTL: 300 * time.Millisecond})

	lease, err := holder.Acquire(context.Background(), "long", time.Second)
	require.NoError(t, err)
	first := lease.Revision()

	require.Eventually(t, func() bool { return lease.Revision() > first }, 2*time.Second, 10*time.Millisecond)

	// Well past the TTL the record is still held.
	time.Sleep(500 * time.Millisecond)
	_, ok, err := other.TryAcquire(context.Background(), "long")
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case <-lease.Lost():
		t.Fatal("lease reported lost while renewing")
	default:
	}
	lease.Release(context.Background())

	_, ok, err = other.TryAcquire(context.Background(), "long")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredLeaseIsLostAndReleaseIsQuiet(t *testing.T) {
	b := newBroker(t)
	// A TTL shorter than the minimum renewal interval lets the record expire.
	l := newLocker(t, b, Options{TTL: 30 * time.Millisecond})

	lease, err := l.Acquire(context.Background(), "short", time.Second)
	require.NoError(t, err)

	select {
	case <-lease.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("expired lease not reported lost")
	}
	lease.Release(context.Background())

	next, ok, err := l.TryAcquire(context.Background(), "short")
	require.NoError(t, err)
	require.True(t, ok)
	next.Release(context.Background())
}

func TestReleaseAfterTakeoverKeepsNewHolder(t *testing.T) {
	b := newBroker(t)
	l := newLocker(t, b, Options{TTL: 30 * time.Millisecond})
	lease, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	<-lease.Lost()

	other := newLocker(t, b, Options{})
	taken, ok, err := other.TryAcquire(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	defer taken.Release(context.Background())

	lease.Release(context.Background())
	_, ok, err = l.TryAcquire(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok, "stale release must not remove the new holder")
}

type failingKV struct {
	broker.KeyValue
	createErr error
	watchErr  error
}

func (f failingKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return 0, f.createErr
}

func (f failingKV) Watch(ctx context.Context, keys string) (broker.Watcher, error) {
	return nil, f.watchErr
}

type kvBroker struct {
	broker.Broker
	kv broker.KeyValue
}

func (b kvBroker) KeyValue(context.Context, string) (broker.KeyValue, error) { return b.kv, nil }

func TestBrokerErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	b := kvBroker{Broker: newBroker(t), kv: failingKV{createErr: boom, watchErr: boom}}
	l, err := New(context.Background(), Options{Broker: b})
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errspkg.IsTimeout(err))
	assert.Zero(t, l.observer.pending())
}

func TestObserverRestartWakesWaiters(t *testing.T) {
	b := kvBroker{Broker: newBroker(t), kv: failingKV{watchErr: errors.New("watch down")}}
	l, err := New(context.Background(), Options{Broker: b, BackoffMin: time.Millisecond, BackoffMax: 5 * time.Millisecond})
	require.NoError(t, err)
	w := l.observer.register("k")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-w.ch:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken after failed watch")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.ErrorIs(t, err, errspkg.ErrBrokerRequired)
}

func TestNewProvisionsBucketTTL(t *testing.T) {
	b := newBroker(t)
	l, err := New(context.Background(), Options{Broker: b, Bucket: "locks", TTL: 40 * time.Millisecond})
	require.NoError(t, err)

	kv, err := b.KeyValue(context.Background(), "locks")
	require.NoError(t, err)
	_, err = kv.Create(context.Background(), "raw", []byte("x"))
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	_, ok, err := l.TryAcquire(context.Background(), "raw")
	require.NoError(t, err)
	assert.True(t, ok, "bucket TTL should have expired the raw record")
}

func TestObserver(t *testing.T) {
	o := newObserver()
	assert.False(t, o.release("nobody"))

	a := o.register("k")
	b := o.register("k")
	assert.Same(t, a, b)
	o.unregister("k", a)
	assert.Equal(t, 1, o.pending())

	assert.True(t, o.release("k"))
	<-b.ch
	o.unregister("k", b)
	assert.Zero(t, o.pending())

	c := o.register("k")
	assert.NotSame(t, a, c)
	o.releaseAll()
	<-c.ch
	assert.Zero(t, o.pending())
}

func TestRenewInterval(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, renewInterval(50*time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, renewInterval(time.Second))
	assert.Equal(t, time.Second, renewInterval(time.Minute))
}
