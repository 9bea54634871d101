package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/natsflow/broker"
	"github.com/drblury/natsflow/broker/memory"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
	"github.com/drblury/natsflow/internal/runtime/toolbox"
)

type harness struct {
	broker  *memory.Broker
	toolbox *toolbox.Toolbox
}

func newHarness(t *testing.T, ackWait time.Duration) *harness {
	t.Helper()
	b := memory.New(memory.Config{AckWait: ackWait, FetchMaxWait: 20 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = b.Close() })
	tb, err := toolbox.New(toolbox.Options{Broker: b})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, broker.Provision(ctx, b,
		[]broker.StreamSpec{{Name: "JOBS", Subjects: []string{"jobs.>"}}},
		[]broker.ConsumerSpec{{Stream: "JOBS", Name: "worker"}},
	))
	return &harness{broker: b, toolbox: tb}
}

func rawDecoder(data []byte, _ nats.Header) (any, error) { return string(data), nil }

func rawEncoder(result any, _ nats.Header) ([]byte, error) {
	s, _ := result.(string)
	return []byte(s), nil
}

// start runs e until the test ends.
func start(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func durableOptions(h *harness, d Dispatcher) Options {
	return Options{
		Name:              "jobs",
		Kind:              KindCommand,
		MessageType:       "string",
		Stream:            "JOBS",
		Consumer:          "worker",
		KeepAliveInterval: 20 * time.Millisecond,
		Decode:            rawDecoder,
		Dispatcher:        d,
		Toolbox:           h.toolbox,
	}
}

func TestKeepAlivePreventsRedelivery(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	var calls atomic.Int32

	opts := durableOptions(h, DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
		calls.Add(1)
		time.Sleep(350 * time.Millisecond)
		return nil, nil
	}))
	opts.Concurrency = 2
	e, err := New(opts)
	require.NoError(t, err)
	start(t, e)

	require.NoError(t, h.toolbox.PublishDurable(context.Background(), &nats.Msg{Subject: "jobs.slow"}, ""))

	require.Eventually(t, func() bool {
		stats, err := h.broker.ConsumerStats("JOBS", "worker")
		return err == nil && stats.Acked == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats, err := h.broker.ConsumerStats("JOBS", "worker")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Redelivered)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), e.Stats().Snapshot().MessagesProcessed)
}

func TestWithoutKeepAliveSlowDispatchIsRedelivered(t *testing.T) {
	h := newHarness(t, 60*time.Millisecond)
	var calls atomic.Int32

	opts := durableOptions(h, DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		return nil, nil
	}))
	opts.Concurrency = 2
	opts.KeepAliveInterval = time.Hour
	e, err := New(opts)
	require.NoError(t, err)
	start(t, e)

	require.NoError(t, h.toolbox.PublishDurable(context.Background(), &nats.Msg{Subject: "jobs.slow"}, ""))

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	stats, err := h.broker.ConsumerStats("JOBS", "worker")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Redelivered, 1)
}

func TestFailureDoesNotStopWorker(t *testing.T) {
	h := newHarness(t, time.Minute)
	var seen sync.Map

	e, err := New(durableOptions(h, DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
		seen.Store(msg, true)
		if msg == "bad" {
			return nil, errors.New("boom")
		}
		return nil, nil
	})))
	require.NoError(t, err)
	start(t, e)

	ctx := context.Background()
	require.NoError(t, h.toolbox.PublishDurable(ctx, &nats.Msg{Subject: "jobs.a", Data: []byte("bad")}, ""))
	require.NoError(t, h.toolbox.PublishDurable(ctx, &nats.Msg{Subject: "jobs.a", Data: []byte("good")}, ""))

	require.Eventually(t, func() bool {
		_, ok := seen.Load("good")
		return ok && e.Stats().Snapshot().MessagesProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := e.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap.MessagesFailed)
	assert.Equal(t, "boom", snap.LastError)

	stats, err := h.broker.ConsumerStats("JOBS", "worker")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Acked)
	assert.Equal(t, 1, stats.AckPending, "failed message is left for broker redelivery")
}

func TestNakOnFailure(t *testing.T) {
	h := newHarness(t, time.Minute)
	var calls atomic.Int32

	opts := durableOptions(h, DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}))
	opts.NakOnFailure = true
	e, err := New(opts)
	require.NoError(t, err)
	start(t, e)

	require.NoError(t, h.toolbox.PublishDurable(context.Background(), &nats.Msg{Subject: "jobs.a"}, ""))
	require.Eventually(t, func() bool {
		stats, err := h.broker.ConsumerStats("JOBS", "worker")
		return err == nil && stats.Acked == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats, _ := h.broker.ConsumerStats("JOBS", "worker")
	assert.Equal(t, 1, stats.Naked)
	assert.Equal(t, int32(2), calls.Load())
}

func TestErrorHeaderShortCircuits(t *testing.T) {
	h := newHarness(t, time.Minute)
	var calls atomic.Int32

	e, err := New(durableOptions(h, DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
		calls.Add(1)
		return nil, nil
	})))
	require.NoError(t, err)
	start(t, e)

	msg := nats.NewMsg("jobs.a")
	msg.Header.Set(metadatapkg.HeaderError, "upstream failed")
	require.NoError(t, h.toolbox.PublishDurable(context.Background(), msg, ""))

	require.Eventually(t, func() bool { return e.Stats().Snapshot().MessagesFailed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Contains(t, e.Stats().Snapshot().LastError, "upstream failed")
}

func TestPanicBecomesFailure(t *testing.T) {
	h := newHarness(t, time.Minute)
	e, err := New(durableOptions(h, DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
		panic("kaboom")
	})))
	require.NoError(t, err)
	start(t, e)

	require.NoError(t, h.toolbox.PublishDurable(context.Background(), &nats.Msg{Subject: "jobs.a"}, ""))
	require.Eventually(t, func() bool { return e.Stats().Snapshot().MessagesFailed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, e.Stats().Snapshot().LastError, "kaboom")
}

func TestConcurrencyRunsWorkersInParallel(t *testing.T) {
	h := newHarness(t, time.Minute)
	release := make(chan struct{})
	var active, peak atomic.Int32

	opts := durableOptions(h, DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return nil, nil
	}))
	opts.Concurrency = 4
	e, err := New(opts)
	require.NoError(t, err)
	start(t, e)

	for i := 0; i < 4; i++ {
		require.NoError(t, h.toolbox.PublishDurable(context.Background(), &nats.Msg{Subject: "jobs.a"}, ""))
	}
	require.Eventually(t, func() bool { return peak.Load() == 4 }, 2*time.Second, 10*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return e.Stats().Snapshot().MessagesProcessed == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(4), e.Stats().Snapshot().MaxInFlight)
}

func TestQuerySourceReplies(t *testing.T) {
	h := newHarness(t, time.Minute)
	e, err := New(Options{
		Name:    "echo",
		Kind:    KindQuery,
		Subject: "echo",
		Decode:  rawDecoder,
		Encode:  rawEncoder,
		Dispatcher: DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
			info, ok := MessageInfoFromContext(ctx)
			if !ok || info.Source != "echo" {
				return nil, errors.New("missing message info")
			}
			if msg == "fail" {
				return nil, errors.New("refused")
			}
			return "re:" + msg.(string), nil
		}),
		Toolbox: h.toolbox,
	})
	require.NoError(t, err)
	start(t, e)

	ctx := context.Background()
	var reply broker.Delivery
	require.Eventually(t, func() bool {
		reply, err = h.toolbox.Query(ctx, &nats.Msg{Subject: "echo", Data: []byte("hi")}, 200*time.Millisecond)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "re:hi", string(reply.Data()))

	_, err = h.toolbox.Query(ctx, &nats.Msg{Subject: "echo", Data: []byte("fail")}, time.Second)
	require.Error(t, err)
	assert.True(t, errspkg.IsRemote(err))
	assert.Contains(t, err.Error(), "refused")
}

func TestRequestSourceRepliesAndAcks(t *testing.T) {
	h := newHarness(t, time.Minute)
	opts := durableOptions(h, DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
		if msg == "fail" {
			return nil, errors.New("refused")
		}
		return "ok:" + msg.(string), nil
	}))
	opts.Kind = KindRequest
	opts.Encode = rawEncoder
	e, err := New(opts)
	require.NoError(t, err)
	start(t, e)

	ctx := context.Background()
	for _, tc := range []struct {
		payload string
		want    string
		remote  bool
	}{{"a", "ok:a", false}, {"fail", "", true}} {
		inbox := h.toolbox.Inbox()
		sub, err := h.toolbox.Subscribe(ctx, inbox, "")
		require.NoError(t, err)
		require.NoError(t, h.toolbox.PublishDurable(ctx, &nats.Msg{Subject: "jobs.req", Data: []byte(tc.payload)}, inbox))

		reply, err := h.toolbox.Await(ctx, sub, "jobs.req", 2*time.Second)
		if tc.remote {
			assert.True(t, errspkg.IsRemote(err))
		} else {
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(reply.Data()))
		}
		_ = sub.Close()
	}

	require.Eventually(t, func() bool {
		stats, err := h.broker.ConsumerStats("JOBS", "worker")
		return err == nil && stats.Acked == 2 && stats.AckPending == 0
	}, time.Second, 10*time.Millisecond)
}

func TestInFlightRequestRepliesDuringShutdown(t *testing.T) {
	h := newHarness(t, time.Minute)
	entered := make(chan struct{})
	release := make(chan struct{})
	opts := durableOptions(h, DispatcherFunc(func(_ context.Context, msg any) (any, error) {
		close(entered)
		<-release
		return "done:" + msg.(string), nil
	}))
	opts.Kind = KindRequest
	opts.Encode = rawEncoder
	e, err := New(opts)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- e.Run(runCtx) }()

	ctx := context.Background()
	inbox := h.toolbox.Inbox()
	sub, err := h.toolbox.Subscribe(ctx, inbox, "")
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, h.toolbox.PublishDurable(ctx, &nats.Msg{Subject: "jobs.req", Data: []byte("r-1")}, inbox))

	<-entered
	cancel()
	close(release)

	reply, err := h.toolbox.Await(ctx, sub, "jobs.req", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done:r-1", string(reply.Data()))

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	stats, err := h.broker.ConsumerStats("JOBS", "worker")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Acked)
	assert.Equal(t, 0, stats.AckPending)
}

func TestNewValidates(t *testing.T) {
	h := newHarness(t, time.Minute)
	d := DispatcherFunc(func(context.Context, any) (any, error) { return nil, nil })

	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"no toolbox", Options{Subject: "a", Decode: rawDecoder, Dispatcher: d}, errspkg.ErrBrokerRequired},
		{"no dispatcher", Options{Subject: "a", Decode: rawDecoder, Toolbox: h.toolbox}, errspkg.ErrDispatcherRequired},
		{"no decoder", Options{Subject: "a", Dispatcher: d, Toolbox: h.toolbox}, errspkg.ErrNoSerializer},
		{"query without encoder", Options{Kind: KindQuery, Subject: "a", Decode: rawDecoder, Dispatcher: d, Toolbox: h.toolbox}, errspkg.ErrNoSerializer},
		{"no subject", Options{Decode: rawDecoder, Dispatcher: d, Toolbox: h.toolbox}, errspkg.ErrSubjectRequired},
		{"no consumer", Options{Stream: "JOBS", Decode: rawDecoder, Dispatcher: d, Toolbox: h.toolbox}, errspkg.ErrConsumerRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errspkg.IsConfiguration(err))
		})
	}
}

func TestRunUnknownConsumer(t *testing.T) {
	h := newHarness(t, time.Minute)
	opts := durableOptions(h, DispatcherFunc(func(context.Context, any) (any, error) { return nil, nil }))
	opts.Consumer = "missing"
	e, err := New(opts)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Run(context.Background()), broker.ErrUnknownStream)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Dispatcher) Dispatcher {
			return DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
				order = append(order, name)
				return next.Dispatch(ctx, msg)
			})
		}
	}
	d := Chain(DispatcherFunc(func(context.Context, any) (any, error) {
		order = append(order, "handler")
		return nil, nil
	}), mw("outer"), nil, mw("inner"))

	_, err := d.Dispatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestKind(t *testing.T) {
	assert.True(t, KindQuery.Replies())
	assert.True(t, KindRequest.Replies())
	assert.False(t, KindEvent.Replies())
	assert.Equal(t, "event", KindEvent.String())
}
