package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/natsflow/broker"
)

func TestKeyValueCreateUpdatePurge(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()
	kv, err := b.KeyValue(ctx, "locks")
	require.NoError(t, err)

	rev, err := kv.Create(ctx, "a", []byte("owner-1"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "a", []byte("owner-2"))
	assert.ErrorIs(t, err, broker.ErrKeyExists)
	assert.True(t, broker.IsConflict(err))

	next, err := kv.Update(ctx, "a", []byte("owner-1"), rev)
	require.NoError(t, err)
	assert.Greater(t, next, rev)

	_, err = kv.Update(ctx, "a", []byte("owner-1"), rev)
	assert.ErrorIs(t, err, broker.ErrWrongRevision)

	assert.ErrorIs(t, kv.Purge(ctx, "a", rev), broker.ErrWrongRevision)
	require.NoError(t, kv.Purge(ctx, "a", next))

	_, err = kv.Update(ctx, "a", nil, next)
	assert.ErrorIs(t, err, broker.ErrKeyNotFound)

	_, err = kv.Create(ctx, "a", []byte("owner-2"))
	assert.NoError(t, err)
}

func TestKeyValueTTLExpiry(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()
	require.NoError(t, b.EnsureBucket(ctx, broker.BucketSpec{Name: "short", TTL: 30 * time.Millisecond}))
	kv, err := b.KeyValue(ctx, "short")
	require.NoError(t, err)

	rev, err := kv.Create(ctx, "k", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	_, err = kv.Create(ctx, "k", nil)
	assert.NoError(t, err, "expired entry should not block create")
	assert.ErrorIs(t, kv.Purge(ctx, "k", rev), broker.ErrWrongRevision)
}

func TestKeyValueWatch(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	kv, err := b.KeyValue(ctx, "locks")
	require.NoError(t, err)
	w, err := kv.Watch(ctx, "orders.*")
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	rev, err := kv.Create(ctx, "orders.1", nil)
	require.NoError(t, err)
	_, err = kv.Create(ctx, "users.1", nil)
	require.NoError(t, err)
	require.NoError(t, kv.Purge(ctx, "orders.1", rev))

	var got []broker.KeyEvent
	for len(got) < 2 {
		select {
		case ev := <-w.Updates():
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, broker.KeyPut, got[0].Op)
	assert.Equal(t, "orders.1", got[0].Key)
	assert.Equal(t, broker.KeyPurge, got[1].Op)
}

func TestWatcherStopClosesUpdates(t *testing.T) {
	b := newTestBroker(t, Config{})
	kv, err := b.KeyValue(context.Background(), "locks")
	require.NoError(t, err)
	w, err := kv.Watch(context.Background(), ">")
	require.NoError(t, err)
	require.NoError(t, w.Stop())

	select {
	case _, ok := <-w.Updates():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("updates channel not closed")
	}
}
