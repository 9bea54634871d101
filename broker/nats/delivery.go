package nats

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/natsflow/broker"
)

// coreDelivery adapts a core NATS message. There is nothing to acknowledge.
type coreDelivery struct {
	msg *nats.Msg
}

func (d coreDelivery) Subject() string      { return d.msg.Subject }
func (d coreDelivery) Reply() string        { return d.msg.Reply }
func (d coreDelivery) Headers() nats.Header { return d.msg.Header }
func (d coreDelivery) Data() []byte         { return d.msg.Data }
func (d coreDelivery) Ack() error           { return nil }
func (d coreDelivery) Nak() error           { return nil }
func (d coreDelivery) InProgress() error    { return nil }

type coreSubscription struct {
	sub *nats.Subscription
}

func (s *coreSubscription) Next(ctx context.Context) (broker.Delivery, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, mapError(err)
	}
	return coreDelivery{msg: msg}, nil
}

func (s *coreSubscription) Close() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

// pullSubscription fetches one message at a time from a durable consumer.
// jetstream.Msg already satisfies broker.Delivery.
type pullSubscription struct {
	consumer jetstream.Consumer
	maxWait  time.Duration
	done     chan struct{}
	once     sync.Once
}

func (s *pullSubscription) Next(ctx context.Context) (broker.Delivery, error) {
	select {
	case <-s.done:
		return nil, broker.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	wait := s.maxWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return nil, broker.ErrTimeout
	}

	msg, err := s.consumer.Next(jetstream.FetchMaxWait(wait))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, mapError(err)
	}
	return msg, nil
}

func (s *pullSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// wrongLastSequence is the JetStream API error code returned when an
// expected revision does not match.
const wrongLastSequence = 10071

type keyValue struct {
	kv jetstream.KeyValue
}

var _ broker.KeyValue = (*keyValue)(nil)

func (k *keyValue) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := k.kv.Create(ctx, key, value)
	return rev, mapKVError(err)
}

func (k *keyValue) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := k.kv.Update(ctx, key, value, revision)
	return rev, mapKVError(err)
}

func (k *keyValue) Purge(ctx context.Context, key string, revision uint64) error {
	var opts []jetstream.KVDeleteOpt
	if revision != 0 {
		opts = append(opts, jetstream.LastRevision(revision))
	}
	return mapKVError(k.kv.Purge(ctx, key, opts...))
}

func (k *keyValue) Watch(ctx context.Context, keys string) (broker.Watcher, error) {
	kw, err := k.kv.Watch(ctx, keys, jetstream.UpdatesOnly())
	if err != nil {
		return nil, mapKVError(err)
	}
	w := &keyWatcher{kw: kw, out: make(chan broker.KeyEvent), done: make(chan struct{})}
	go w.forward(ctx)
	return w, nil
}

func mapKVError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return errors.Join(broker.ErrKeyExists, err)
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return errors.Join(broker.ErrKeyNotFound, err)
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == wrongLastSequence {
		return errors.Join(broker.ErrWrongRevision, err)
	}
	return mapError(err)
}

type keyWatcher struct {
	kw   jetstream.KeyWatcher
	out  chan broker.KeyEvent
	done chan struct{}
	once sync.Once
}

func (w *keyWatcher) forward(ctx context.Context) {
	defer close(w.out)
	updates := w.kw.Updates()
	for {
		var entry jetstream.KeyValueEntry
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case e, ok := <-updates:
			if !ok {
				return
			}
			entry = e
		}
		// A nil entry marks the end of the initial values.
		if entry == nil {
			continue
		}
		ev := broker.KeyEvent{Key: entry.Key(), Revision: entry.Revision(), Op: keyOp(entry.Operation())}
		select {
		case w.out <- ev:
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

func keyOp(op jetstream.KeyValueOp) broker.KeyOp {
	switch op {
	case jetstream.KeyValueDelete:
		return broker.KeyDelete
	case jetstream.KeyValuePurge:
		return broker.KeyPurge
	default:
		return broker.KeyPut
	}
}

func (w *keyWatcher) Updates() <-chan broker.KeyEvent { return w.out }

func (w *keyWatcher) Stop() error {
	w.once.Do(func() { close(w.done) })
	return w.kw.Stop()
}
