// Package memory provides an in-process broker with NATS-like semantics:
// subject wildcards, queue groups, durable streams with explicit-ack
// consumers, and a revisioned key-value store. It is meant for tests and
// local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/natsflow/broker"
	"github.com/drblury/natsflow/internal/runtime/ids"
	"github.com/drblury/natsflow/internal/runtime/metadata"
)

// BrokerName is the name used to register this broker.
const BrokerName = "memory"

const (
	defaultAckWait      = 30 * time.Second
	defaultFetchMaxWait = time.Second
)

func init() {
	broker.Register(BrokerName, Build)
}

// Build creates a memory broker from config.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Broker, error) {
	return New(Config{
		AckWait:      cfg.GetAckWait(),
		FetchMaxWait: cfg.GetFetchMaxWait(),
		BucketTTL:    cfg.GetLockTTL(),
	}, logger), nil
}

// Config tunes the memory broker.
type Config struct {
	// AckWait applies to consumers created without their own AckWait.
	AckWait time.Duration
	// FetchMaxWait bounds how long Next waits on a durable consumer before
	// reporting broker.ErrTimeout.
	FetchMaxWait time.Duration
	// BucketTTL applies to buckets opened before being provisioned.
	BucketTTL time.Duration
}

// Broker is an in-memory implementation of broker.Broker and
// broker.Provisioner. The zero value is not usable; call New.
type Broker struct {
	cfg    Config
	logger watermill.LoggerAdapter

	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	streams map[string]*stream
	buckets map[string]*bucket

	rr        atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ broker.Broker      = (*Broker)(nil)
	_ broker.Provisioner = (*Broker)(nil)
)

// New creates an empty memory broker.
func New(cfg Config, logger watermill.LoggerAdapter) *Broker {
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if cfg.FetchMaxWait <= 0 {
		cfg.FetchMaxWait = defaultFetchMaxWait
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		cfg:     cfg,
		logger:  logger,
		subs:    make(map[*subscription]struct{}),
		streams: make(map[string]*stream),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Publish delivers msg to matching subscribers and stores it in any stream
// bound to its subject.
func (b *Broker) Publish(ctx context.Context, msg *nats.Msg) error {
	if err := b.checkPublish(ctx, msg); err != nil {
		return err
	}
	b.deliver(msg)
	b.capture(msg)
	return nil
}

// PublishDurable is Publish that fails when no stream captures the subject.
func (b *Broker) PublishDurable(ctx context.Context, msg *nats.Msg) error {
	if err := b.checkPublish(ctx, msg); err != nil {
		return err
	}
	if b.capture(msg) == 0 {
		return fmt.Errorf("%w: no stream bound to subject %q", broker.ErrUnknownStream, msg.Subject)
	}
	b.deliver(msg)
	return nil
}

func (b *Broker) checkPublish(ctx context.Context, msg *nats.Msg) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil || msg.Subject == "" {
		return errors.New("memory: message subject is required")
	}
	return nil
}

// Request publishes msg with a temporary inbox as reply subject and waits for
// the first reply until ctx is done.
func (b *Broker) Request(ctx context.Context, msg *nats.Msg) (broker.Delivery, error) {
	if err := b.checkPublish(ctx, msg); err != nil {
		return nil, err
	}

	inbox := b.subscribe(ids.NewInbox("_INBOX"), "")
	defer func() { _ = inbox.Close() }()

	out := &nats.Msg{Subject: msg.Subject, Reply: inbox.subject, Header: msg.Header, Data: msg.Data}
	if b.deliver(out) == 0 {
		return nil, broker.ErrNoResponders
	}

	d, err := inbox.Next(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, broker.ErrTimeout
		}
		return nil, err
	}
	return d, nil
}

// Subscribe opens an ephemeral subscription on subject.
func (b *Broker) Subscribe(ctx context.Context, subject, queue string) (broker.Subscription, error) {
	if b.isClosed() {
		return nil, broker.ErrClosed
	}
	if subject == "" {
		return nil, errors.New("memory: subject is required")
	}
	return b.subscribe(subject, queue), nil
}

func (b *Broker) subscribe(subject, queue string) *subscription {
	s := &subscription{broker: b, subject: subject, queue: queue, box: newMailbox()}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broker) unsubscribe(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// deliver fans msg out to plain subscribers and to one member of each queue
// group. It returns the number of subscriptions that received it.
func (b *Broker) deliver(msg *nats.Msg) int {
	b.mu.RLock()
	var plain []*subscription
	groups := make(map[string][]*subscription)
	for s := range b.subs {
		if !subjectMatches(s.subject, msg.Subject) {
			continue
		}
		if s.queue == "" {
			plain = append(plain, s)
			continue
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	b.mu.RUnlock()

	for _, members := range groups {
		pick := members[int(b.rr.Add(1)%uint64(len(members)))]
		plain = append(plain, pick)
	}
	for _, s := range plain {
		s.box.push(&delivery{
			subject: msg.Subject,
			reply:   msg.Reply,
			header:  metadata.CloneHeader(msg.Header),
			data:    append([]byte(nil), msg.Data...),
		})
	}
	return len(plain)
}

// Close stops every subscription, consumer and watcher.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		subs := b.subs
		b.subs = make(map[*subscription]struct{})
		buckets := make([]*bucket, 0, len(b.buckets))
		for _, bk := range b.buckets {
			buckets = append(buckets, bk)
		}
		b.mu.Unlock()

		for s := range subs {
			s.box.close()
		}
		for _, bk := range buckets {
			bk.stopWatchers()
		}
	})
	return nil
}

type subscription struct {
	broker  *Broker
	subject string
	queue   string
	box     *mailbox
}

func (s *subscription) Next(ctx context.Context) (broker.Delivery, error) {
	return s.box.next(ctx)
}

func (s *subscription) Close() error {
	s.broker.unsubscribe(s)
	s.box.close()
	return nil
}

// mailbox is an unbounded FIFO with blocking receive.
type mailbox struct {
	mu     sync.Mutex
	items  []broker.Delivery
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (m *mailbox) push(d broker.Delivery) {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return
	default:
	}
	m.items = append(m.items, d)
	m.mu.Unlock()
	notify(m.signal)
}

func (m *mailbox) next(ctx context.Context) (broker.Delivery, error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			d := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			more := len(m.items) > 0
			m.mu.Unlock()
			// Pass the wakeup on so concurrent receivers do not stall.
			if more {
				notify(m.signal)
			}
			return d, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, broker.ErrClosed
		case <-m.signal:
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// delivery is an inbound message. Ack operations are no-ops unless the
// message came from a durable consumer.
type delivery struct {
	subject string
	reply   string
	header  nats.Header
	data    []byte

	consumer *consumer
	seq      uint64
	attempt  int
}

func (d *delivery) Subject() string      { return d.subject }
func (d *delivery) Reply() string        { return d.reply }
func (d *delivery) Headers() nats.Header { return d.header }
func (d *delivery) Data() []byte         { return d.data }

func (d *delivery) Ack() error {
	if d.consumer == nil {
		return nil
	}
	return d.consumer.ack(d.seq, d.attempt)
}

func (d *delivery) Nak() error {
	if d.consumer == nil {
		return nil
	}
	return d.consumer.nak(d.seq, d.attempt)
}

func (d *delivery) InProgress() error {
	if d.consumer == nil {
		return nil
	}
	return d.consumer.progress(d.seq, d.attempt)
}
