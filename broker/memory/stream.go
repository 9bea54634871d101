package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/drblury/natsflow/broker"
	"github.com/drblury/natsflow/internal/runtime/metadata"
)

// ConsumerStats reports delivery counters of a durable consumer.
type ConsumerStats struct {
	Delivered   int
	Redelivered int
	Acked       int
	Naked       int
	AckPending  int
}

type storedMsg struct {
	seq     uint64
	subject string
	header  nats.Header
	data    []byte
}

type stream struct {
	name string

	mu        sync.Mutex
	subjects  []string
	msgs      []storedMsg
	consumers map[string]*consumer
}

func (s *stream) binds(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.subjects {
		if subjectMatches(p, subject) {
			return true
		}
	}
	return false
}

func (s *stream) append(msg *nats.Msg) {
	s.mu.Lock()
	s.msgs = append(s.msgs, storedMsg{
		seq:     uint64(len(s.msgs) + 1),
		subject: msg.Subject,
		header:  metadata.CloneHeader(msg.Header),
		data:    append([]byte(nil), msg.Data...),
	})
	consumers := make([]*consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	for _, c := range consumers {
		notify(c.signal)
	}
}

// at returns the message stored at index i, if any.
func (s *stream) at(i int) (storedMsg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.msgs) {
		return storedMsg{}, false
	}
	return s.msgs[i], true
}

// capture stores msg in every stream bound to its subject and returns how
// many streams took it.
func (b *Broker) capture(msg *nats.Msg) int {
	b.mu.RLock()
	var targets []*stream
	for _, st := range b.streams {
		if st.binds(msg.Subject) {
			targets = append(targets, st)
		}
	}
	b.mu.RUnlock()

	for _, st := range targets {
		st.append(msg)
	}
	return len(targets)
}

// EnsureStream creates the stream or replaces its subjects.
func (b *Broker) EnsureStream(ctx context.Context, spec broker.StreamSpec) error {
	if spec.Name == "" {
		return errors.New("memory: stream name is required")
	}
	if len(spec.Subjects) == 0 {
		return fmt.Errorf("memory: stream %q needs at least one subject", spec.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.streams[spec.Name]; ok {
		st.mu.Lock()
		st.subjects = append([]string(nil), spec.Subjects...)
		st.mu.Unlock()
		return nil
	}
	b.streams[spec.Name] = &stream{
		name:      spec.Name,
		subjects:  append([]string(nil), spec.Subjects...),
		consumers: make(map[string]*consumer),
	}
	return nil
}

// EnsureConsumer creates the durable consumer or updates its settings.
func (b *Broker) EnsureConsumer(ctx context.Context, spec broker.ConsumerSpec) error {
	if spec.Name == "" {
		return errors.New("memory: consumer name is required")
	}
	b.mu.RLock()
	st, ok := b.streams[spec.Stream]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: stream %q", broker.ErrUnknownStream, spec.Stream)
	}

	ackWait := spec.AckWait
	if ackWait <= 0 {
		ackWait = b.cfg.AckWait
	}

	st.mu.Lock()
	existing, ok := st.consumers[spec.Name]
	if !ok {
		st.consumers[spec.Name] = &consumer{
			stream:     st,
			name:       spec.Name,
			filter:     spec.FilterSubject,
			ackWait:    ackWait,
			maxDeliver: spec.MaxDeliver,
			pending:    make(map[uint64]*inflight),
			signal:     make(chan struct{}, 1),
		}
	}
	st.mu.Unlock()
	if !ok {
		return nil
	}

	// Consumer locks are taken outside the stream lock; take() nests them the
	// other way round.
	existing.mu.Lock()
	existing.filter = spec.FilterSubject
	existing.ackWait = ackWait
	existing.maxDeliver = spec.MaxDeliver
	existing.mu.Unlock()
	return nil
}

func (b *Broker) lookupConsumer(streamName, name string) (*consumer, error) {
	b.mu.RLock()
	st, ok := b.streams[streamName]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stream %q", broker.ErrUnknownStream, streamName)
	}
	st.mu.Lock()
	c, ok := st.consumers[name]
	st.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: consumer %q on stream %q", broker.ErrUnknownStream, name, streamName)
	}
	return c, nil
}

// Consume binds to a provisioned durable consumer. Several subscriptions on
// the same consumer share its cursor and in-flight state.
func (b *Broker) Consume(ctx context.Context, streamName, name string) (broker.Subscription, error) {
	if b.isClosed() {
		return nil, broker.ErrClosed
	}
	c, err := b.lookupConsumer(streamName, name)
	if err != nil {
		return nil, err
	}
	return &consumerSubscription{consumer: c, maxWait: b.cfg.FetchMaxWait, brokerDone: b.done, done: make(chan struct{})}, nil
}

// ConsumerStats returns the delivery counters of a durable consumer.
func (b *Broker) ConsumerStats(streamName, name string) (ConsumerStats, error) {
	c, err := b.lookupConsumer(streamName, name)
	if err != nil {
		return ConsumerStats{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.AckPending = len(c.pending)
	return stats, nil
}

type inflight struct {
	deadline time.Time
	attempt  int
	queued   bool
}

type consumer struct {
	stream *stream
	name   string
	signal chan struct{}

	mu         sync.Mutex
	filter     string
	ackWait    time.Duration
	maxDeliver int
	cursor     int
	pending    map[uint64]*inflight
	redeliver  []uint64
	stats      ConsumerStats
}

// take returns the next delivery, or the time until the earliest in-flight
// message expires when nothing is ready.
func (c *consumer) take(now time.Time) (*delivery, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var wait time.Duration
	for seq, p := range c.pending {
		if p.queued {
			continue
		}
		if !now.Before(p.deadline) {
			if c.maxDeliver > 0 && p.attempt >= c.maxDeliver {
				delete(c.pending, seq)
				continue
			}
			p.queued = true
			c.redeliver = append(c.redeliver, seq)
			continue
		}
		if d := p.deadline.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}

	for len(c.redeliver) > 0 {
		seq := c.redeliver[0]
		c.redeliver = c.redeliver[1:]
		p, ok := c.pending[seq]
		if !ok {
			continue
		}
		msg, ok := c.stream.at(int(seq - 1))
		if !ok {
			delete(c.pending, seq)
			continue
		}
		p.queued = false
		p.attempt++
		p.deadline = now.Add(c.ackWait)
		c.stats.Redelivered++
		return c.newDelivery(msg, p.attempt), 0
	}

	for {
		msg, ok := c.stream.at(c.cursor)
		if !ok {
			break
		}
		c.cursor++
		if c.filter != "" && !subjectMatches(c.filter, msg.subject) {
			continue
		}
		c.pending[msg.seq] = &inflight{deadline: now.Add(c.ackWait), attempt: 1}
		c.stats.Delivered++
		return c.newDelivery(msg, 1), 0
	}
	return nil, wait
}

func (c *consumer) newDelivery(msg storedMsg, attempt int) *delivery {
	return &delivery{
		subject:  msg.subject,
		header:   metadata.CloneHeader(msg.header),
		data:     append([]byte(nil), msg.data...),
		consumer: c,
		seq:      msg.seq,
		attempt:  attempt,
	}
}

// ack ignores deliveries superseded by a redelivery of the same message.
func (c *consumer) ack(seq uint64, attempt int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[seq]; ok && p.attempt == attempt {
		delete(c.pending, seq)
		c.stats.Acked++
	}
	return nil
}

func (c *consumer) nak(seq uint64, attempt int) error {
	c.mu.Lock()
	p, ok := c.pending[seq]
	if !ok || p.attempt != attempt || p.queued {
		c.mu.Unlock()
		return nil
	}
	p.queued = true
	c.redeliver = append(c.redeliver, seq)
	c.stats.Naked++
	c.mu.Unlock()
	notify(c.signal)
	return nil
}

func (c *consumer) progress(seq uint64, attempt int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[seq]
	if !ok || p.attempt != attempt || p.queued {
		return nil
	}
	p.deadline = time.Now().Add(c.ackWait)
	return nil
}

type consumerSubscription struct {
	consumer   *consumer
	maxWait    time.Duration
	brokerDone <-chan struct{}
	done       chan struct{}
	once       sync.Once
}

// Next waits up to the fetch window for a delivery and reports
// broker.ErrTimeout when none arrives.
func (s *consumerSubscription) Next(ctx context.Context) (broker.Delivery, error) {
	fetch := time.NewTimer(s.maxWait)
	defer fetch.Stop()

	for {
		select {
		case <-s.done:
			return nil, broker.ErrClosed
		case <-s.brokerDone:
			return nil, broker.ErrClosed
		default:
		}

		d, wait := s.consumer.take(time.Now())
		if d != nil {
			// Another receiver may be able to take the next message.
			notify(s.consumer.signal)
			return d, nil
		}

		var expiry <-chan time.Time
		var expiryTimer *time.Timer
		if wait > 0 {
			expiryTimer = time.NewTimer(wait)
			expiry = expiryTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(expiryTimer)
			return nil, ctx.Err()
		case <-s.done:
			stopTimer(expiryTimer)
			return nil, broker.ErrClosed
		case <-s.brokerDone:
			stopTimer(expiryTimer)
			return nil, broker.ErrClosed
		case <-fetch.C:
			stopTimer(expiryTimer)
			return nil, broker.ErrTimeout
		case <-s.consumer.signal:
			stopTimer(expiryTimer)
		case <-expiry:
		}
	}
}

func (s *consumerSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
