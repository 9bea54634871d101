// Package broker defines the contract natsflow needs from a durable pub/sub
// broker. Each implementation (nats, memory) lives in its own sub-package and
// registers itself with the broker registry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
)

var (
	// ErrTimeout is returned when a request or fetch receives nothing in time.
	ErrTimeout = errors.New("broker: timeout")
	// ErrNoResponders is returned when a request has nobody listening.
	ErrNoResponders = errors.New("broker: no responders available for request")
	// ErrClosed is returned by operations on a closed broker or subscription.
	ErrClosed = errors.New("broker: closed")
	// ErrKeyExists is returned by KeyValue.Create when the key holds a live value.
	ErrKeyExists = errors.New("broker: key exists")
	// ErrWrongRevision is returned by conditional writes whose expected
	// revision does not match the stored one.
	ErrWrongRevision = errors.New("broker: wrong last revision")
	// ErrKeyNotFound is returned when a key has no live value.
	ErrKeyNotFound = errors.New("broker: key not found")
	// ErrUnknownStream is returned when consuming from a stream or consumer
	// that has not been provisioned.
	ErrUnknownStream = errors.New("broker: unknown stream or consumer")
)

// Broker is the low-level publish/subscribe/ack surface every natsflow
// component is built from.
type Broker interface {
	// Publish sends msg on core subjects, fire-and-forget.
	Publish(ctx context.Context, msg *nats.Msg) error
	// PublishDurable stores msg in the stream bound to its subject and waits
	// for the broker acknowledgement.
	PublishDurable(ctx context.Context, msg *nats.Msg) error
	// Request sends msg and waits for a single reply using the broker's native
	// reply mechanism. The deadline comes from ctx.
	Request(ctx context.Context, msg *nats.Msg) (Delivery, error)
	// Subscribe opens an ephemeral subscription. Messages are not acknowledged.
	// A non-empty queue load-balances between subscribers of the same queue.
	Subscribe(ctx context.Context, subject, queue string) (Subscription, error)
	// Consume binds to an existing durable consumer on stream.
	Consume(ctx context.Context, stream, consumer string) (Subscription, error)
	// KeyValue opens a revisioned key-value bucket.
	KeyValue(ctx context.Context, bucket string) (KeyValue, error)
	Close() error
}

// Subscription yields inbound deliveries one at a time. Next blocks until a
// message arrives, ctx is done (ctx.Err()), or the broker reports an idle
// poll (ErrTimeout). Next is safe for concurrent use.
type Subscription interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is an inbound message. The method set matches jetstream.Msg so
// JetStream messages satisfy it directly; ephemeral deliveries implement the
// ack operations as no-ops.
type Delivery interface {
	Subject() string
	Reply() string
	Headers() nats.Header
	Data() []byte
	Ack() error
	Nak() error
	InProgress() error
}

// KeyValue is a revisioned store with conditional writes.
type KeyValue interface {
	// Create writes value only when key holds no live value. Conflicts are
	// reported as ErrKeyExists or ErrWrongRevision.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update writes value when the stored revision equals revision.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	// Purge removes key and its history. A non-zero revision makes the purge
	// conditional on it.
	Purge(ctx context.Context, key string, revision uint64) error
	// Watch streams changes for keys matching the pattern, starting with
	// updates that happen after the call returns.
	Watch(ctx context.Context, keys string) (Watcher, error)
}

// Watcher streams KeyEvents until stopped. The Updates channel is closed when
// the watch ends.
type Watcher interface {
	Updates() <-chan KeyEvent
	Stop() error
}

// KeyOp is the operation recorded by a KeyEvent.
type KeyOp uint8

const (
	KeyPut KeyOp = iota
	KeyDelete
	KeyPurge
)

func (op KeyOp) String() string {
	switch op {
	case KeyPut:
		return "put"
	case KeyDelete:
		return "delete"
	case KeyPurge:
		return "purge"
	default:
		return "unknown"
	}
}

// KeyEvent describes one change in a KeyValue bucket.
type KeyEvent struct {
	Key      string
	Revision uint64
	Op       KeyOp
}

// Builder creates a broker from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error)

// Config provides the values broker implementations need without depending
// on the full config package.
type Config interface {
	GetBroker() string
	GetNATSURL() string
	GetNATSName() string
	GetAckWait() time.Duration
	GetFetchMaxWait() time.Duration
	GetLockBucket() string
	GetLockTTL() time.Duration
}

// StreamSpec describes a durable stream to provision.
type StreamSpec struct {
	Name     string
	Subjects []string
	// MaxAge bounds how long messages are retained. Zero keeps them forever.
	MaxAge time.Duration
}

// ConsumerSpec describes an explicit-ack durable consumer on a stream.
type ConsumerSpec struct {
	Stream        string
	Name          string
	FilterSubject string
	// AckWait is the redelivery window. Zero uses the broker default.
	AckWait time.Duration
	// MaxDeliver caps delivery attempts. Zero or negative means unlimited.
	MaxDeliver int
}

// BucketSpec describes a key-value bucket. TTL expires entries that are not
// rewritten in time.
type BucketSpec struct {
	Name string
	TTL  time.Duration
}

// Provisioner is implemented by brokers that can create streams, consumers
// and buckets. Calls are idempotent: existing resources are updated in place.
type Provisioner interface {
	EnsureStream(ctx context.Context, spec StreamSpec) error
	EnsureConsumer(ctx context.Context, spec ConsumerSpec) error
	EnsureBucket(ctx context.Context, spec BucketSpec) error
}

// Provision creates streams and then consumers on b.
func Provision(ctx context.Context, b Broker, streams []StreamSpec, consumers []ConsumerSpec) error {
	p, ok := b.(Provisioner)
	if !ok {
		return fmt.Errorf("broker %T cannot provision streams", b)
	}
	for _, spec := range streams {
		if err := p.EnsureStream(ctx, spec); err != nil {
			return fmt.Errorf("ensure stream %q: %w", spec.Name, err)
		}
	}
	for _, spec := range consumers {
		if err := p.EnsureConsumer(ctx, spec); err != nil {
			return fmt.Errorf("ensure consumer %q on %q: %w", spec.Name, spec.Stream, err)
		}
	}
	return nil
}

// IsConflict reports whether err is a conditional-write conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrKeyExists) || errors.Is(err, ErrWrongRevision)
}
