// Package nats provides the NATS JetStream broker for natsflow.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/natsflow/broker"
)

// BrokerName is the name used to register this broker.
const BrokerName = "nats"

const (
	// DefaultAckWait is the ack wait used for consumers without their own.
	DefaultAckWait = 30 * time.Second
	// DefaultFetchMaxWait bounds a single pull from a durable consumer.
	DefaultFetchMaxWait = time.Second
)

func init() {
	broker.Register(BrokerName, Build)
}

// Connect allows overriding the connection for testing.
var Connect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

// Build creates a JetStream broker from config.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Broker, error) {
	return New(ctx, Config{
		URL:          cfg.GetNATSURL(),
		Name:         cfg.GetNATSName(),
		AckWait:      cfg.GetAckWait(),
		FetchMaxWait: cfg.GetFetchMaxWait(),
	}, logger)
}

// Config holds NATS-specific configuration.
type Config struct {
	// URL is the NATS server URL. Comma separated lists are accepted.
	URL string
	// Name is reported to the server as the connection name.
	Name string
	// AckWait applies to consumers provisioned without their own AckWait.
	AckWait time.Duration
	// FetchMaxWait bounds a single pull before Next reports broker.ErrTimeout.
	FetchMaxWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "natsflow"
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = DefaultFetchMaxWait
	}
	return c
}

// Broker implements broker.Broker and broker.Provisioner on a NATS
// connection with JetStream enabled.
type Broker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config Config
	logger watermill.LoggerAdapter

	closeOnce sync.Once
}

var (
	_ broker.Broker      = (*Broker)(nil)
	_ broker.Provisioner = (*Broker)(nil)
)

// New connects to NATS and opens a JetStream context.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Broker, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": c.ConnectedUrlRedacted()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Broker{nc: nc, js: js, config: cfg, logger: logger}, nil
}

// Conn exposes the underlying connection.
func (b *Broker) Conn() *nats.Conn { return b.nc }

// JetStream exposes the underlying JetStream context.
func (b *Broker) JetStream() jetstream.JetStream { return b.js }

func (b *Broker) Publish(ctx context.Context, msg *nats.Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(b.nc.PublishMsg(msg))
}

func (b *Broker) PublishDurable(ctx context.Context, msg *nats.Msg) error {
	_, err := b.js.PublishMsg(ctx, msg)
	if errors.Is(err, jetstream.ErrNoStreamResponse) {
		return fmt.Errorf("%w: no stream bound to subject %q", broker.ErrUnknownStream, msg.Subject)
	}
	return mapError(err)
}

func (b *Broker) Request(ctx context.Context, msg *nats.Msg) (broker.Delivery, error) {
	reply, err := b.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, mapError(err)
	}
	return coreDelivery{msg: reply}, nil
}

func (b *Broker) Subscribe(ctx context.Context, subject, queue string) (broker.Subscription, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = b.nc.SubscribeSync(subject)
	} else {
		sub, err = b.nc.QueueSubscribeSync(subject, queue)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &coreSubscription{sub: sub}, nil
}

func (b *Broker) Consume(ctx context.Context, stream, consumer string) (broker.Subscription, error) {
	c, err := b.js.Consumer(ctx, stream, consumer)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) || errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", broker.ErrUnknownStream, stream, consumer)
		}
		return nil, mapError(err)
	}
	return &pullSubscription{consumer: c, maxWait: b.config.FetchMaxWait, done: make(chan struct{})}, nil
}

func (b *Broker) KeyValue(ctx context.Context, bucket string) (broker.KeyValue, error) {
	kv, err := b.js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, mapError(err))
	}
	return &keyValue{kv: kv}, nil
}

// Close drains the connection, letting in-flight handlers finish.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.nc.Drain()
		if err != nil {
			b.nc.Close()
		}
	})
	return err
}

// EnsureStream creates or updates a stream.
func (b *Broker) EnsureStream(ctx context.Context, spec broker.StreamSpec) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     spec.Name,
		Subjects: spec.Subjects,
		MaxAge:   spec.MaxAge,
	})
	if err != nil {
		return mapError(err)
	}
	b.logger.Debug("Stream ensured", watermill.LogFields{"stream": spec.Name, "subjects": spec.Subjects})
	return nil
}

// EnsureConsumer creates or updates an explicit-ack durable consumer.
func (b *Broker) EnsureConsumer(ctx context.Context, spec broker.ConsumerSpec) error {
	_, err := b.js.CreateOrUpdateConsumer(ctx, spec.Stream, consumerConfig(spec, b.config.AckWait))
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return fmt.Errorf("%w: stream %q", broker.ErrUnknownStream, spec.Stream)
		}
		return mapError(err)
	}
	b.logger.Debug("Consumer ensured", watermill.LogFields{"stream": spec.Stream, "consumer": spec.Name})
	return nil
}

// EnsureBucket creates or updates a key-value bucket whose entries expire
// after spec.TTL.
func (b *Broker) EnsureBucket(ctx context.Context, spec broker.BucketSpec) error {
	_, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: spec.Name,
		TTL:    spec.TTL,
	})
	if err != nil {
		return mapError(err)
	}
	b.logger.Debug("Bucket ensured", watermill.LogFields{"bucket": spec.Name, "ttl": spec.TTL})
	return nil
}

func consumerConfig(spec broker.ConsumerSpec, defaultAckWait time.Duration) jetstream.ConsumerConfig {
	ackWait := spec.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	maxDeliver := spec.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = -1
	}
	return jetstream.ConsumerConfig{
		Durable:       spec.Name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		FilterSubject: spec.FilterSubject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// mapError translates NATS errors into broker sentinels, keeping the
// original in the chain.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", broker.ErrTimeout, err)
	case errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %w", broker.ErrNoResponders, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining), errors.Is(err, nats.ErrBadSubscription):
		return fmt.Errorf("%w: %w", broker.ErrClosed, err)
	default:
		return err
	}
}
