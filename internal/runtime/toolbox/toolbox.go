// Package toolbox is the thin façade every natsflow component uses to talk
// to the broker. It adds trace propagation, metrics, reply addressing and the
// mapping of broker timeouts and error headers onto natsflow error types.
package toolbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/natsflow/broker"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

// InboxPrefix prefixes the reply subjects of stream-backed requests.
const InboxPrefix = "_INBOX.nf"

// ReplyLabel is the subject label counted for replies. Reply subjects are
// unique per request and would otherwise create a series each.
const ReplyLabel = "_reply"

const tracerName = "github.com/drblury/natsflow"

// Options configures a Toolbox.
type Options struct {
	Broker broker.Broker
	Logger loggingpkg.ServiceLogger
	// Metrics may be nil to disable metrics.
	Metrics *Metrics
	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer
	// Propagator defaults to W3C trace context plus baggage.
	Propagator propagation.TextMapPropagator
}

// Toolbox wraps a broker with tracing, metrics and error mapping.
type Toolbox struct {
	broker     broker.Broker
	logger     loggingpkg.ServiceLogger
	metrics    *Metrics
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New validates opts and builds a Toolbox.
func New(opts Options) (*Toolbox, error) {
	if opts.Broker == nil {
		return nil, errspkg.ErrBrokerRequired
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Propagator == nil {
		opts.Propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}
	return &Toolbox{
		broker:     opts.Broker,
		logger:     loggingpkg.OrNop(opts.Logger),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		propagator: opts.Propagator,
	}, nil
}

func (t *Toolbox) Broker() broker.Broker            { return t.broker }
func (t *Toolbox) Logger() loggingpkg.ServiceLogger { return t.logger }
func (t *Toolbox) Metrics() *Metrics                { return t.metrics }

// Inbox returns a fresh reply subject.
func (t *Toolbox) Inbox() string {
	return ids.NewInbox(InboxPrefix)
}

// Inject writes the trace context of ctx into h.
func (t *Toolbox) Inject(ctx context.Context, h nats.Header) {
	if h == nil {
		return
	}
	t.propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// Extract returns ctx enriched with any trace context found in h.
func (t *Toolbox) Extract(ctx context.Context, h nats.Header) context.Context {
	if len(h) == 0 {
		return ctx
	}
	return t.propagator.Extract(ctx, propagation.HeaderCarrier(h))
}

// StartSpan opens a span whose parent is taken from h when present.
func (t *Toolbox) StartSpan(ctx context.Context, name string, kind trace.SpanKind, h nats.Header, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = t.Extract(ctx, h)
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

func (t *Toolbox) prepare(ctx context.Context, msg *nats.Msg) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	if msg.Subject == "" {
		return errspkg.ErrSubjectRequired
	}
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	t.Inject(ctx, msg.Header)
	return nil
}

// Publish sends msg fire-and-forget on core subjects.
func (t *Toolbox) Publish(ctx context.Context, msg *nats.Msg) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	return t.publish(ctx, msg, msg.Subject)
}

// publish counts the message under label instead of its subject, so that
// replies to one-off inboxes share a single series.
func (t *Toolbox) publish(ctx context.Context, msg *nats.Msg, label string) error {
	if err := t.prepare(ctx, msg); err != nil {
		return err
	}
	if err := t.broker.Publish(ctx, msg); err != nil {
		t.metrics.Failure(label)
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	t.metrics.MessageSent(label)
	return nil
}

// PublishDurable stores msg in its stream. A non-empty replyTo is recorded
// in the reply-to header for stream-backed requests.
func (t *Toolbox) PublishDurable(ctx context.Context, msg *nats.Msg, replyTo string) error {
	if err := t.prepare(ctx, msg); err != nil {
		return err
	}
	if replyTo != "" {
		msg.Header.Set(metadatapkg.HeaderReplyTo, replyTo)
	}
	if err := t.broker.PublishDurable(ctx, msg); err != nil {
		t.metrics.Failure(msg.Subject)
		return fmt.Errorf("publish durable %s: %w", msg.Subject, err)
	}
	t.metrics.MessageSent(msg.Subject)
	return nil
}

// Query performs a broker-native request bounded by timeout. A timeout is
// returned as *errors.TimeoutError and an error header as *errors.RemoteError.
func (t *Toolbox) Query(ctx context.Context, msg *nats.Msg, timeout time.Duration) (broker.Delivery, error) {
	if err := t.prepare(ctx, msg); err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t.metrics.MessageSent(msg.Subject)
	reply, err := t.broker.Request(ctx, msg)
	if err != nil {
		t.metrics.Failure(msg.Subject)
		return nil, t.mapRequestError(msg.Subject, timeout, err)
	}
	if err := RemoteErrorFrom(msg.Subject, reply); err != nil {
		t.metrics.Failure(msg.Subject)
		return nil, err
	}
	return reply, nil
}

// Await waits for one reply on sub, applying the same error mapping as Query.
func (t *Toolbox) Await(ctx context.Context, sub broker.Subscription, subject string, timeout time.Duration) (broker.Delivery, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	reply, err := sub.Next(ctx)
	if err != nil {
		t.metrics.Failure(subject)
		return nil, t.mapRequestError(subject, timeout, err)
	}
	if err := RemoteErrorFrom(subject, reply); err != nil {
		t.metrics.Failure(subject)
		return nil, err
	}
	return reply, nil
}

func (t *Toolbox) mapRequestError(subject string, timeout time.Duration, err error) error {
	if errors.Is(err, broker.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &errspkg.TimeoutError{Subject: subject, After: timeout, Err: err}
	}
	return fmt.Errorf("request %s: %w", subject, err)
}

// Subscribe opens an ephemeral subscription.
func (t *Toolbox) Subscribe(ctx context.Context, subject, queue string) (broker.Subscription, error) {
	if subject == "" {
		return nil, errspkg.ErrSubjectRequired
	}
	sub, err := t.broker.Subscribe(ctx, subject, queue)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Consume binds to a durable consumer.
func (t *Toolbox) Consume(ctx context.Context, stream, consumer string) (broker.Subscription, error) {
	if stream == "" {
		return nil, errspkg.ErrStreamRequired
	}
	if consumer == "" {
		return nil, errspkg.ErrConsumerRequired
	}
	sub, err := t.broker.Consume(ctx, stream, consumer)
	if err != nil {
		return nil, fmt.Errorf("consume %s/%s: %w", stream, consumer, err)
	}
	return sub, nil
}

// Reply publishes a successful result to subject.
func (t *Toolbox) Reply(ctx context.Context, subject string, data []byte, header nats.Header) error {
	if subject == "" {
		return errspkg.ErrReplyAddressMissing
	}
	return t.publish(ctx, &nats.Msg{Subject: subject, Data: data, Header: header}, ReplyLabel)
}

// ReplyError publishes cause as an error header with an empty payload.
func (t *Toolbox) ReplyError(ctx context.Context, subject string, cause error) error {
	if subject == "" {
		return errspkg.ErrReplyAddressMissing
	}
	h := nats.Header{}
	h.Set(metadatapkg.HeaderError, ErrorText(cause))
	return t.publish(ctx, &nats.Msg{Subject: subject, Header: h}, ReplyLabel)
}

// ErrorText renders err for the error header. Remote errors are unwrapped so
// that messages do not nest when a failure is relayed.
func ErrorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	var remote *errspkg.RemoteError
	if errors.As(err, &remote) {
		return remote.Message
	}
	return err.Error()
}

// RemoteErrorFrom returns a *errors.RemoteError when d carries an error header.
func RemoteErrorFrom(subject string, d broker.Delivery) error {
	if d == nil {
		return nil
	}
	if text := metadatapkg.Get(d.Headers(), metadatapkg.HeaderError); text != "" {
		return &errspkg.RemoteError{Subject: subject, Message: text}
	}
	return nil
}
