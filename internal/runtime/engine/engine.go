// Package engine runs the inbound loop shared by every source kind: fetch,
// trace, decode, dispatch with keep-alive, then acknowledge or report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/natsflow/broker"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
	"github.com/drblury/natsflow/internal/runtime/toolbox"
)

const (
	fetchRetryInitial = 50 * time.Millisecond
	fetchRetryMax     = 5 * time.Second
)

// Decoder turns an inbound payload into the message handed to the dispatcher.
type Decoder func(data []byte, header nats.Header) (any, error)

// Encoder turns a dispatcher result into a reply payload. It may set headers.
type Encoder func(result any, header nats.Header) ([]byte, error)

// Options configures one source.
type Options struct {
	// Name identifies the source in logs, metrics and stats.
	Name        string
	Kind        Kind
	MessageType string

	// Stream and Consumer select a durable consumer. When Stream is empty the
	// source subscribes ephemerally to Subject, in Queue when set.
	Stream   string
	Consumer string
	Subject  string
	Queue    string

	Concurrency int
	// KeepAliveInterval is how often a durable message in dispatch is marked
	// in progress. It must be shorter than the consumer's ack wait.
	KeepAliveInterval time.Duration
	// NakOnFailure requests immediate redelivery of failed durable messages.
	NakOnFailure bool

	Decode     Decoder
	Encode     Encoder
	Dispatcher Dispatcher

	Toolbox *toolbox.Toolbox
	Logger  loggingpkg.ServiceLogger
	Stats   *Stats
}

// Durable reports whether the source reads from a durable consumer.
func (o Options) Durable() bool { return o.Stream != "" }

func (o Options) validate() error {
	switch {
	case o.Toolbox == nil:
		return errspkg.ErrBrokerRequired
	case o.Dispatcher == nil:
		return errspkg.ErrDispatcherRequired
	case o.Decode == nil:
		return fmt.Errorf("%w: decoder", errspkg.ErrNoSerializer)
	case o.Kind.Replies() && o.Encode == nil:
		return fmt.Errorf("%w: reply encoder", errspkg.ErrNoSerializer)
	case o.Durable() && o.Consumer == "":
		return errspkg.ErrConsumerRequired
	case !o.Durable() && o.Subject == "":
		return errspkg.ErrSubjectRequired
	case o.Durable() && o.KeepAliveInterval <= 0:
		return errors.New("natsflow: keep alive interval must be positive for durable sources")
	}
	return nil
}

// Engine processes messages for one source with a fixed number of workers.
type Engine struct {
	opts   Options
	logger loggingpkg.ServiceLogger
}

// New validates opts and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}
	if err := opts.validate(); err != nil {
		return nil, errspkg.NewConfigurationError("source "+opts.Name, err)
	}

	fields := loggingpkg.LogFields{
		loggingpkg.FieldSource:      opts.Name,
		loggingpkg.FieldKind:        opts.Kind.String(),
		loggingpkg.FieldMessageType: opts.MessageType,
	}
	if opts.Durable() {
		fields["stream"] = opts.Stream
		fields["consumer"] = opts.Consumer
	} else {
		fields[loggingpkg.FieldSubject] = opts.Subject
	}

	logger := opts.Logger
	if logger == nil {
		logger = opts.Toolbox.Logger()
	}
	return &Engine{opts: opts, logger: logger.With(fields)}, nil
}

// Stats returns the source's counters.
func (e *Engine) Stats() *Stats { return e.opts.Stats }

// Options returns the configuration the engine runs with.
func (e *Engine) Options() Options { return e.opts }

// Run starts the workers and blocks until ctx is cancelled or a subscription
// cannot be opened. In-flight dispatches are allowed to finish.
func (e *Engine) Run(ctx context.Context) error {
	subs, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Close()
		}
	}()

	e.logger.Info("Source started", loggingpkg.LogFields{"concurrency": e.opts.Concurrency})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Concurrency; i++ {
		sub := subs[i%len(subs)]
		worker := i
		g.Go(func() error {
			e.work(gctx, sub, worker)
			return nil
		})
	}
	err = g.Wait()
	e.logger.Info("Source stopped", nil)
	return err
}

// open binds one durable subscription per worker, or a single ephemeral
// subscription shared by every worker.
func (e *Engine) open(ctx context.Context) ([]broker.Subscription, error) {
	tb := e.opts.Toolbox
	if !e.opts.Durable() {
		sub, err := tb.Subscribe(ctx, e.opts.Subject, e.opts.Queue)
		if err != nil {
			return nil, err
		}
		return []broker.Subscription{sub}, nil
	}

	subs := make([]broker.Subscription, 0, e.opts.Concurrency)
	for i := 0; i < e.opts.Concurrency; i++ {
		sub, err := tb.Consume(ctx, e.opts.Stream, e.opts.Consumer)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (e *Engine) work(ctx context.Context, sub broker.Subscription, worker int) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = fetchRetryInitial
	retry.MaxInterval = fetchRetryMax

	for {
		if ctx.Err() != nil {
			return
		}
		d, err := sub.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, broker.ErrTimeout):
				continue
			case errors.Is(err, broker.ErrClosed):
				e.logger.Info("Subscription closed", loggingpkg.LogFields{"worker": worker})
				return
			}
			wait := retry.NextBackOff()
			e.logger.Error("Fetch failed", err, loggingpkg.LogFields{"worker": worker, "retry_in": wait.String()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		e.process(ctx, d)
	}
}

// process handles one delivery. Failures are reported and never stop the
// worker.
func (e *Engine) process(ctx context.Context, d broker.Delivery) {
	tb := e.opts.Toolbox
	start := time.Now()
	subject := d.Subject()

	tb.Metrics().MessageReceived(subject)
	e.opts.Stats.begin()

	ctx, span := tb.StartSpan(ctx, e.opts.Kind.String()+" "+subject, e.opts.Kind.SpanKind(), d.Headers(),
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.String("natsflow.source", e.opts.Name),
		attribute.String("natsflow.message_type", e.opts.MessageType),
	)
	defer span.End()

	ctx = WithMessageInfo(ctx, MessageInfo{
		Source:      e.opts.Name,
		Kind:        e.opts.Kind,
		Subject:     subject,
		MessageType: e.opts.MessageType,
		Metadata:    metadatapkg.FromHeader(d.Headers()),
		StartedAt:   start,
	})

	result, err := e.handle(ctx, d)
	// A dispatch that finished during shutdown still gets its reply and ack.
	tail := context.WithoutCancel(ctx)
	if err == nil && e.opts.Kind.Replies() {
		err = e.reply(tail, d, result)
	}

	duration := time.Since(start)
	tb.Metrics().ObserveDuration(subject, duration)
	e.opts.Stats.end(duration, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.fail(tail, d, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	e.succeed(d)
}

func (e *Engine) handle(ctx context.Context, d broker.Delivery) (any, error) {
	if text := metadatapkg.Get(d.Headers(), metadatapkg.HeaderError); text != "" {
		return nil, &errspkg.RemoteError{Subject: d.Subject(), Message: text}
	}
	msg, err := e.opts.Decode(d.Data(), d.Headers())
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.opts.MessageType, err)
	}
	return e.dispatch(ctx, d, msg)
}

type outcome struct {
	result any
	err    error
}

// dispatch runs the dispatcher on its own goroutine. For durable sources the
// delivery is marked in progress on every keep-alive tick until the
// dispatcher returns.
func (e *Engine) dispatch(ctx context.Context, d broker.Delivery, msg any) (any, error) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("dispatch panic: %v\n%s", r, debug.Stack())}
			}
		}()
		result, err := e.opts.Dispatcher.Dispatch(ctx, msg)
		done <- outcome{result: result, err: err}
	}()

	if !e.opts.Durable() {
		out := <-done
		return out.result, out.err
	}

	ticker := time.NewTicker(e.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case out := <-done:
			return out.result, out.err
		case <-ticker.C:
			if err := d.InProgress(); err != nil {
				e.logger.Debug("Keep-alive failed", loggingpkg.LogFields{"subject": d.Subject(), "error": err.Error()})
			}
		}
	}
}

// replyAddress is the native reply subject for queries and the reply-to
// header for stream-backed requests.
func (e *Engine) replyAddress(d broker.Delivery) string {
	if e.opts.Kind == KindQuery {
		return d.Reply()
	}
	return metadatapkg.Get(d.Headers(), metadatapkg.HeaderReplyTo)
}

func (e *Engine) reply(ctx context.Context, d broker.Delivery, result any) error {
	addr := e.replyAddress(d)
	if addr == "" {
		return errspkg.ErrReplyAddressMissing
	}
	header := nats.Header{}
	data, err := e.opts.Encode(result, header)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return e.opts.Toolbox.Reply(ctx, addr, data, header)
}

func (e *Engine) succeed(d broker.Delivery) {
	if !e.opts.Durable() {
		return
	}
	if err := d.Ack(); err != nil {
		e.logger.Error("Ack failed", err, loggingpkg.LogFields{"subject": d.Subject()})
	}
}

func (e *Engine) fail(ctx context.Context, d broker.Delivery, cause error) {
	fields := loggingpkg.LogFields{loggingpkg.FieldSubject: d.Subject()}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields[loggingpkg.FieldTraceID] = sc.TraceID().String()
	}
	e.logger.Error("Message processing failed", cause, fields)
	e.opts.Toolbox.Metrics().Failure(d.Subject())

	answered := false
	if e.opts.Kind.Replies() {
		if addr := e.replyAddress(d); addr != "" {
			if err := e.opts.Toolbox.ReplyError(ctx, addr, cause); err != nil {
				e.logger.Error("Error reply failed", err, fields)
			} else {
				answered = true
			}
		}
	}

	if !e.opts.Durable() {
		return
	}
	// The requester already has its answer; redelivery would only produce a
	// second reply nobody reads.
	if answered {
		if err := d.Ack(); err != nil {
			e.logger.Error("Ack failed", err, fields)
		}
		return
	}
	if e.opts.NakOnFailure {
		if err := d.Nak(); err != nil {
			e.logger.Error("Nak failed", err, fields)
		}
	}
}
