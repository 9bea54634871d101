package handlers

import (
	"context"
	"reflect"
	"time"

	"github.com/drblury/natsflow/internal/runtime/engine"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/serialization"
)

// Target sends messages whose type is, or embeds, the target's base type.
type Target interface {
	Kind() engine.Kind
	// Type is the base type the selector matches messages against.
	Type() reflect.Type
	Validate() error
	// Send delivers msg. Query and request targets return the decoded reply.
	Send(ctx context.Context, env Env, msg any) (any, error)
}

var (
	_ Target = CommandTarget[any]{}
	_ Target = EventTarget[any]{}
	_ Target = QueryTarget[any, any]{}
	_ Target = RequestTarget[any, any]{}
)

// CommandTarget publishes T to a stream-backed subject and waits only for the
// stream to store it.
type CommandTarget[T any] struct {
	Subject string
	// Serializer replaces the resolver's pair for T.
	Serializer *serialization.Pair[T]
}

func (CommandTarget[T]) Kind() engine.Kind  { return engine.KindCommand }
func (CommandTarget[T]) Type() reflect.Type { return reflect.TypeFor[T]() }
func (t CommandTarget[T]) Validate() error  { return validateTarget(t.Subject, t.Serializer) }

func (t CommandTarget[T]) Send(ctx context.Context, env Env, msg any) (any, error) {
	out, err := outbound(ctx, env, t.Subject, t.Serializer, msg)
	if err != nil {
		return nil, err
	}
	return nil, env.Toolbox.PublishDurable(ctx, out, "")
}

// EventTarget broadcasts T. Streams bound to the subject store the event for
// durable subscribers; ephemeral subscribers receive it directly.
type EventTarget[T any] struct {
	Subject    string
	Serializer *serialization.Pair[T]
}

func (EventTarget[T]) Kind() engine.Kind  { return engine.KindEvent }
func (EventTarget[T]) Type() reflect.Type { return reflect.TypeFor[T]() }
func (t EventTarget[T]) Validate() error  { return validateTarget(t.Subject, t.Serializer) }

func (t EventTarget[T]) Send(ctx context.Context, env Env, msg any) (any, error) {
	out, err := outbound(ctx, env, t.Subject, t.Serializer, msg)
	if err != nil {
		return nil, err
	}
	return nil, env.Toolbox.Publish(ctx, out)
}

// QueryTarget sends T as a broker-native request and decodes the reply as R.
type QueryTarget[T any, R any] struct {
	Subject string
	// Timeout overrides Env.QueryTimeout.
	Timeout    time.Duration
	Serializer *serialization.Pair[T]
	Response   *serialization.Pair[R]
}

func (QueryTarget[T, R]) Kind() engine.Kind  { return engine.KindQuery }
func (QueryTarget[T, R]) Type() reflect.Type { return reflect.TypeFor[T]() }

func (t QueryTarget[T, R]) Validate() error {
	if err := validateTarget(t.Subject, t.Serializer); err != nil {
		return err
	}
	return validatePair(t.Response)
}

func (t QueryTarget[T, R]) Send(ctx context.Context, env Env, msg any) (any, error) {
	out, err := outbound(ctx, env, t.Subject, t.Serializer, msg)
	if err != nil {
		return nil, err
	}
	reply, err := env.Toolbox.Query(ctx, out, firstPositive(t.Timeout, env.QueryTimeout))
	if err != nil {
		return nil, err
	}
	return decode(env.Resolver, t.Response, reply.Data(), reply.Headers())
}

// RequestTarget sends T through a stream and waits for R on a private inbox.
// The inbox subscription is open before the request is published so a fast
// reply cannot be lost.
type RequestTarget[T any, R any] struct {
	Subject string
	// Timeout overrides Env.RequestTimeout.
	Timeout    time.Duration
	Serializer *serialization.Pair[T]
	Response   *serialization.Pair[R]
}

func (RequestTarget[T, R]) Kind() engine.Kind  { return engine.KindRequest }
func (RequestTarget[T, R]) Type() reflect.Type { return reflect.TypeFor[T]() }

func (t RequestTarget[T, R]) Validate() error {
	if err := validateTarget(t.Subject, t.Serializer); err != nil {
		return err
	}
	return validatePair(t.Response)
}

func (t RequestTarget[T, R]) Send(ctx context.Context, env Env, msg any) (any, error) {
	out, err := outbound(ctx, env, t.Subject, t.Serializer, msg)
	if err != nil {
		return nil, err
	}

	inbox := env.Toolbox.Inbox()
	sub, err := env.Toolbox.Subscribe(ctx, inbox, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Close() }()

	if err := env.Toolbox.PublishDurable(ctx, out, inbox); err != nil {
		return nil, err
	}
	reply, err := env.Toolbox.Await(ctx, sub, t.Subject, firstPositive(t.Timeout, env.RequestTimeout))
	if err != nil {
		return nil, err
	}
	return decode(env.Resolver, t.Response, reply.Data(), reply.Headers())
}

func validateTarget[T any](subject string, p *serialization.Pair[T]) error {
	if subject == "" {
		return errspkg.ErrSubjectRequired
	}
	return validatePair(p)
}
