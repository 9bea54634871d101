package runtime

import (
	"context"
	"fmt"
	"reflect"

	"github.com/drblury/natsflow/internal/runtime/engine"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/handlers"
)

func (b *Bus) env() handlers.Env {
	return handlers.Env{
		Toolbox:        b.toolbox,
		Resolver:       b.resolver,
		QueryTimeout:   b.Conf.QueryTimeout,
		RequestTimeout: b.Conf.RequestTimeout,
	}
}

func (b *Bus) send(ctx context.Context, kind engine.Kind, msg any) (any, error) {
	if msg == nil {
		return nil, errspkg.ErrMessageRequired
	}
	b.mu.RLock()
	sel := b.targets[kind]
	b.mu.RUnlock()
	if sel == nil {
		return nil, errspkg.NewConfigurationError("find "+kind.String()+" target",
			fmt.Errorf("%w: %T", errspkg.ErrNoTarget, msg))
	}
	target, err := sel.Find(msg)
	if err != nil {
		return nil, err
	}
	return target.Send(ctx, b.env(), msg)
}

// Send delivers a command through the nearest command target.
func (b *Bus) Send(ctx context.Context, msg any) error {
	_, err := b.send(ctx, engine.KindCommand, msg)
	return err
}

// Publish broadcasts an event through the nearest event target.
func (b *Bus) Publish(ctx context.Context, msg any) error {
	_, err := b.send(ctx, engine.KindEvent, msg)
	return err
}

// Query sends a synchronous query and returns the decoded reply.
func (b *Bus) Query(ctx context.Context, msg any) (any, error) {
	return b.send(ctx, engine.KindQuery, msg)
}

// Request sends a stream-backed request and returns the decoded reply.
func (b *Bus) Request(ctx context.Context, msg any) (any, error) {
	return b.send(ctx, engine.KindRequest, msg)
}

// Query sends msg as a query and returns the reply as R. A reply of another
// type is a configuration error.
func Query[R any](ctx context.Context, b *Bus, msg any) (R, error) {
	if b == nil {
		var zero R
		return zero, errspkg.ErrBusRequired
	}
	out, err := b.Query(ctx, msg)
	if err != nil {
		var zero R
		return zero, err
	}
	return typedReply[R]("query", out)
}

// Request sends msg as a stream-backed request and returns the reply as R.
func Request[R any](ctx context.Context, b *Bus, msg any) (R, error) {
	if b == nil {
		var zero R
		return zero, errspkg.ErrBusRequired
	}
	out, err := b.Request(ctx, msg)
	if err != nil {
		var zero R
		return zero, err
	}
	return typedReply[R]("request", out)
}

func typedReply[R any](op string, out any) (R, error) {
	var zero R
	if out == nil {
		return zero, nil
	}
	v, ok := out.(R)
	if !ok {
		return zero, errspkg.NewConfigurationError(op,
			fmt.Errorf("%w: reply is %T, want %s", errspkg.ErrUnexpectedMessageType, out, reflect.TypeFor[R]()))
	}
	return v, nil
}
