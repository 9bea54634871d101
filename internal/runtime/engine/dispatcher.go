package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

// Dispatcher routes a decoded message to application logic. It must be safe
// for concurrent use. The result is only used by query and request sources.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg any) (any, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg any) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, msg any) (any, error) {
	return f(ctx, msg)
}

// Middleware wraps a Dispatcher.
type Middleware func(Dispatcher) Dispatcher

// Chain wraps d so the first middleware is the outermost.
func Chain(d Dispatcher, mws ...Middleware) Dispatcher {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			d = mws[i](d)
		}
	}
	return d
}

// Kind is the message shape a source handles.
type Kind int

const (
	KindCommand Kind = iota
	KindEvent
	KindQuery
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindQuery:
		return "query"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Replies reports whether sources of this kind answer the sender.
func (k Kind) Replies() bool {
	return k == KindQuery || k == KindRequest
}

// SpanKind is server for sources that answer and consumer otherwise.
func (k Kind) SpanKind() trace.SpanKind {
	if k.Replies() {
		return trace.SpanKindServer
	}
	return trace.SpanKindConsumer
}

// MessageInfo describes the inbound message being dispatched.
type MessageInfo struct {
	Source      string
	Kind        Kind
	Subject     string
	MessageType string
	Metadata    metadatapkg.Metadata
	StartedAt   time.Time
}

type messageInfoKey struct{}

// WithMessageInfo stores info in ctx.
func WithMessageInfo(ctx context.Context, info MessageInfo) context.Context {
	return context.WithValue(ctx, messageInfoKey{}, info)
}

// MessageInfoFromContext returns the info of the message being dispatched.
func MessageInfoFromContext(ctx context.Context) (MessageInfo, bool) {
	info, ok := ctx.Value(messageInfoKey{}).(MessageInfo)
	return info, ok
}
