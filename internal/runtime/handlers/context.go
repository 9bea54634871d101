package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/drblury/natsflow/internal/runtime/engine"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
	"github.com/drblury/natsflow/internal/runtime/selector"
)

type metadataKey struct{}

// WithMetadata attaches metadata that targets copy into outgoing headers.
// Entries already on ctx are kept unless md overrides them.
func WithMetadata(ctx context.Context, md metadatapkg.Metadata) context.Context {
	if len(md) == 0 {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, MetadataFromContext(ctx).WithAll(md))
}

// MetadataFromContext returns a copy of the outgoing metadata on ctx.
func MetadataFromContext(ctx context.Context) metadatapkg.Metadata {
	md, _ := ctx.Value(metadataKey{}).(metadatapkg.Metadata)
	return md.Clone()
}

// MessageContext is handed to typed handlers alongside the decoded payload.
type MessageContext struct {
	engine.MessageInfo
	Logger loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the inbound metadata so handlers can build
// outgoing headers without touching the original map.
func (c MessageContext) CloneMetadata() metadatapkg.Metadata {
	return c.Metadata.Clone()
}

// Get retrieves an inbound metadata value by key.
func (c MessageContext) Get(key string) string {
	return c.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (c MessageContext) CorrelationID() string {
	return c.Metadata[MetadataKeyCorrelationID]
}

// Handler processes one decoded message of type T.
type Handler[T any, R any] func(ctx context.Context, mc MessageContext, msg T) (R, error)

// Handle adapts a typed handler to engine.Dispatcher. The inbound correlation
// ID is carried onto ctx so anything the handler sends keeps it.
func Handle[T any, R any](h Handler[T, R], logger loggingpkg.ServiceLogger) (engine.Dispatcher, error) {
	if h == nil {
		return nil, errspkg.ErrDispatcherRequired
	}
	logger = loggingpkg.OrNop(logger)

	return engine.DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
		typed, ok := selector.As[T](msg)
		if !ok {
			return nil, errspkg.NewConfigurationError("handle",
				fmt.Errorf("%w: got %T, want %s", errspkg.ErrUnexpectedMessageType, msg, reflect.TypeFor[T]()))
		}

		info, _ := engine.MessageInfoFromContext(ctx)
		mc := MessageContext{MessageInfo: info, Logger: logger}
		if id := mc.CorrelationID(); id != "" {
			ctx = WithMetadata(ctx, metadatapkg.New(MetadataKeyCorrelationID, id))
		}
		return h(ctx, mc, typed)
	}), nil
}
