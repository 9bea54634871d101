// Package handlers holds the send and receive strategies for the four message
// shapes. Targets turn an outgoing message into a broker operation; sources
// describe how the inbound engine decodes and answers one message type.
package handlers

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
	"github.com/drblury/natsflow/internal/runtime/selector"
	"github.com/drblury/natsflow/internal/runtime/serialization"
	"github.com/drblury/natsflow/internal/runtime/toolbox"
)

// Env carries the bus-owned collaborators a target sends through.
type Env struct {
	Toolbox  *toolbox.Toolbox
	Resolver *serialization.Resolver
	// QueryTimeout and RequestTimeout apply when a target sets no timeout.
	QueryTimeout   time.Duration
	RequestTimeout time.Duration
}

func (e Env) validate() error {
	if e.Toolbox == nil {
		return errspkg.ErrBrokerRequired
	}
	if e.Resolver == nil {
		return fmt.Errorf("%w: resolver", errspkg.ErrNoSerializer)
	}
	return nil
}

func convert[T any](msg any) (T, error) {
	if msg == nil {
		var zero T
		return zero, errspkg.ErrMessageRequired
	}
	v, ok := selector.As[T](msg)
	if !ok {
		var zero T
		return zero, errspkg.NewConfigurationError("convert message",
			fmt.Errorf("%w: %T is not a %s", errspkg.ErrUnexpectedMessageType, msg, reflect.TypeFor[T]()))
	}
	return v, nil
}

func validatePair[T any](p *serialization.Pair[T]) error {
	if p == nil {
		return nil
	}
	return p.Validate()
}

func encode[T any](r *serialization.Resolver, override *serialization.Pair[T], v T, header nats.Header) ([]byte, error) {
	if override != nil {
		return override.Encode(v, header)
	}
	return serialization.Encode(r, v, header)
}

func decode[T any](r *serialization.Resolver, override *serialization.Pair[T], data []byte, header nats.Header) (T, error) {
	if override != nil {
		return override.Decode(data, header)
	}
	return serialization.Decode[T](r, data, header)
}

// outbound builds the envelope for msg. Metadata attached to ctx with
// WithMetadata becomes headers.
func outbound[T any](ctx context.Context, env Env, subject string, override *serialization.Pair[T], msg any) (*nats.Msg, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	v, err := convert[T](msg)
	if err != nil {
		return nil, err
	}

	header := metadatapkg.ToHeader(MetadataFromContext(ctx))
	header.Set(MetadataKeyMessageType, reflect.TypeOf(msg).String())
	data, err := encode(env.Resolver, override, v, header)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return &nats.Msg{Subject: subject, Header: header, Data: data}, nil
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
