package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/drblury/natsflow/internal/runtime/engine"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/serialization"
)

// SourceSpec locates the messages a source consumes. Stream and Consumer
// select a durable consumer; otherwise Subject (and optional Queue) select an
// ephemeral subscription. Zero values are filled from the bus configuration.
type SourceSpec struct {
	Name     string
	Stream   string
	Consumer string
	Subject  string
	Queue    string

	Concurrency       int
	KeepAliveInterval time.Duration
	NakOnFailure      bool
}

func (s SourceSpec) options(kind engine.Kind, t reflect.Type) engine.Options {
	name := s.Name
	if name == "" {
		name = fmt.Sprintf("%s:%s", kind, t)
	}
	return engine.Options{
		Name:              name,
		Kind:              kind,
		MessageType:       t.String(),
		Stream:            s.Stream,
		Consumer:          s.Consumer,
		Subject:           s.Subject,
		Queue:             s.Queue,
		Concurrency:       s.Concurrency,
		KeepAliveInterval: s.KeepAliveInterval,
		NakOnFailure:      s.NakOnFailure,
	}
}

func (s SourceSpec) validate() error {
	if s.Stream == "" && s.Subject == "" {
		return errspkg.ErrSubjectRequired
	}
	if s.Stream != "" && s.Consumer == "" {
		return errspkg.ErrConsumerRequired
	}
	if s.Concurrency < 0 {
		return errors.New("natsflow: concurrency must not be negative")
	}
	return nil
}

// Source describes how one message type is received. Options returns engine
// options lacking only the toolbox, dispatcher and logger, which the bus
// supplies.
type Source interface {
	Kind() engine.Kind
	Type() reflect.Type
	Validate() error
	Options(r *serialization.Resolver) engine.Options
}

var (
	_ Source = CommandSource[any]{}
	_ Source = EventSource[any]{}
	_ Source = QuerySource[any, any]{}
	_ Source = RequestSource[any, any]{}
)

// CommandSource receives commands of type T.
type CommandSource[T any] struct {
	SourceSpec
	Serializer *serialization.Pair[T]
}

func (CommandSource[T]) Kind() engine.Kind  { return engine.KindCommand }
func (CommandSource[T]) Type() reflect.Type { return reflect.TypeFor[T]() }

func (s CommandSource[T]) Validate() error {
	if err := s.validate(); err != nil {
		return err
	}
	return validatePair(s.Serializer)
}

func (s CommandSource[T]) Options(r *serialization.Resolver) engine.Options {
	opts := s.options(s.Kind(), s.Type())
	opts.Decode = decoder(r, s.Serializer)
	return opts
}

// EventSource receives events of type T.
type EventSource[T any] struct {
	SourceSpec
	Serializer *serialization.Pair[T]
}

func (EventSource[T]) Kind() engine.Kind  { return engine.KindEvent }
func (EventSource[T]) Type() reflect.Type { return reflect.TypeFor[T]() }

func (s EventSource[T]) Validate() error {
	if err := s.validate(); err != nil {
		return err
	}
	return validatePair(s.Serializer)
}

func (s EventSource[T]) Options(r *serialization.Resolver) engine.Options {
	opts := s.options(s.Kind(), s.Type())
	opts.Decode = decoder(r, s.Serializer)
	return opts
}

// QuerySource answers broker-native requests for T with R. It always reads
// from a subject, usually in a queue group.
type QuerySource[T any, R any] struct {
	SourceSpec
	Serializer *serialization.Pair[T]
	Response   *serialization.Pair[R]
}

func (QuerySource[T, R]) Kind() engine.Kind  { return engine.KindQuery }
func (QuerySource[T, R]) Type() reflect.Type { return reflect.TypeFor[T]() }

func (s QuerySource[T, R]) Validate() error {
	if s.Stream != "" {
		return errors.New("natsflow: query sources read from a subject, not a stream")
	}
	if err := s.validate(); err != nil {
		return err
	}
	if err := validatePair(s.Serializer); err != nil {
		return err
	}
	return validatePair(s.Response)
}

func (s QuerySource[T, R]) Options(r *serialization.Resolver) engine.Options {
	opts := s.options(s.Kind(), s.Type())
	opts.Decode = decoder(r, s.Serializer)
	opts.Encode = encoder(r, s.Response)
	return opts
}

// RequestSource answers stream-backed requests for T with R, replying to the
// address carried in the request headers.
type RequestSource[T any, R any] struct {
	SourceSpec
	Serializer *serialization.Pair[T]
	Response   *serialization.Pair[R]
}

func (RequestSource[T, R]) Kind() engine.Kind  { return engine.KindRequest }
func (RequestSource[T, R]) Type() reflect.Type { return reflect.TypeFor[T]() }

func (s RequestSource[T, R]) Validate() error {
	if s.Stream == "" {
		return errspkg.ErrStreamRequired
	}
	if err := s.validate(); err != nil {
		return err
	}
	if err := validatePair(s.Serializer); err != nil {
		return err
	}
	return validatePair(s.Response)
}

func (s RequestSource[T, R]) Options(r *serialization.Resolver) engine.Options {
	opts := s.options(s.Kind(), s.Type())
	opts.Decode = decoder(r, s.Serializer)
	opts.Encode = encoder(r, s.Response)
	return opts
}

func decoder[T any](r *serialization.Resolver, override *serialization.Pair[T]) engine.Decoder {
	return func(data []byte, header nats.Header) (any, error) {
		return decode(r, override, data, header)
	}
}

// encoder serializes a dispatcher result as R. A nil result encodes the zero
// R; any other type is a configuration error.
func encoder[R any](r *serialization.Resolver, override *serialization.Pair[R]) engine.Encoder {
	return func(result any, header nats.Header) ([]byte, error) {
		var v R
		if result != nil {
			typed, ok := result.(R)
			if !ok {
				return nil, errspkg.NewConfigurationError("encode reply",
					fmt.Errorf("%w: got %T, want %s", errspkg.ErrUnexpectedMessageType, result, reflect.TypeFor[R]()))
			}
			v = typed
		}
		return encode(r, override, v, header)
	}
}
