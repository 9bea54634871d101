// Package serialization resolves the encoder/decoder pair used for each
// message type. A pair carries either a native serializer that works on the
// value alone or an adapter that also reads and writes message headers.
package serialization

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

// Serializer converts values of T to and from bytes without touching headers.
type Serializer[T any] interface {
	Serialize(v T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

// Adapter is a custom byte-level codec that may read and mutate headers, for
// example to stamp a type alias or a schema version.
type Adapter[T any] interface {
	Encode(v T, header nats.Header) ([]byte, error)
	Decode(data []byte, header nats.Header) (T, error)
}

// Pair holds exactly one of Native or Adapter.
type Pair[T any] struct {
	Native  Serializer[T]
	Adapter Adapter[T]
}

// Validate reports ErrInvalidPair unless exactly one branch is populated.
func (p Pair[T]) Validate() error {
	if (p.Native == nil) == (p.Adapter == nil) {
		return errspkg.ErrInvalidPair
	}
	return nil
}

// Encode serializes v, letting an adapter mutate header.
func (p Pair[T]) Encode(v T, header nats.Header) ([]byte, error) {
	switch {
	case p.Native != nil && p.Adapter == nil:
		return p.Native.Serialize(v)
	case p.Adapter != nil && p.Native == nil:
		return p.Adapter.Encode(v, header)
	default:
		return nil, errspkg.ErrInvalidPair
	}
}

// Decode deserializes data. The header is only visible to adapters.
func (p Pair[T]) Decode(data []byte, header nats.Header) (T, error) {
	switch {
	case p.Native != nil && p.Adapter == nil:
		return p.Native.Deserialize(data)
	case p.Adapter != nil && p.Native == nil:
		return p.Adapter.Decode(data, header)
	default:
		var zero T
		return zero, errspkg.ErrInvalidPair
	}
}

// NativePair wraps a serializer.
func NativePair[T any](s Serializer[T]) Pair[T] { return Pair[T]{Native: s} }

// AdapterPair wraps an adapter.
func AdapterPair[T any](a Adapter[T]) Pair[T] { return Pair[T]{Adapter: a} }

// knownType is a type registered under an alias, with its codec erased to any
// so it can be used when only the alias is known.
type knownType struct {
	alias  string
	typ    reflect.Type
	encode func(v any, header nats.Header) ([]byte, error)
	decode func(data []byte, header nats.Header) (any, error)
}

// Resolver memoizes pairs per message type. It is owned by a bus and safe for
// concurrent use; entries are populated once and never replaced after first
// resolution unless Register is called again.
type Resolver struct {
	pairs   sync.Map // reflect.Type -> Pair[T]
	byAlias sync.Map // string -> *knownType
	byType  sync.Map // reflect.Type -> *knownType
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Register installs p as the pair for T, replacing the default.
func Register[T any](r *Resolver, p Pair[T]) error {
	t := reflect.TypeFor[T]()
	if err := p.Validate(); err != nil {
		return errspkg.NewConfigurationError("register serializer for "+t.String(), err)
	}
	r.pairs.Store(t, p)
	return nil
}

// Resolve returns the pair for T, building the default on first use.
func Resolve[T any](r *Resolver) (Pair[T], error) {
	t := reflect.TypeFor[T]()
	if cached, ok := r.pairs.Load(t); ok {
		return cached.(Pair[T]), nil
	}

	p, err := defaultPair[T](t)
	if err != nil {
		return Pair[T]{}, errspkg.NewConfigurationError("resolve serializer for "+t.String(), err)
	}
	actual, _ := r.pairs.LoadOrStore(t, p)
	return actual.(Pair[T]), nil
}

// RegisterKnownType maps alias to T. Values whose dynamic type is T are
// stamped with the alias on encode, and decoding honours the alias even when
// the static type is an interface.
func RegisterKnownType[T any](r *Resolver, alias string) error {
	t := reflect.TypeFor[T]()
	if alias == "" {
		return errspkg.NewConfigurationError("register known type "+t.String(), fmt.Errorf("alias is required"))
	}
	if t.Kind() == reflect.Interface {
		return errspkg.NewConfigurationError("register known type "+alias, fmt.Errorf("%s is an interface", t))
	}
	if _, err := Resolve[T](r); err != nil {
		return err
	}

	kt := &knownType{
		alias: alias,
		typ:   t,
		encode: func(v any, header nats.Header) ([]byte, error) {
			p, err := Resolve[T](r)
			if err != nil {
				return nil, err
			}
			return p.Encode(v.(T), header)
		},
		decode: func(data []byte, header nats.Header) (any, error) {
			p, err := Resolve[T](r)
			if err != nil {
				return nil, err
			}
			return p.Decode(data, header)
		},
	}
	if existing, loaded := r.byAlias.LoadOrStore(alias, kt); loaded && existing.(*knownType).typ != t {
		return errspkg.NewConfigurationError("register known type "+alias,
			fmt.Errorf("alias already bound to %s", existing.(*knownType).typ))
	}
	r.byType.Store(t, kt)
	return nil
}

// Alias returns the alias registered for t.
func (r *Resolver) Alias(t reflect.Type) (string, bool) {
	kt, ok := r.byType.Load(t)
	if !ok {
		return "", false
	}
	return kt.(*knownType).alias, true
}

// Encode serializes v. When the dynamic type of v has a registered alias, the
// alias is written to the known-type header and that type's pair is used.
// header may be nil only when no alias applies.
func Encode[T any](r *Resolver, v T, header nats.Header) ([]byte, error) {
	if dyn := reflect.TypeOf(v); dyn != nil {
		if kt, ok := r.byType.Load(dyn); ok && header != nil {
			k := kt.(*knownType)
			header.Set(metadatapkg.HeaderKnownType, k.alias)
			return k.encode(v, header)
		}
	}
	p, err := Resolve[T](r)
	if err != nil {
		return nil, err
	}
	return p.Encode(v, header)
}

// Decode deserializes data into T, switching to the aliased type when the
// known-type header names one. An alias whose type is not assignable to T is
// a configuration error.
func Decode[T any](r *Resolver, data []byte, header nats.Header) (T, error) {
	var zero T
	if alias := metadatapkg.Get(header, metadatapkg.HeaderKnownType); alias != "" {
		if kt, ok := r.byAlias.Load(alias); ok {
			k := kt.(*knownType)
			want := reflect.TypeFor[T]()
			if !k.typ.AssignableTo(want) {
				return zero, errspkg.NewConfigurationError("decode "+alias,
					fmt.Errorf("%w: %s is not assignable to %s", errspkg.ErrUnexpectedMessageType, k.typ, want))
			}
			v, err := k.decode(data, header)
			if err != nil {
				return zero, err
			}
			return v.(T), nil
		}
	}
	p, err := Resolve[T](r)
	if err != nil {
		return zero, err
	}
	return p.Decode(data, header)
}
