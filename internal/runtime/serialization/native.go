package serialization

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/jsoncodec"
)

var protoMessageType = reflect.TypeFor[proto.Message]()

// defaultPair picks protobuf binary for proto messages and JSON otherwise.
func defaultPair[T any](t reflect.Type) (Pair[T], error) {
	if t.Implements(protoMessageType) && t.Kind() == reflect.Pointer {
		return NativePair[T](ProtoSerializer[T]{}), nil
	}
	if err := checkJSONType(t, map[reflect.Type]bool{}); err != nil {
		return Pair[T]{}, err
	}
	return NativePair[T](JSONSerializer[T]{}), nil
}

// checkJSONType rejects kinds that can never be encoded as JSON.
func checkJSONType(t reflect.Type, seen map[reflect.Type]bool) error {
	if seen[t] {
		return nil
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("%w: %s cannot be encoded as JSON", errspkg.ErrNoSerializer, t)
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return checkJSONType(t.Elem(), seen)
	case reflect.Map:
		return checkJSONType(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("json") == "-" {
				continue
			}
			if err := checkJSONType(f.Type, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// JSONSerializer encodes T as JSON.
type JSONSerializer[T any] struct{}

func (JSONSerializer[T]) Serialize(v T) ([]byte, error) {
	return jsoncodec.Marshal(v)
}

func (JSONSerializer[T]) Deserialize(data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := jsoncodec.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode json: %w", err)
	}
	return out, nil
}

// ProtoSerializer encodes protobuf messages in the binary wire format. T must
// be a pointer to a generated message.
type ProtoSerializer[T any] struct{}

func (ProtoSerializer[T]) Serialize(v T) ([]byte, error) {
	msg, ok := any(v).(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto message", errspkg.ErrUnexpectedMessageType, v)
	}
	return proto.Marshal(msg)
}

func (ProtoSerializer[T]) Deserialize(data []byte) (T, error) {
	out, msg, err := newProto[T]()
	if err != nil {
		return out, err
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return out, fmt.Errorf("decode proto: %w", err)
	}
	return out, nil
}

// ProtoJSONSerializer encodes protobuf messages with protojson, for subjects
// read by non-Go consumers.
type ProtoJSONSerializer[T any] struct {
	Marshal   protojson.MarshalOptions
	Unmarshal protojson.UnmarshalOptions
}

func (s ProtoJSONSerializer[T]) Serialize(v T) ([]byte, error) {
	msg, ok := any(v).(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto message", errspkg.ErrUnexpectedMessageType, v)
	}
	return s.Marshal.Marshal(msg)
}

func (s ProtoJSONSerializer[T]) Deserialize(data []byte) (T, error) {
	out, msg, err := newProto[T]()
	if err != nil {
		return out, err
	}
	if err := s.Unmarshal.Unmarshal(data, msg); err != nil {
		return out, fmt.Errorf("decode protojson: %w", err)
	}
	return out, nil
}

// newProto allocates a fresh message for pointer type T.
func newProto[T any]() (T, proto.Message, error) {
	var zero T
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Pointer {
		return zero, nil, fmt.Errorf("%w: %s is not a pointer", errspkg.ErrUnexpectedMessageType, t)
	}
	v := reflect.New(t.Elem()).Interface()
	msg, ok := v.(proto.Message)
	if !ok {
		return zero, nil, fmt.Errorf("%w: %s is not a proto message", errspkg.ErrUnexpectedMessageType, t)
	}
	return v.(T), msg, nil
}
