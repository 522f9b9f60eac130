package persist

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer converts query data to and from its stored byte form. Unmarshal
// returns the decoded value as the concrete model type the consumer expects,
// which is why serializers are registered per key rather than shared.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// Msgpack returns a Serializer that stores values of type T in msgpack. It is
// the recommended codec: compact and faster than JSON for typical models.
func Msgpack[T any]() Serializer {
	return msgpackSerializer[T]{}
}

type msgpackSerializer[T any] struct{}

func (msgpackSerializer[T]) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackSerializer[T]) Unmarshal(data []byte) (any, error) {
	var out T
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// JSON returns a Serializer that stores values of type T in JSON, for
// backends a human may want to inspect.
func JSON[T any]() Serializer {
	return jsonSerializer[T]{}
}

type jsonSerializer[T any] struct{}

func (jsonSerializer[T]) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonSerializer[T]) Unmarshal(data []byte) (any, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// safeUnmarshal guards the schema-drift boundary: a serializer that panics on
// a drifted payload degrades to an error instead of escaping Hydrate.
func safeUnmarshal(s Serializer, data []byte) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("persist: unmarshal panic: %v", r)
		}
	}()
	return s.Unmarshal(data)
}
