package serialization

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownCodec is returned when a codec name is not registered
var ErrUnknownCodec = errors.New("serialization: unknown codec")

// Codec encodes and decodes messages and payloads
type Codec interface {
	// Marshal encodes v
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal decodes data into v
	Unmarshal(data []byte, v interface{}) error

	// ContentType returns the MIME type used on the wire
	ContentType() string

	// Name returns the configuration name of the codec
	Name() string
}

// JSONCodec is the default codec
type JSONCodec struct{}

// Marshal implements Codec
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// ContentType implements Codec
func (JSONCodec) ContentType() string { return "application/json" }

// Name implements Codec
func (JSONCodec) Name() string { return "json" }

// MsgpackCodec encodes with msgpack. Struct fields use their json-compatible msgpack tags.
type MsgpackCodec struct{}

// Marshal implements Codec
func (MsgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal implements Codec
func (MsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// ContentType implements Codec
func (MsgpackCodec) ContentType() string { return "application/msgpack" }

// Name implements Codec
func (MsgpackCodec) Name() string { return "msgpack" }

// ByName returns the codec registered under name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
}
