package messaging

import (
	"fmt"

	"github.com/glimte/msb-go/contracts"
	"github.com/glimte/msb-go/serialization"
)

// ConvertPayload decodes a raw payload into T
func ConvertPayload[T any](codec serialization.Codec, raw contracts.RawPayload) (T, error) {
	var out T
	if !raw.IsPresent() {
		return out, nil
	}
	if err := codec.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to convert payload to %T: %w", out, err)
	}
	return out, nil
}

// EncodePayload encodes v as a raw payload. nil yields an absent payload.
func EncodePayload(codec serialization.Codec, v interface{}) (contracts.RawPayload, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(contracts.RawPayload); ok {
		return raw, nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}
