package contracts

import "bytes"

var jsonNull = []byte("null")

// RawPayload holds a payload in its encoded form. With the JSON codec it is embedded
// verbatim (like json.RawMessage); with msgpack it travels as a binary field.
type RawPayload []byte

// IsPresent reports whether the payload carries data. An explicit JSON null counts as absent.
func (p RawPayload) IsPresent() bool {
	return len(p) > 0 && !bytes.Equal(p, jsonNull)
}

// MarshalJSON returns p as the raw encoding, or null when empty
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return jsonNull, nil
	}
	return p, nil
}

// UnmarshalJSON keeps a copy of the raw encoding. null resets the payload.
func (p *RawPayload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, jsonNull) {
		*p = nil
		return nil
	}
	*p = append((*p)[0:0], data...)
	return nil
}
