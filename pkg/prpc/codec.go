package prpc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to build canonical CBOR mode: %v", err))
	}
}

// EncodeMessage serializes a record as a length-prefixed canonical-CBOR
// frame.
func EncodeMessage(v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	frame := make([]byte, 0, len(body)+binary.MaxVarintLen64)
	frame = binary.AppendUvarint(frame, uint64(len(body)))
	return append(frame, body...), nil
}

// DecodeMessage parses a length-prefixed frame into v. An empty input
// decodes into the zero record, so bodyless requests work.
func DecodeMessage(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return fmt.Errorf("invalid length prefix")
	}
	body := data[n:]
	if uint64(len(body)) < length {
		return fmt.Errorf("truncated message: want %d bytes, have %d", length, len(body))
	}
	if err := cbor.Unmarshal(body[:length], v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// EncodeJSON serializes a record as JSON, the alternative transport
// encoding a request may select.
func EncodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// DecodeJSON parses a JSON record into v; empty input is the zero record
func DecodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// DecodeRequest parses a request body in the selected encoding, mapping
// failures to DecodeError.
func DecodeRequest[T any](payload []byte, asJSON bool) (*T, error) {
	req := new(T)
	var err error
	if asJSON {
		err = DecodeJSON(payload, req)
	} else {
		err = DecodeMessage(payload, req)
	}
	if err != nil {
		return nil, &Error{Kind: KindDecodeError, Message: err.Error()}
	}
	return req, nil
}
