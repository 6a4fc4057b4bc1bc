package frame

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned by Decode when the bytes are not a valid
// JSON object or the object has no "type" field.
var ErrMalformedPayload = errors.New("malformed payload")

// OversizeError reports an encoded frame that exceeds the size ceiling of
// its destination. Transports refuse to send such frames instead of
// truncating them: truncated JSON is not decodable on the other side and
// can split a multi-byte character.
type OversizeError struct {
	Size  int
	Limit int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("encoded frame is %d bytes, limit is %d", e.Size, e.Limit)
}

// Frame is one structured protocol message exchanged over the link.
// Type selects the handler on the receiving side, Message is free text,
// Action is an auxiliary tag, Timestamp is optional milliseconds.
type Frame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Encode serializes a frame to its canonical UTF-8 JSON wire form.
// Encode never truncates; size policy belongs to the transports, which
// know the ceiling of their destination.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses wire bytes into a Frame. Field order is irrelevant.
// A missing "message" field decodes as the empty string; a missing "type"
// field or invalid JSON yields ErrMalformedPayload.
func Decode(data []byte) (Frame, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, ok := raw["type"]; !ok {
		return Frame{}, fmt.Errorf("%w: missing type field", ErrMalformedPayload)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: empty type field", ErrMalformedPayload)
	}
	return f, nil
}
