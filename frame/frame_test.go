package frame

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := Frame{
		Type:      TypeAIRequest,
		Message:   "What is the weather?",
		Action:    "request",
		Timestamp: 1700000000000,
	}

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestDecodeFieldOrderIrrelevant(t *testing.T) {
	data := []byte(`{"timestamp":123,"action":"greeting","message":"hi","type":"hello"}`)
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Type != TypeHello || f.Message != "hi" || f.Action != "greeting" || f.Timestamp != 123 {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestDecodeMissingMessageDefaultsEmpty(t *testing.T) {
	f, err := Decode([]byte(`{"type":"hello"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Message != "" {
		t.Errorf("expected empty message, got %q", f.Message)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json at all`},
		{"empty input", ``},
		{"json array", `[1,2,3]`},
		{"missing type", `{"message":"hi"}`},
		{"empty type", `{"type":"","message":"hi"}`},
		{"wrong type kind", `{"type":42}`},
	}

	for _, tc := range cases {
		_, err := Decode([]byte(tc.data))
		if err == nil {
			t.Errorf("%s: expected error, got none", tc.name)
			continue
		}
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("%s: expected ErrMalformedPayload, got %v", tc.name, err)
		}
	}
}

func TestEncodeOmitsEmptyOptionalFields(t *testing.T) {
	data, err := Encode(Frame{Type: TypeTest, Message: "hi"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	s := string(data)
	if strings.Contains(s, "action") {
		t.Errorf("empty action should be omitted: %s", s)
	}
	if strings.Contains(s, "timestamp") {
		t.Errorf("zero timestamp should be omitted: %s", s)
	}
}

func TestOversizeErrorMessage(t *testing.T) {
	err := &OversizeError{Size: 300, Limit: 200}
	if !strings.Contains(err.Error(), "300") || !strings.Contains(err.Error(), "200") {
		t.Errorf("error should carry both sizes: %s", err.Error())
	}
}
