package models

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeSpan serializes a span into the compact binary form used on the
// span stream and in spill files.
func EncodeSpan(s *Span) ([]byte, error) {
	b, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode span: %w", err)
	}
	return b, nil
}

// DecodeSpan deserializes a span payload produced by EncodeSpan.
func DecodeSpan(b []byte) (*Span, error) {
	var s Span
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to decode span: %w", err)
	}
	return &s, nil
}

// EncodeAlert serializes an alert for the live stream.
func EncodeAlert(a *Alert) ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode alert: %w", err)
	}
	return b, nil
}

// DecodeAlert deserializes an alert payload produced by EncodeAlert.
func DecodeAlert(b []byte) (*Alert, error) {
	var a Alert
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("failed to decode alert: %w", err)
	}
	return &a, nil
}
