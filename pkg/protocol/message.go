package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the wire envelope. Data is left raw so intermediaries (the
// channel, the hub registry) can route on Type without decoding payloads
// they do not understand.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrEmptyType is returned when an inbound frame has no type field.
var ErrEmptyType = errors.New("protocol: message has empty type")

// NewMessage builds a Message, marshaling data. A nil data produces an
// envelope with no data field.
func NewMessage(typ string, data any) (Message, error) {
	msg := Message{Type: typ}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: encode %s: %w", typ, err)
	}
	msg.Data = raw
	return msg, nil
}

// MustMessage is NewMessage for payload types that cannot fail to marshal.
// It panics on error and is intended for struct literals under the
// package's own control.
func MustMessage(typ string, data any) Message {
	msg, err := NewMessage(typ, data)
	if err != nil {
		panic(err)
	}
	return msg
}

// Encode serializes the message for transmission.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeInto unmarshals the message payload into v.
func (m Message) DecodeInto(v any) error {
	if len(m.Data) == 0 {
		return &DecodeError{Type: m.Type, Err: errors.New("missing data")}
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return &DecodeError{Type: m.Type, Err: err}
	}
	return nil
}

// Decode parses an inbound frame.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, &DecodeError{Err: err}
	}
	if msg.Type == "" {
		return Message{}, ErrEmptyType
	}
	return msg, nil
}

// DecodeError wraps a malformed frame or payload. It carries the wire type
// when the envelope itself was readable.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: decode: %v", e.Err)
	}
	return fmt.Sprintf("protocol: decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
