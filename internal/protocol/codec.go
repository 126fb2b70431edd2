package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Encode serializes a Message to JSON and writes it to w.
func Encode(w io.Writer, msg Message) error {
	if msg.Action == "" {
		return fmt.Errorf("message has no action")
	}
	if msg.Name == "" {
		return fmt.Errorf("message has no plugin name")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return nil
}

// Marshal serializes a Message to a JSON byte slice.
func Marshal(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads and deserializes one Message from r.
//
// Decoding is strict about shape (unknown fields are rejected) but
// deliberately lenient about the action value: an unrecognized action must
// survive decoding so the router can report it as a protocol violation
// instead of the codec swallowing it.
func Decode(r io.Reader) (Message, error) {
	var msg Message

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}

	if msg.Action == "" {
		return Message{}, fmt.Errorf("message missing required field: action")
	}
	if msg.Name == "" {
		return Message{}, fmt.Errorf("message missing required field: name")
	}

	return msg, nil
}

// Unmarshal deserializes one Message from a JSON byte slice. The transport
// may deliver either a pre-structured object or a string that still needs a
// parse step; both arrive here as raw bytes.
func Unmarshal(data []byte) (Message, error) {
	return Decode(bytes.NewReader(data))
}
