package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// sequenceField is the key the delivery pipeline stamps into every message.
const sequenceField = "sequence"

// Message is a structured payload in flight to a user. Producers hand the
// pipeline an arbitrary JSON object; the pipeline stamps the sequence field
// before the message is buffered or published.
type Message map[string]any

// Sequence returns the stamped sequence number, or 0 when the field is
// missing or not an integer.
func (m Message) Sequence() int64 {
	switch v := m[sequenceField].(type) {
	case int64:
		return v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Encode serializes the message for buffering and publishing.
func (m Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return raw, nil
}

// DecodeMessage parses a raw buffered or published payload. Numbers are kept
// as json.Number so the sequence round-trips losslessly as an integer.
func DecodeMessage(raw []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return m, nil
}

// stamp returns a copy of payload with the sequence field set. The input is
// never mutated; callers may reuse it.
func stamp(payload Message, sequence int64) Message {
	m := make(Message, len(payload)+1)
	for k, v := range payload {
		m[k] = v
	}
	m[sequenceField] = sequence
	return m
}
