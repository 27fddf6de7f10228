package request

import (
	"encoding/json"
	"fmt"
)

// baseEnvelope is the subset of the BaseMessage wire format needed to
// unwrap a payload without going through the message registry.
type baseEnvelope struct {
	Payload json.RawMessage `json:"payload"`
}

// ParseMessage unwraps a NATS message body into T. It handles both
// BaseMessage-wrapped payloads and raw JSON, so consumers accept messages
// from framework publishers and plain producers alike.
func ParseMessage[T any](data []byte) (*T, error) {
	var env baseEnvelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Payload) > 0 {
		var out T
		if err := json.Unmarshal(env.Payload, &out); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		return &out, nil
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &out, nil
}
