package commsutil

import (
	"encoding/json"
	"fmt"

	"github.com/pgostovic/platform/pkg/message"
)

// EncodeEnvelope serializes an envelope to wire bytes.
func EncodeEnvelope(env *message.Envelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	return json.Marshal(env)
}

// DecodeEnvelope decodes wire bytes into an envelope, rejecting unknown kinds.
func DecodeEnvelope(data []byte) (*message.Envelope, error) {
	var env message.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	return &env, nil
}
