package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pgostovic/platform/pkg/connection"
	"github.com/pgostovic/platform/pkg/message"
)

// Stream yields the unwrapped results of one call in order. It is single-consumer.
type Stream struct {
	inner  *connection.Stream
	single json.RawMessage
	done   bool
}

func newStream(reply *connection.Reply) *Stream {
	if reply.IsStream() {
		return &Stream{inner: reply.Stream}
	}
	return &Stream{single: reply.Payload}
}

// IsMulti reports whether the handler answered with a streamed result.
func (s *Stream) IsMulti() bool { return s.inner != nil }

// Next returns the next result's info, or io.EOF.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, error) {
	if s.inner == nil {
		if s.done {
			return nil, io.EOF
		}
		s.done = true
		return unwrap(s.single)
	}
	raw, err := s.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	return unwrap(raw)
}

// Close abandons any remaining results.
func (s *Stream) Close() {
	if s.inner != nil {
		s.inner.Close()
	}
}

func (s *Stream) collect(ctx context.Context) (json.RawMessage, error) {
	if s.inner == nil {
		return unwrap(s.single)
	}
	items := []json.RawMessage{}
	for {
		raw, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if raw == nil {
			raw = json.RawMessage("null")
		}
		items = append(items, raw)
	}
	return json.Marshal(items)
}

func unwrap(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var msg message.ServiceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%s - decode reply: %w", logPrefix, err)
	}
	return msg.Info, nil
}
