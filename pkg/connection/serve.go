package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/pgostovic/platform/pkg/message"
)

// Sequence is a lazily produced, finite series of reply values. Next returns io.EOF
// after the last value. A sequence that also has a Close method is closed once the
// reply ends, however it ends.
type Sequence interface {
	Next(ctx context.Context) (any, error)
}

// Trailer is implemented by sequences whose end-of-stream envelopes must carry a
// payload, typically the routing fields of the reply.
type Trailer interface {
	Trailer() any
}

// SliceSequence adapts a slice to a Sequence.
type SliceSequence[T any] struct {
	items []T
	pos   int
}

// FromSlice returns a Sequence over items.
func FromSlice[T any](items []T) *SliceSequence[T] {
	return &SliceSequence[T]{items: items}
}

func (s *SliceSequence[T]) Next(_ context.Context) (any, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	v := s.items[s.pos]
	s.pos++
	return v, nil
}

func (c *Conn) serve(hook ReceiveFunc, env *message.Envelope) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - request %d handler panicked: %v\n%s", logPrefix, env.RequestID, r, debug.Stack()))
			c.replyError(c.ctx, env, message.NewError(message.CodeInternal, "internal error"))
		}
	}()

	res, err := hook(c.ctx, env.Payload)
	if err != nil {
		c.replyError(c.ctx, env, err)
		return
	}
	if seq, ok := res.(Sequence); ok {
		c.replyStream(c.ctx, env, seq)
		return
	}

	raw, err := message.EncodeInfo(res)
	if err != nil {
		c.replyError(c.ctx, env, fmt.Errorf("%s - failed to encode response: %w", logPrefix, err))
		return
	}
	c.reply(c.ctx, &message.Envelope{Kind: message.KindResponse, RequestID: env.RequestID, Payload: raw})
}

func (c *Conn) replyStream(ctx context.Context, env *message.Envelope, seq Sequence) {
	if cl, ok := seq.(interface{ Close() }); ok {
		defer cl.Close()
	}
	n := 0
	for {
		v, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.replyError(ctx, env, err)
			return
		}
		raw, err := message.EncodeInfo(v)
		if err != nil {
			c.replyError(ctx, env, fmt.Errorf("%s - failed to encode stream item: %w", logPrefix, err))
			return
		}
		if !c.reply(ctx, &message.Envelope{Kind: message.KindMulti, RequestID: env.RequestID, Payload: raw, Seq: n}) {
			return
		}
		n++
	}

	var trailer json.RawMessage
	if t, ok := seq.(Trailer); ok {
		trailer, _ = message.EncodeInfo(t.Trailer())
	}
	if !c.reply(ctx, &message.Envelope{Kind: message.KindMulti, RequestID: env.RequestID, Payload: trailer, Seq: n, End: true}) {
		return
	}
	c.reply(ctx, &message.Envelope{Kind: message.KindResponse, RequestID: env.RequestID, Payload: trailer})
}

func (c *Conn) replyError(ctx context.Context, env *message.Envelope, err error) {
	wire := message.ToWire(err)
	switch {
	case !errors.As(err, new(*message.Error)):
		slog.Error(fmt.Sprintf("%s - request %d failed: %v", logPrefix, env.RequestID, err))
	case wire.Kind == message.KindAnomaly:
		slog.Debug(fmt.Sprintf("%s - request %d anomaly: %v", logPrefix, env.RequestID, err))
	default:
		slog.Warn(fmt.Sprintf("%s - request %d error: %v", logPrefix, env.RequestID, err))
	}

	raw, encErr := message.EncodeInfo(wire.Payload(env.Payload))
	if encErr != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode error payload: %v", logPrefix, encErr))
		return
	}
	c.reply(ctx, &message.Envelope{Kind: wire.Kind, RequestID: env.RequestID, Payload: raw})
}

func (c *Conn) reply(ctx context.Context, env *message.Envelope) bool {
	env.SourceID = c.sourceID
	if err := c.send(ctx, env); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to send %s for request %d: %v", logPrefix, env.Kind, env.RequestID, err))
		return false
	}
	return true
}
