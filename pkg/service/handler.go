package service

import (
	"context"
	"encoding/json"
	"io"
	"iter"

	"github.com/pgostovic/platform/pkg/connection"
	"github.com/pgostovic/platform/pkg/message"
)

// Handler serves one request type. It returns a single value, a connection.Sequence for a
// streamed reply, or an error. Handlers read the caller's identity with reqctx.From.
type Handler func(ctx context.Context, info json.RawMessage) (any, error)

// Typed adapts a function with a decoded input and a single result.
func Typed[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return func(ctx context.Context, info json.RawMessage) (any, error) {
		in, err := decodeInfo[In](info)
		if err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// Streaming adapts a function whose result is produced item by item. Items are sent as
// they are yielded; the first yielded error ends the reply with that error.
func Streaming[In, Out any](fn func(ctx context.Context, in In) (iter.Seq2[Out, error], error)) Handler {
	return func(ctx context.Context, info json.RawMessage) (any, error) {
		in, err := decodeInfo[In](info)
		if err != nil {
			return nil, err
		}
		seq, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		next, stop := iter.Pull2(seq)
		return &pullSequence[Out]{next: next, stop: stop}, nil
	}
}

func decodeInfo[In any](info json.RawMessage) (In, error) {
	var in In
	if len(info) == 0 || string(info) == "null" {
		return in, nil
	}
	if err := json.Unmarshal(info, &in); err != nil {
		return in, message.NewError(message.CodeBadRequest, "invalid request info: "+err.Error())
	}
	return in, nil
}

type pullSequence[Out any] struct {
	next func() (Out, error, bool)
	stop func()
}

var _ connection.Sequence = (*pullSequence[int])(nil)

func (p *pullSequence[Out]) Next(_ context.Context) (any, error) {
	v, err, ok := p.next()
	if !ok {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (p *pullSequence[Out]) Close() { p.stop() }
