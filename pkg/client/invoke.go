package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/pgostovic/platform/pkg/reqctx"
)

// Invoke calls handler through c and decodes the result as T.
func Invoke[T any](ctx context.Context, c reqctx.Caller, handler string, info any) (T, error) {
	var out T
	err := c.Call(ctx, handler, info, &out)
	return out, err
}

// InvokeStream calls handler and yields each streamed result decoded as T. Iteration
// stops at the first error, which is yielded.
func InvokeStream[T any](ctx context.Context, c *Client, handler string, info any) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		stream, err := c.Stream(ctx, handler, info)
		if err != nil {
			yield(zero, err)
			return
		}
		defer stream.Close()

		for {
			raw, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(zero, err)
				return
			}
			var item T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &item); err != nil {
					yield(zero, fmt.Errorf("%s - decode %s.%s item: %w", logPrefix, c.domain, handler, err))
					return
				}
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}
