// Package transport adapts byte-oriented channels (a NATS subscription set, a WebSocket)
// into a bidirectional stream of envelopes.
package transport

import (
	"context"
	"errors"

	"github.com/pgostovic/platform/pkg/message"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// Transport carries envelopes in both directions. Receive returns a channel that is
// closed when the transport shuts down.
type Transport interface {
	Send(ctx context.Context, env *message.Envelope) error
	Receive() <-chan *message.Envelope
	Close() error
}

const receiveBuffer = 256
