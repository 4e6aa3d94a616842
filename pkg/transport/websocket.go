package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/pgostovic/platform/pkg/commsutil"
	"github.com/pgostovic/platform/pkg/message"
)

const wsLogPrefix = "transport:websocket"

// WebSocket is a Transport over one WebSocket connection, one JSON envelope per frame.
type WebSocket struct {
	ws     *websocket.Conn
	ch     chan *message.Envelope
	done   chan struct{}
	sendMu sync.Mutex
	once   sync.Once
}

// NewWebSocket wraps an established connection and starts reading from it.
func NewWebSocket(ws *websocket.Conn) *WebSocket {
	t := &WebSocket{
		ws:   ws,
		ch:   make(chan *message.Envelope, receiveBuffer),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// DialWebSocket opens a client connection to url. header is sent with the handshake
// (cookies, Accept-Language).
func DialWebSocket(ctx context.Context, url, origin string, header http.Header) (*WebSocket, error) {
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid url %s: %w", wsLogPrefix, url, err)
	}
	if header != nil {
		cfg.Header = header
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s - dial %s: %w", wsLogPrefix, url, err)
	}
	return NewWebSocket(ws), nil
}

// Request returns the handshake request of a server-side connection.
func (t *WebSocket) Request() *http.Request {
	return t.ws.Request()
}

func (t *WebSocket) readLoop() {
	defer close(t.ch)
	for {
		var data []byte
		if err := websocket.Message.Receive(t.ws, &data); err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-t.done:
				default:
					slog.Debug(fmt.Sprintf("%s - read ended: %v", wsLogPrefix, err))
				}
			}
			return
		}
		env, err := commsutil.DecodeEnvelope(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping undecodable frame: %v", wsLogPrefix, err))
			continue
		}
		select {
		case t.ch <- env:
		case <-t.done:
			return
		}
	}
}

// Send writes env as one text frame.
func (t *WebSocket) Send(_ context.Context, env *message.Envelope) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	data, err := commsutil.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("%s - failed to encode envelope: %w", wsLogPrefix, err)
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := websocket.Message.Send(t.ws, string(data)); err != nil {
		return fmt.Errorf("%s - write failed: %w", wsLogPrefix, err)
	}
	return nil
}

// Receive returns the inbound envelope stream.
func (t *WebSocket) Receive() <-chan *message.Envelope {
	return t.ch
}

// Close closes the underlying connection.
func (t *WebSocket) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.ws.Close()
	})
	return err
}
