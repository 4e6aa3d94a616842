// Package connection turns a bidirectional envelope transport into request/response,
// streaming and one-way calls correlated by request id.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgostovic/platform/pkg/commsutil"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/signing"
	"github.com/pgostovic/platform/pkg/transport"
)

const logPrefix = "connection:connection"

// DefaultResponseTimeout applies when no timeout is configured.
const DefaultResponseTimeout = 5 * time.Second

// ReceiveFunc handles an inbound request payload. It returns a single value, a Sequence
// for a streamed reply, or an error.
type ReceiveFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// NotifyFunc handles an inbound one-way envelope. It runs on the receive loop and must
// not block on calls made through the same connection.
type NotifyFunc func(ctx context.Context, payload json.RawMessage)

// Reply is the result of a request: either a single payload or a stream.
type Reply struct {
	Payload json.RawMessage
	Stream  *Stream
}

// IsStream reports whether the counterparty answered with a streamed reply.
func (r *Reply) IsStream() bool {
	return r.Stream != nil
}

type result struct {
	reply *Reply
	err   error
}

type pending struct {
	first     chan result
	delivered bool
	stream    *Stream
	terminal  bool
}

func (p *pending) deliver(r result) {
	if p.delivered {
		return
	}
	p.delivered = true
	p.first <- r
}

// Option configures a Conn.
type Option func(*Conn)

// WithResponseTimeout sets the initial response timeout.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Conn) { c.SetResponseTimeout(d) }
}

// WithSigner signs outbound envelopes and verifies inbound ones.
func WithSigner(s signing.Signer) Option {
	return func(c *Conn) { c.signer = s }
}

// WithSourceID overrides the generated source id.
func WithSourceID(id string) Option {
	return func(c *Conn) { c.sourceID = id }
}

// WithOrigin records the return subject replies to this connection are published to.
func WithOrigin(origin string) Option {
	return func(c *Conn) { c.origin = origin }
}

// WithReceiver installs the request hook before the connection starts reading.
func WithReceiver(fn ReceiveFunc) Option {
	return func(c *Conn) { c.onReceive = fn }
}

// WithNotifier adds a one-way hook before the connection starts reading.
func WithNotifier(fn NotifyFunc) Option {
	return func(c *Conn) { c.onNotify = append(c.onNotify, fn) }
}

// Conn is a message connection. Many requests may be outstanding at once; replies are
// matched to callers strictly by request id.
type Conn struct {
	tr       transport.Transport
	sourceID string
	origin   string
	signer   signing.Signer
	timeout  atomic.Int64
	nextID   atomic.Uint64

	mu        sync.Mutex
	pending   map[uint64]*pending
	onReceive ReceiveFunc
	onNotify  []NotifyFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts a connection over tr.
func New(tr transport.Transport, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		tr:       tr,
		sourceID: commsutil.NewID(),
		pending:  make(map[uint64]*pending),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.timeout.Store(int64(DefaultResponseTimeout))
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

// SourceID identifies this connection instance on the wire.
func (c *Conn) SourceID() string { return c.sourceID }

// Origin is the return subject of this connection, empty for point-to-point transports.
func (c *Conn) Origin() string { return c.origin }

// Done is closed once the transport has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ResponseTimeout returns the current response timeout.
func (c *Conn) ResponseTimeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetResponseTimeout changes the response timeout for calls issued afterwards.
func (c *Conn) SetResponseTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultResponseTimeout
	}
	c.timeout.Store(int64(d))
}

// OnReceive registers the hook that serves inbound requests.
func (c *Conn) OnReceive(fn ReceiveFunc) {
	c.mu.Lock()
	c.onReceive = fn
	c.mu.Unlock()
}

// OnNotify adds a hook for inbound one-way envelopes. Hooks run in registration order.
func (c *Conn) OnNotify(fn NotifyFunc) {
	c.mu.Lock()
	c.onNotify = append(c.onNotify, fn)
	c.mu.Unlock()
}

// Request sends payload as a request and waits for the first reply.
func (c *Conn) Request(ctx context.Context, payload any) (*Reply, error) {
	raw, err := message.EncodeInfo(payload)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode request: %w", logPrefix, err)
	}

	id := c.nextID.Add(1)
	p := &pending{first: make(chan result, 1)}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	env := &message.Envelope{Kind: message.KindRequest, RequestID: id, Payload: raw, SourceID: c.sourceID}
	if err := c.send(ctx, env); err != nil {
		c.drop(id)
		return nil, err
	}

	timer := time.NewTimer(c.ResponseTimeout())
	defer timer.Stop()

	select {
	case r := <-p.first:
		return r.reply, r.err
	case <-timer.C:
		c.drop(id)
		slog.Debug(fmt.Sprintf("%s - request %d timed out", logPrefix, id))
		return nil, message.NewError(message.CodeTimeout, fmt.Sprintf("no response within %s", c.ResponseTimeout()))
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, message.NewError(message.CodeClosed, "connection closed")
	}
}

// RequestOne is Request flattened to a single payload; a streamed reply yields its first item.
func (c *Conn) RequestOne(ctx context.Context, payload any) (json.RawMessage, error) {
	reply, err := c.Request(ctx, payload)
	if err != nil {
		return nil, err
	}
	if !reply.IsStream() {
		return reply.Payload, nil
	}
	defer reply.Stream.Close()
	return reply.Stream.Next(ctx)
}

// Send publishes payload one-way. No reply is expected.
func (c *Conn) Send(ctx context.Context, payload any) error {
	raw, err := message.EncodeInfo(payload)
	if err != nil {
		return fmt.Errorf("%s - failed to encode send: %w", logPrefix, err)
	}
	return c.send(ctx, &message.Envelope{Kind: message.KindSend, Payload: raw, SourceID: c.sourceID})
}

// Close shuts the transport down and fails every pending call.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.tr.Close()
	})
	<-c.done
	c.wg.Wait()
	return err
}

func (c *Conn) send(ctx context.Context, env *message.Envelope) error {
	if c.signer != nil {
		c.signer.Sign(env)
	}
	return c.tr.Send(ctx, env)
}

func (c *Conn) drop(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) run() {
	defer c.shutdown()
	for env := range c.tr.Receive() {
		c.handle(env)
	}
}

func (c *Conn) shutdown() {
	c.cancel()
	closed := message.NewError(message.CodeClosed, "connection closed")

	c.mu.Lock()
	for id, p := range c.pending {
		if p.stream != nil {
			p.stream.fail(closed)
		}
		p.deliver(result{err: closed})
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Conn) handle(env *message.Envelope) {
	if c.signer != nil {
		if err := c.signer.Verify(env); err != nil {
			c.rejectUnsigned(env)
			return
		}
	}

	switch env.Kind {
	case message.KindRequest:
		c.mu.Lock()
		hook := c.onReceive
		c.mu.Unlock()
		if hook == nil {
			slog.Warn(fmt.Sprintf("%s - no receiver for request %d, dropping", logPrefix, env.RequestID))
			return
		}
		c.wg.Add(1)
		go c.serve(hook, env)
	case message.KindSend:
		if env.SourceID == c.sourceID {
			return
		}
		c.mu.Lock()
		hooks := c.onNotify
		c.mu.Unlock()
		for _, hook := range hooks {
			hook(c.ctx, env.Payload)
		}
	default:
		c.resolve(env)
	}
}

func (c *Conn) rejectUnsigned(env *message.Envelope) {
	sigErr := message.NewError(message.CodeSignatureInvalid, "Message failed verification")
	slog.Warn(fmt.Sprintf("%s - %s envelope %d failed signature verification", logPrefix, env.Kind, env.RequestID))

	switch {
	case env.Kind == message.KindRequest:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.replyError(c.ctx, env, sigErr)
		}()
	case env.IsReply():
		c.mu.Lock()
		if p, ok := c.pending[env.RequestID]; ok {
			delete(c.pending, env.RequestID)
			if p.stream != nil {
				p.stream.fail(sigErr)
			}
			p.deliver(result{err: sigErr})
		}
		c.mu.Unlock()
	}
}

func (c *Conn) resolve(env *message.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[env.RequestID]
	if !ok {
		slog.Debug(fmt.Sprintf("%s - ignoring %s for unknown request %d", logPrefix, env.Kind, env.RequestID))
		return
	}

	switch env.Kind {
	case message.KindResponse:
		if p.stream == nil {
			delete(c.pending, env.RequestID)
			p.deliver(result{reply: &Reply{Payload: env.Payload}})
			return
		}
		p.terminal = true
		if p.stream.ended() {
			delete(c.pending, env.RequestID)
		}
	case message.KindMulti:
		if p.stream == nil {
			p.stream = newStream(c, env.RequestID)
			p.deliver(result{reply: &Reply{Stream: p.stream}})
		}
		if env.End {
			p.stream.finish(env.Seq)
			if p.terminal {
				delete(c.pending, env.RequestID)
			}
			return
		}
		p.stream.push(env.Seq, env.Payload)
	case message.KindError, message.KindAnomaly:
		delete(c.pending, env.RequestID)
		var ep message.ErrorPayload
		if err := json.Unmarshal(env.Payload, &ep); err != nil {
			ep = message.ErrorPayload{Code: message.CodeInternal, Message: "undecodable error payload"}
		}
		callErr := message.FromPayload(env.Kind, ep)
		if p.stream != nil {
			p.stream.fail(callErr)
		}
		p.deliver(result{err: callErr})
	}
}
