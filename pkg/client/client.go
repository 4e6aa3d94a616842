// Package client presents a remote domain's handlers as calls on a local value. Handler
// names are discovered from the domain at startup; calls made before discovery completes
// are queued and replayed in order.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pgostovic/platform/pkg/connection"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/reqctx"
	"github.com/pgostovic/platform/pkg/semver"
)

const logPrefix = "client:client"

// Discovery defaults.
const (
	DefaultDiscoveryTimeout = time.Second
	DefaultQuickRetries     = 5
	DefaultRetryWait        = 10 * time.Second
)

type state int

const (
	stateUninitialized state = iota
	stateFlushing
	stateReady
	stateFailed
)

// NotifyFunc receives the info of a notification or broadcast from the domain.
type NotifyFunc func(ctx context.Context, info json.RawMessage)

type options struct {
	discoveryTimeout time.Duration
	quickRetries     int
	retryWait        time.Duration
	versionRange     string
	broadcastPrefix  string
}

// Option configures a Client.
type Option func(*options)

// WithDiscoveryTimeout bounds each handlers request during discovery.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(o *options) { o.discoveryTimeout = d }
}

// WithQuickRetries sets how many failed discovery attempts are retried without waiting.
func WithQuickRetries(n int) Option {
	return func(o *options) { o.quickRetries = n }
}

// WithRetryWait sets the pause between discovery attempts once quick retries are used up.
func WithRetryWait(d time.Duration) Option {
	return func(o *options) { o.retryWait = d }
}

// WithVersionConstraint fails the client when the domain reports a version outside rng.
func WithVersionConstraint(rng string) Option {
	return func(o *options) { o.versionRange = rng }
}

// WithBroadcastPrefix sets the broadcast subject prefix Dial subscribes under.
func WithBroadcastPrefix(prefix string) Option {
	return func(o *options) { o.broadcastPrefix = prefix }
}

type waiter struct {
	proceed   chan error
	done      chan struct{}
	signaled  bool
	abandoned bool
}

// Client is the proxy for one domain.
type Client struct {
	domain    string
	conn      *connection.Conn
	ownsConn  bool
	opts      options
	discovery chan struct{}

	mu        sync.Mutex
	state     state
	err       error
	handlers  map[string]bool
	names     []string
	version   string
	queue     []*waiter
	ready     chan struct{}
	listeners map[string][]NotifyFunc
	notices   *connection.Serial

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts discovery of domain over conn. The connection is not closed by Close.
func New(domain string, conn *connection.Conn, opts ...Option) *Client {
	o := options{
		discoveryTimeout: DefaultDiscoveryTimeout,
		quickRetries:     DefaultQuickRetries,
		retryWait:        DefaultRetryWait,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		domain:    domain,
		conn:      conn,
		opts:      o,
		discovery: make(chan struct{}),
		ready:     make(chan struct{}),
		listeners: make(map[string][]NotifyFunc),
		notices:   connection.NewSerial(0),
		ctx:       ctx,
		cancel:    cancel,
	}
	conn.OnNotify(c.onNotify)
	go c.discover()
	return c
}

// Domain returns the remote domain name.
func (c *Client) Domain() string { return c.domain }

// Ready is closed once discovery has finished, successfully or not.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Err returns the error that put the client in the failed state, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Handlers waits for discovery and returns the domain's handler names, including the
// reserved introspection handler.
func (c *Client) Handlers(ctx context.Context) ([]string, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateFailed {
		return nil, c.err
	}
	return append([]string(nil), c.names...), nil
}

// Version returns the version the domain reported during discovery.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// On registers fn for notifications of typ from this domain. Listeners of one client run
// one at a time in arrival order, off the connection's receive loop.
func (c *Client) On(typ string, fn NotifyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[typ] = append(c.listeners[typ], fn)
}

// Call invokes handler with info and decodes the result into out, which may be nil.
// A streamed result is collected into a JSON array.
func (c *Client) Call(ctx context.Context, handler string, info any, out any) error {
	stream, err := c.Stream(ctx, handler, info)
	if err != nil {
		return err
	}
	defer stream.Close()

	raw, err := stream.collect(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s - decode %s.%s result: %w", logPrefix, c.domain, handler, err)
	}
	return nil
}

// Stream invokes handler and returns its results one at a time. A single-value result is
// a stream of one.
func (c *Client) Stream(ctx context.Context, handler string, info any) (*Stream, error) {
	release, err := c.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if !c.allowed(handler) {
		return nil, message.NewError(message.CodeUnsupportedType,
			"handler type not supported: "+message.QualifiedType(c.domain, handler))
	}

	msg, err := c.message(ctx, handler, info)
	if err != nil {
		return nil, err
	}
	reply, err := c.conn.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	return newStream(reply), nil
}

// Close stops discovery and fails queued and future calls. A connection opened by Dial
// is closed too.
func (c *Client) Close() error {
	c.cancel()
	<-c.discovery
	c.notices.Close()
	c.fail(message.NewError(message.CodeClosed, "client closed"))
	if c.ownsConn {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) message(ctx context.Context, handler string, info any) (*message.ServiceMessage, error) {
	raw, err := message.EncodeInfo(info)
	if err != nil {
		return nil, fmt.Errorf("%s - encode %s.%s info: %w", logPrefix, c.domain, handler, err)
	}
	msg := &message.ServiceMessage{
		Type:   message.QualifiedType(c.domain, handler),
		Info:   raw,
		Origin: c.conn.Origin(),
	}
	if scope, ok := reqctx.From(ctx); ok {
		msg.ConnectionID = scope.ConnectionID()
		msg.AccountID = scope.AccountID()
		msg.Langs = scope.Langs()
	}
	return msg, nil
}

func (c *Client) allowed(handler string) bool {
	if handler == message.HandlersType {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[handler]
}

// admit blocks until the call may be sent. Calls made before the client is ready wait in
// FIFO order; release must be called once the call has its reply.
func (c *Client) admit(ctx context.Context) (func(), error) {
	c.mu.Lock()
	switch c.state {
	case stateReady:
		c.mu.Unlock()
		return func() {}, nil
	case stateFailed:
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	w := &waiter{proceed: make(chan error, 1), done: make(chan struct{})}
	c.queue = append(c.queue, w)
	c.mu.Unlock()

	select {
	case err := <-w.proceed:
		if err != nil {
			return nil, err
		}
		return func() { close(w.done) }, nil
	case <-ctx.Done():
		c.mu.Lock()
		if w.signaled {
			// the flusher already let this call through and waits for it
			c.mu.Unlock()
			if err := <-w.proceed; err == nil {
				close(w.done)
			}
			return nil, ctx.Err()
		}
		w.abandoned = true
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) discover() {
	defer close(c.discovery)

	attempt := 0
	for {
		info, err := c.fetchHandlers()
		if err == nil {
			c.install(info)
			return
		}
		if c.ctx.Err() != nil {
			return
		}

		attempt++
		if attempt <= c.opts.quickRetries {
			slog.Warn(fmt.Sprintf("%s - discovery of %s failed (attempt %d): %v; retrying", logPrefix, c.domain, attempt, err))
			continue
		}
		slog.Warn(fmt.Sprintf("%s - discovery of %s failed (attempt %d): %v; retrying in %s", logPrefix, c.domain, attempt, err, c.opts.retryWait))
		select {
		case <-time.After(c.opts.retryWait):
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) fetchHandlers() (*message.HandlersInfo, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.discoveryTimeout)
	defer cancel()

	raw, err := c.conn.RequestOne(ctx, &message.ServiceMessage{
		Type:   message.QualifiedType(c.domain, message.HandlersType),
		Origin: c.conn.Origin(),
	})
	if err != nil {
		return nil, err
	}

	var reply message.ServiceMessage
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%s - decode handlers reply: %w", logPrefix, err)
	}
	var info message.HandlersInfo
	if err := json.Unmarshal(reply.Info, &info); err != nil {
		return nil, fmt.Errorf("%s - decode handlers info: %w", logPrefix, err)
	}
	return &info, nil
}

func (c *Client) install(info *message.HandlersInfo) {
	if !semver.SatisfiesRange(info.Version, c.opts.versionRange) {
		err := message.NewError(message.CodeIncompatibleVersion,
			fmt.Sprintf("%s version %q does not satisfy %q", c.domain, info.Version, c.opts.versionRange))
		slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
		c.fail(err)
		return
	}

	handlers := map[string]bool{message.HandlersType: true}
	for _, h := range info.Handlers {
		handlers[h] = true
	}
	names := make([]string, 0, len(handlers))
	for h := range handlers {
		names = append(names, h)
	}
	sort.Strings(names)

	c.mu.Lock()
	c.handlers = handlers
	c.names = names
	c.version = info.Version
	c.state = stateFlushing
	c.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Discovered %s %s: %v", logPrefix, c.domain, info.Version, names))
	c.flush()
}

// flush lets queued calls through one at a time, oldest first. Calls arriving meanwhile
// join the back of the queue.
func (c *Client) flush() {
	for {
		c.mu.Lock()
		if c.state != stateFlushing {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.state = stateReady
			close(c.ready)
			c.mu.Unlock()
			return
		}
		w := c.queue[0]
		c.queue = c.queue[1:]
		if w.abandoned {
			c.mu.Unlock()
			continue
		}
		w.signaled = true
		c.mu.Unlock()

		w.proceed <- nil
		select {
		case <-w.done:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateFailed {
		return
	}
	wasReady := c.state == stateReady
	c.state = stateFailed
	c.err = err
	for _, w := range c.queue {
		if !w.abandoned && !w.signaled {
			w.proceed <- err
		}
	}
	c.queue = nil
	if !wasReady {
		close(c.ready)
	}
}

func (c *Client) onNotify(ctx context.Context, payload json.RawMessage) {
	var msg message.ServiceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping undecodable notification: %v", logPrefix, err))
		return
	}
	domain, typ := message.SplitType(msg.Type)
	if domain != c.domain {
		return
	}

	c.mu.Lock()
	fns := c.listeners[typ]
	c.mu.Unlock()
	for _, fn := range fns {
		c.notices.Queue(func() { fn(ctx, msg.Info) })
	}
}
