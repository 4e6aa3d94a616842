// Package gateway multiplexes external WebSocket connections onto the bus. Requests from a
// connection are forwarded to their domain with the connection's identity attached, and
// notifications addressed to the connection are pushed back down its socket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	comms "github.com/nats-io/nats.go"
	"golang.org/x/net/websocket"
	"golang.org/x/text/language"

	"github.com/pgostovic/platform/internal/config"
	"github.com/pgostovic/platform/pkg/client"
	"github.com/pgostovic/platform/pkg/commsutil"
	"github.com/pgostovic/platform/pkg/connection"
	"github.com/pgostovic/platform/pkg/domains/auth"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/reqctx"
	"github.com/pgostovic/platform/pkg/signing"
	"github.com/pgostovic/platform/pkg/transport"
)

const logPrefix = "gateway:gateway"

// outboxLimit bounds the notifications waiting to be written to one external connection.
const outboxLimit = 256

// Option configures a Gateway.
type Option func(*Gateway)

// WithAuthDomain changes the domain the handshake credential is authenticated against.
func WithAuthDomain(domain string) Option {
	return func(g *Gateway) { g.authDomain = domain }
}

// WithClientOptions adds options to the gateway's auth client.
func WithClientOptions(opts ...client.Option) Option {
	return func(g *Gateway) { g.clientOpts = append(g.clientOpts, opts...) }
}

// external is one open WebSocket connection. Notifications for it are written by its own
// outbox so a slow client never holds up the bus connection.
type external struct {
	conn *connection.Conn
	out  *connection.Serial
}

// Gateway is one API gateway instance.
type Gateway struct {
	cfg        *config.Config
	id         string
	authDomain string
	clientOpts []client.Option

	bus  *connection.Conn
	auth *auth.Client
	ac   *client.Client

	mu    sync.Mutex
	conns map[string]*external

	httpServer *http.Server
	closeOnce  sync.Once
}

// New opens the gateway's bus connection: a private return subject for forwarded requests
// and a subscription to the notifications of every connection this gateway owns.
func New(cfg *config.Config, nc *comms.Conn, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		id:         cfg.GatewayID,
		authDomain: auth.Domain,
		conns:      make(map[string]*external),
	}
	if g.id == "" {
		g.id = commsutil.NewID()
	}
	if strings.ContainsAny(g.id, ".*> ") {
		return nil, fmt.Errorf("%s - invalid gateway id %q", logPrefix, g.id)
	}
	for _, opt := range opts {
		opt(g)
	}

	connOpts := []connection.Option{connection.WithResponseTimeout(cfg.ResponseTimeout)}
	if cfg.SigningSalt != "" {
		signer, err := signing.NewHMAC(cfg.SigningSalt)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to create signer: %w", logPrefix, err)
		}
		connOpts = append(connOpts, connection.WithSigner(signer))
	}

	origin := commsutil.BuildOriginSubject(commsutil.NewID())
	tr, err := transport.NewNATS(nc, transport.NATSOptions{
		Subscriptions: []transport.Subscription{
			{Subject: origin},
			{Subject: commsutil.GatewayNotifyWildcard(g.id)},
		},
		PublishSubject: client.RequestSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open bus transport: %w", logPrefix, err)
	}
	connOpts = append(connOpts, connection.WithOrigin(origin), connection.WithNotifier(g.route))
	g.bus = connection.New(tr, connOpts...)

	clientOpts := append([]client.Option{
		client.WithDiscoveryTimeout(cfg.DiscoveryTimeout),
		client.WithQuickRetries(cfg.DiscoveryQuickRetries),
		client.WithRetryWait(cfg.DiscoveryRetryWait),
		client.WithBroadcastPrefix(cfg.BroadcastPrefix),
	}, g.clientOpts...)
	g.ac = client.New(g.authDomain, g.bus, clientOpts...)
	g.auth = auth.NewClient(g.ac)

	slog.Info(fmt.Sprintf("%s - gateway %s ready, replies on %s", logPrefix, g.id, origin))
	return g, nil
}

// ID returns the gateway id that prefixes every connection id it issues.
func (g *Gateway) ID() string { return g.id }

// Connections returns the number of open external connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Handler returns the WebSocket endpoint.
func (g *Gateway) Handler() http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   g.serve,
	}
}

// Start listens on GATEWAY_PORT and serves the endpoint until Close.
func (g *Gateway) Start() error {
	addr := fmt.Sprintf(":%d", g.cfg.GatewayPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/", g.Handler())
	g.httpServer = &http.Server{Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - WebSocket endpoint listening on %s", logPrefix, addr))
		if err := g.httpServer.Serve(ln); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - WebSocket server error: %v", logPrefix, err))
		}
	}()
	return nil
}

// Close stops accepting connections, closes every open one and the bus connection.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if g.httpServer != nil {
			_ = g.httpServer.Close()
		}
		g.mu.Lock()
		open := make([]*connection.Conn, 0, len(g.conns))
		for _, ext := range g.conns {
			open = append(open, ext.conn)
		}
		g.mu.Unlock()
		for _, c := range open {
			_ = c.Close()
		}
		_ = g.ac.Close()
		err = g.bus.Close()
	})
	return err
}

// serve owns one external connection for its lifetime.
func (g *Gateway) serve(ws *websocket.Conn) {
	tr := transport.NewWebSocket(ws)
	req := tr.Request()
	connID := commsutil.BuildConnectionID(g.id, commsutil.NewID())
	langs := acceptLanguages(req.Header.Get("Accept-Language"))

	g.authenticateCookie(req, connID, langs)

	conn := connection.New(tr,
		connection.WithResponseTimeout(g.cfg.ResponseTimeout),
		connection.WithReceiver(g.forwarder(connID, langs)),
	)
	g.track(connID, conn)
	slog.Debug(fmt.Sprintf("%s - connection %s opened", logPrefix, connID))

	<-conn.Done()

	g.forget(connID)
	_ = conn.Close()
	slog.Debug(fmt.Sprintf("%s - connection %s closed", logPrefix, connID))
}

func (g *Gateway) track(connID string, conn *connection.Conn) {
	g.mu.Lock()
	g.conns[connID] = &external{conn: conn, out: connection.NewSerial(outboxLimit)}
	g.mu.Unlock()
	openConnections.Inc()
}

func (g *Gateway) forget(connID string) {
	g.mu.Lock()
	ext, ok := g.conns[connID]
	delete(g.conns, connID)
	g.mu.Unlock()
	if ok {
		ext.out.Close()
		openConnections.Dec()
	}
}

// authenticateCookie binds the session named by the handshake cookie to the connection.
// Failure leaves the connection anonymous.
func (g *Gateway) authenticateCookie(req *http.Request, connID string, langs []string) {
	if g.cfg.AuthCookieName == "" {
		return
	}
	cookie, err := req.Cookie(g.cfg.AuthCookieName)
	if err != nil || cookie.Value == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ResponseTimeout)
	defer cancel()
	ctx = reqctx.With(ctx, reqctx.New(nil, connID, "", langs))
	if _, err := g.auth.Authenticate(ctx, cookie.Value); err != nil {
		slog.Debug(fmt.Sprintf("%s - cookie authentication for %s failed: %v", logPrefix, connID, err))
		return
	}
	slog.Debug(fmt.Sprintf("%s - connection %s authenticated from cookie", logPrefix, connID))
}

// forwarder relays requests from an external connection to the bus. Identity fields are
// always set by the gateway, never taken from the client.
func (g *Gateway) forwarder(connID string, langs []string) connection.ReceiveFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var msg message.ServiceMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			forwarded.WithLabelValues("rejected").Inc()
			return nil, message.NewError(message.CodeBadRequest, "invalid request: "+err.Error())
		}
		if err := g.routable(msg.Type); err != nil {
			forwarded.WithLabelValues("rejected").Inc()
			return nil, err
		}
		msg.Origin = g.bus.Origin()
		msg.ConnectionID = connID
		msg.AccountID = ""
		msg.Langs = langs

		reply, err := g.bus.Request(ctx, &msg)
		if err != nil {
			forwarded.WithLabelValues(outcome(err)).Inc()
			return nil, err
		}
		forwarded.WithLabelValues("ok").Inc()
		if reply.IsStream() {
			return &relay{stream: reply.Stream, trailer: message.ServiceMessage{Type: msg.Type, ConnectionID: connID}}, nil
		}
		return reply.Payload, nil
	}
}

// routable accepts only "{domain}.{handler}" types that address a domain service.
func (g *Gateway) routable(t string) error {
	domain, handler := message.SplitType(t)
	reserved := domain == commsutil.OriginPrefix || domain == commsutil.NotifyPrefix ||
		domain == g.cfg.BroadcastPrefix || domain == commsutil.DefaultBroadcastPrefix
	if domain == "" || handler == "" || reserved ||
		strings.ContainsAny(domain, "*> \t") || strings.ContainsAny(handler, ".*> \t") {
		return message.NewError(message.CodeUnsupportedType, "handler type not supported: "+t)
	}
	return nil
}

// route queues a notification published for one of this gateway's connections. It runs on
// the bus receive loop and never waits on the external socket.
func (g *Gateway) route(ctx context.Context, payload json.RawMessage) {
	var msg message.ServiceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping undecodable notification: %v", logPrefix, err))
		return
	}
	if commsutil.GatewayOfConnection(msg.ConnectionID) != g.id {
		return
	}
	g.mu.Lock()
	ext, ok := g.conns[msg.ConnectionID]
	g.mu.Unlock()
	if !ok {
		slog.Debug(fmt.Sprintf("%s - notification %s for closed connection %s", logPrefix, msg.Type, msg.ConnectionID))
		return
	}
	queued := ext.out.Queue(func() {
		if err := ext.conn.Send(ctx, payload); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to push %s to %s: %v", logPrefix, msg.Type, msg.ConnectionID, err))
		}
	})
	if !queued {
		droppedNotifications.Inc()
		slog.Warn(fmt.Sprintf("%s - outbox of %s is full, dropping %s", logPrefix, msg.ConnectionID, msg.Type))
	}
}

// relay re-streams a bus reply to the external connection in order.
type relay struct {
	stream  *connection.Stream
	trailer message.ServiceMessage
}

func (r *relay) Next(ctx context.Context) (any, error) {
	raw, err := r.stream.Next(ctx)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *relay) Trailer() any { return r.trailer }

func (r *relay) Close() { r.stream.Close() }

var _ connection.Sequence = (*relay)(nil)

// acceptLanguages lists the Accept-Language tags in preference order.
func acceptLanguages(header string) []string {
	if header == "" {
		return nil
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - ignoring Accept-Language %q: %v", logPrefix, header, err))
		return nil
	}
	langs := make([]string, 0, len(tags))
	for _, tag := range tags {
		langs = append(langs, tag.String())
	}
	return langs
}
