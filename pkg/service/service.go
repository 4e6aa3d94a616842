// Package service hosts one domain on the bus: it serves the domain's handlers, answers
// the reserved handlers request, runs the domain's jobs and listens for broadcasts.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/pgostovic/platform/pkg/client"
	"github.com/pgostovic/platform/pkg/commsutil"
	"github.com/pgostovic/platform/pkg/connection"
	"github.com/pgostovic/platform/pkg/jobs"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/semver"
	"github.com/pgostovic/platform/pkg/signing"
	"github.com/pgostovic/platform/pkg/transport"
)

const logPrefix = "service:service"

// DefaultAuthDomain answers connection authentication and active-connection lookups.
const DefaultAuthDomain = "auth"

// BroadcastFunc receives the info of a broadcast. The context carries a scope with the
// broadcasting account, if any.
type BroadcastFunc func(ctx context.Context, info json.RawMessage)

type options struct {
	version         string
	broadcastPrefix string
	signer          signing.Signer
	responseTimeout time.Duration
	jobStore        jobs.Store
	dependencies    []semver.DomainRef
	authDomain      string
	clientOpts      []client.Option
}

// Option configures a Service.
type Option func(*options)

// WithVersion sets the version reported by the handlers request.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithBroadcastPrefix sets the first token of broadcast subjects.
func WithBroadcastPrefix(prefix string) Option {
	return func(o *options) { o.broadcastPrefix = prefix }
}

// WithSigner signs and verifies every envelope of the service's connections.
func WithSigner(s signing.Signer) Option {
	return func(o *options) { o.signer = s }
}

// WithResponseTimeout sets the response timeout of outbound calls.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) { o.responseTimeout = d }
}

// WithJobStore enables deferred execution backed by store.
func WithJobStore(store jobs.Store) Option {
	return func(o *options) { o.jobStore = store }
}

// WithDependencies declares the domains handlers may call through their scope.
func WithDependencies(refs ...semver.DomainRef) Option {
	return func(o *options) { o.dependencies = append(o.dependencies, refs...) }
}

// WithAuthDomain overrides DefaultAuthDomain.
func WithAuthDomain(domain string) Option {
	return func(o *options) { o.authDomain = domain }
}

// WithClientOptions applies opts to every dependency client.
func WithClientOptions(opts ...client.Option) Option {
	return func(o *options) { o.clientOpts = append(o.clientOpts, opts...) }
}

// Service is one domain's server. Register handlers and listeners before Start.
type Service struct {
	domain string
	opts   options

	handlers  map[string]Handler
	listeners map[string][]BroadcastFunc
	started   bool

	nc        *comms.Conn
	conn      *connection.Conn
	scheduler *jobs.Scheduler
	rt        *serviceRuntime

	depMu sync.Mutex
	deps  map[string]*client.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the service for domain.
func New(domain string, opts ...Option) (*Service, error) {
	if !semver.ValidateDomainName(domain) {
		return nil, fmt.Errorf("%s - invalid domain name %q", logPrefix, domain)
	}
	o := options{
		broadcastPrefix: commsutil.DefaultBroadcastPrefix,
		authDomain:      DefaultAuthDomain,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		domain:    domain,
		opts:      o,
		handlers:  make(map[string]Handler),
		listeners: make(map[string][]BroadcastFunc),
		deps:      make(map[string]*client.Client),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.rt = &serviceRuntime{s: s}
	return s, nil
}

// Domain returns the served domain name.
func (s *Service) Domain() string { return s.domain }

// Handle registers h under name. It panics on an invalid, reserved or duplicate name, or
// after Start.
func (s *Service) Handle(name string, h Handler) *Service {
	switch {
	case s.started:
		panic(fmt.Sprintf("%s - Handle(%q) after Start", logPrefix, name))
	case name == message.HandlersType:
		panic(fmt.Sprintf("%s - %q is reserved", logPrefix, name))
	case !semver.ValidateHandlerName(name):
		panic(fmt.Sprintf("%s - invalid handler name %q", logPrefix, name))
	}
	if _, ok := s.handlers[name]; ok {
		panic(fmt.Sprintf("%s - handler %q registered twice", logPrefix, name))
	}
	s.handlers[name] = h
	return s
}

// OnBroadcast registers fn for broadcasts of typ from domain. It panics after Start.
func (s *Service) OnBroadcast(domain, typ string, fn BroadcastFunc) *Service {
	if s.started {
		panic(fmt.Sprintf("%s - OnBroadcast(%q, %q) after Start", logPrefix, domain, typ))
	}
	key := message.QualifiedType(domain, typ)
	s.listeners[key] = append(s.listeners[key], fn)
	return s
}

// Handlers returns the sorted handler names, including the reserved handlers entry.
func (s *Service) Handlers() []string {
	names := make([]string, 0, len(s.handlers)+1)
	names = append(names, message.HandlersType)
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start subscribes the domain on nc, starts the job scheduler and dials the declared
// dependencies. nc stays owned by the caller.
func (s *Service) Start(nc *comms.Conn) error {
	if s.started {
		return fmt.Errorf("%s - %s already started", logPrefix, s.domain)
	}
	s.started = true
	s.nc = nc

	tr, err := transport.NewNATS(nc, transport.NATSOptions{
		Subscriptions: []transport.Subscription{
			{Subject: commsutil.DomainWildcard(s.domain), Queue: s.domain},
			{Subject: commsutil.BroadcastWildcard(s.opts.broadcastPrefix)},
		},
		PublishSubject: s.publishSubject,
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe %s: %w", logPrefix, s.domain, err)
	}
	s.conn = connection.New(tr, append(s.connOptions(),
		connection.WithReceiver(s.dispatch),
		connection.WithNotifier(s.onBroadcast),
	)...)

	if s.opts.jobStore != nil {
		s.scheduler = jobs.NewScheduler(s.domain, s.opts.jobStore, s.runJob)
		s.scheduler.Start()
	}
	for _, ref := range s.opts.dependencies {
		if _, err := s.dependency(ref.Domain); err != nil {
			s.Stop()
			return err
		}
	}

	slog.Info(fmt.Sprintf("%s - Serving %s %s with handlers %v", logPrefix, s.domain, s.opts.version, s.Handlers()))
	return nil
}

// Stop stops the scheduler, closes dependency clients and the domain connection, and
// waits for running broadcast listeners.
func (s *Service) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	s.depMu.Lock()
	deps := s.deps
	s.deps = make(map[string]*client.Client)
	s.depMu.Unlock()
	for domain, c := range deps {
		if err := c.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to close %s client: %v", logPrefix, domain, err))
		}
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to close %s connection: %v", logPrefix, s.domain, err))
		}
	}
	s.wg.Wait()
	slog.Info(fmt.Sprintf("%s - Stopped %s", logPrefix, s.domain))
}

// Schedule persists a job that runs handler with info on behalf of accountID at runAt.
// A zero runAt means now.
func (s *Service) Schedule(ctx context.Context, runAt time.Time, handler string, info any, accountID string) error {
	raw, err := message.EncodeInfo(info)
	if err != nil {
		return fmt.Errorf("%s - failed to encode job info: %w", logPrefix, err)
	}
	return s.rt.schedule(ctx, runAt, handler, raw, accountID)
}

func (s *Service) connOptions() []connection.Option {
	var opts []connection.Option
	if s.opts.signer != nil {
		opts = append(opts, connection.WithSigner(s.opts.signer))
	}
	if s.opts.responseTimeout > 0 {
		opts = append(opts, connection.WithResponseTimeout(s.opts.responseTimeout))
	}
	return opts
}

// dependency returns the client for domain, dialing it on first use. Only declared
// dependencies and the auth domain may be dialed.
func (s *Service) dependency(domain string) (*client.Client, error) {
	rng, ok := s.dependencyRange(domain)
	if !ok {
		return nil, message.NewError(message.CodeBadRequest,
			fmt.Sprintf("%s does not depend on %s", s.domain, domain))
	}

	s.depMu.Lock()
	defer s.depMu.Unlock()
	if c, ok := s.deps[domain]; ok {
		return c, nil
	}
	if s.ctx.Err() != nil {
		return nil, message.NewError(message.CodeClosed, "service stopped")
	}
	if s.nc == nil {
		return nil, fmt.Errorf("%s - %s is not started", logPrefix, s.domain)
	}

	opts := append([]client.Option{
		client.WithBroadcastPrefix(s.opts.broadcastPrefix),
		client.WithVersionConstraint(rng),
	}, s.opts.clientOpts...)
	c, err := client.Dial(s.nc, domain, s.connOptions(), opts...)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to dial %s: %w", logPrefix, domain, err)
	}
	s.deps[domain] = c
	return c, nil
}

func (s *Service) dependencyRange(domain string) (string, bool) {
	for _, ref := range s.opts.dependencies {
		if ref.Domain == domain {
			return ref.Range, true
		}
	}
	return "", domain == s.opts.authDomain
}

// publishSubject routes the domain connection's outbound envelopes: replies go to the
// caller's origin, pushes to the owning gateway, broadcasts to the broadcast subject.
func (s *Service) publishSubject(env *message.Envelope) (string, error) {
	switch env.Kind {
	case message.KindResponse, message.KindMulti:
		msg, err := decodeServiceMessage(env.Payload)
		if err != nil {
			return "", err
		}
		if msg.Origin == "" {
			return "", fmt.Errorf("%s - %s reply %d has no origin", logPrefix, env.Kind, env.RequestID)
		}
		return msg.Origin, nil
	case message.KindError, message.KindAnomaly:
		var ep message.ErrorPayload
		if err := json.Unmarshal(env.Payload, &ep); err != nil {
			return "", fmt.Errorf("%s - failed to decode error payload: %w", logPrefix, err)
		}
		msg, err := decodeServiceMessage(ep.RequestData)
		if err != nil {
			return "", err
		}
		if msg.Origin == "" {
			return "", fmt.Errorf("%s - %s reply %d has no origin", logPrefix, env.Kind, env.RequestID)
		}
		return msg.Origin, nil
	case message.KindSend:
		msg, err := decodeServiceMessage(env.Payload)
		if err != nil {
			return "", err
		}
		if msg.ConnectionID != "" {
			return commsutil.BuildNotifySubject(msg.ConnectionID), nil
		}
		domain, typ := message.SplitType(msg.Type)
		if domain == "" || typ == "" {
			return "", fmt.Errorf("%s - broadcast type %q is not qualified", logPrefix, msg.Type)
		}
		return commsutil.BuildBroadcastSubject(s.opts.broadcastPrefix, domain, typ), nil
	}
	return "", fmt.Errorf("%s - domain connection cannot publish %s", logPrefix, env.Kind)
}

func decodeServiceMessage(raw json.RawMessage) (*message.ServiceMessage, error) {
	var msg message.ServiceMessage
	if len(raw) == 0 {
		return &msg, nil
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%s - failed to decode service message: %w", logPrefix, err)
	}
	return &msg, nil
}
