// Package reqctx carries the identity and capabilities of one dispatch (or one job run)
// through a context.Context, including across chained calls to other domains.
package reqctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pgostovic/platform/pkg/message"
)

const logPrefix = "reqctx:reqctx"

// Caller invokes a handler of one domain. Implemented by the typed client and by the
// job-scheduling proxy returned from AsJob.
type Caller interface {
	Call(ctx context.Context, handler string, info any, out any) error
}

// JobSpec describes when a deferred call should run. A zero RunTime means now.
type JobSpec struct {
	RunTime time.Time
}

// Runtime is what a scope needs from the process hosting it.
type Runtime interface {
	Domain() string
	AuthenticateConnection(ctx context.Context, connectionID string) (string, error)
	ActiveConnectionIDs(ctx context.Context, accountID string) ([]string, error)
	Push(ctx context.Context, msg *message.ServiceMessage) error
	Broadcast(ctx context.Context, msg *message.ServiceMessage) error
	ScheduleJob(ctx context.Context, spec JobSpec, handler string, info json.RawMessage, accountID string) error
	Dependency(domain string) (Caller, error)
}

// Scope is the per-dispatch context. One Scope is never shared between dispatches.
type Scope struct {
	rt           Runtime
	connectionID string
	langs        []string
	trustedJob   bool

	mu        sync.Mutex
	accountID string
}

type scopeKey struct{}

// New creates the scope for an inbound request.
func New(rt Runtime, connectionID, accountID string, langs []string) *Scope {
	return &Scope{rt: rt, connectionID: connectionID, accountID: accountID, langs: langs}
}

// NewJob creates the scope for a job run. The account is already known, so Authenticate
// does not need a live connection.
func NewJob(rt Runtime, accountID string) *Scope {
	return &Scope{rt: rt, accountID: accountID, trustedJob: true}
}

// With returns a copy of ctx carrying s.
func With(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// From returns the scope carried by ctx.
func From(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// MustFrom returns the scope carried by ctx or an INVALID_CONTEXT error.
func MustFrom(ctx context.Context) (*Scope, error) {
	s, ok := From(ctx)
	if !ok {
		return nil, message.NewError(message.CodeInvalidContext, "no request context")
	}
	return s, nil
}

func (s *Scope) ConnectionID() string { return s.connectionID }

func (s *Scope) Langs() []string { return s.langs }

// IsJob reports whether the scope belongs to a trusted job run.
func (s *Scope) IsJob() bool { return s.trustedJob }

// AccountID returns the account resolved so far, possibly empty.
func (s *Scope) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// Authenticate resolves the account behind the current connection and caches it.
func (s *Scope) Authenticate(ctx context.Context) (string, error) {
	if id := s.AccountID(); id != "" {
		return id, nil
	}
	if s.trustedJob || s.connectionID == "" {
		return "", message.NewAnomaly(message.CodeNotAuthenticated, "Not Authenticated")
	}

	accountID, err := s.rt.AuthenticateConnection(With(ctx, s), s.connectionID)
	if err != nil {
		if _, ok := message.AsError(err); ok {
			return "", err
		}
		return "", fmt.Errorf("%s - authenticate connection %s: %w", logPrefix, s.connectionID, err)
	}
	if accountID == "" {
		return "", message.NewAnomaly(message.CodeNotAuthenticated, "Not Authenticated")
	}

	s.mu.Lock()
	s.accountID = accountID
	s.mu.Unlock()
	return accountID, nil
}

// Notify pushes a notification to every active connection of each recipient account.
// Without recipients it targets the current account.
func (s *Scope) Notify(ctx context.Context, typ string, info any, recipients ...string) error {
	raw, err := message.EncodeInfo(info)
	if err != nil {
		return fmt.Errorf("%s - encode notify info: %w", logPrefix, err)
	}
	if len(recipients) == 0 {
		accountID, err := s.Authenticate(ctx)
		if err != nil {
			return err
		}
		recipients = []string{accountID}
	}

	qualified := message.QualifiedType(s.rt.Domain(), typ)
	for _, accountID := range recipients {
		ids, err := s.rt.ActiveConnectionIDs(With(ctx, s), accountID)
		if err != nil {
			return err
		}
		for _, connectionID := range ids {
			msg := &message.ServiceMessage{Type: qualified, Info: raw, ConnectionID: connectionID, AccountID: accountID}
			if err := s.rt.Push(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Broadcast publishes type/info to every service listening for this domain's broadcasts.
func (s *Scope) Broadcast(ctx context.Context, typ string, info any) error {
	raw, err := message.EncodeInfo(info)
	if err != nil {
		return fmt.Errorf("%s - encode broadcast info: %w", logPrefix, err)
	}
	return s.rt.Broadcast(ctx, &message.ServiceMessage{
		Type:      message.QualifiedType(s.rt.Domain(), typ),
		Info:      raw,
		AccountID: s.AccountID(),
	})
}

// AsJob returns a Caller that schedules this domain's handlers instead of running them.
func (s *Scope) AsJob(spec JobSpec) Caller {
	return &jobCaller{scope: s, spec: spec}
}

// Client returns a caller for domain that always carries this scope's identity.
func (s *Scope) Client(domain string) (Caller, error) {
	c, err := s.rt.Dependency(domain)
	if err != nil {
		return nil, err
	}
	return &boundCaller{scope: s, next: c}, nil
}

type boundCaller struct {
	scope *Scope
	next  Caller
}

func (b *boundCaller) Call(ctx context.Context, handler string, info any, out any) error {
	return b.next.Call(With(ctx, b.scope), handler, info, out)
}

type jobCaller struct {
	scope *Scope
	spec  JobSpec
}

// Call persists the job. out is left untouched; results arrive later through Notify.
func (j *jobCaller) Call(ctx context.Context, handler string, info any, _ any) error {
	accountID, err := j.scope.Authenticate(ctx)
	if err != nil {
		return err
	}
	raw, err := message.EncodeInfo(info)
	if err != nil {
		return fmt.Errorf("%s - encode job info: %w", logPrefix, err)
	}
	return j.scope.rt.ScheduleJob(ctx, j.spec, handler, raw, accountID)
}
