package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pgostovic/platform/pkg/connection"
	"github.com/pgostovic/platform/pkg/db"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/reqctx"
)

const runtimeLogPrefix = "service:runtime"

// JobNotifyPrefix prefixes the notification type a finished job reports its result under,
// so "report" results arrive as "{domain}.job.report".
const JobNotifyPrefix = "job."

// serviceRuntime is what the scopes of one service reach the bus through.
type serviceRuntime struct {
	s *Service
}

var _ reqctx.Runtime = (*serviceRuntime)(nil)

func (r *serviceRuntime) Domain() string { return r.s.domain }

type connectionAuth struct {
	Valid     bool   `json:"valid"`
	AccountID string `json:"accountId"`
}

// AuthenticateConnection asks the auth domain which account the connection carried by
// ctx is signed in as.
func (r *serviceRuntime) AuthenticateConnection(ctx context.Context, connectionID string) (string, error) {
	auth, err := r.s.dependency(r.s.opts.authDomain)
	if err != nil {
		return "", err
	}
	var out connectionAuth
	if err := auth.Call(ctx, "authenticateConnection", nil, &out); err != nil {
		return "", err
	}
	slog.Debug(fmt.Sprintf("%s - connection %s is account %s", runtimeLogPrefix, connectionID, out.AccountID))
	return out.AccountID, nil
}

func (r *serviceRuntime) ActiveConnectionIDs(ctx context.Context, accountID string) ([]string, error) {
	auth, err := r.s.dependency(r.s.opts.authDomain)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := auth.Call(ctx, "getActiveConnectionIds", map[string]string{"accountId": accountID}, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *serviceRuntime) Push(ctx context.Context, msg *message.ServiceMessage) error {
	if msg.ConnectionID == "" {
		return fmt.Errorf("%s - push of %s has no connection id", runtimeLogPrefix, msg.Type)
	}
	return r.send(ctx, msg)
}

func (r *serviceRuntime) Broadcast(ctx context.Context, msg *message.ServiceMessage) error {
	msg.ConnectionID = ""
	return r.send(ctx, msg)
}

func (r *serviceRuntime) send(ctx context.Context, msg *message.ServiceMessage) error {
	if r.s.conn == nil {
		return fmt.Errorf("%s - %s is not started", runtimeLogPrefix, r.s.domain)
	}
	return r.s.conn.Send(ctx, msg)
}

func (r *serviceRuntime) ScheduleJob(ctx context.Context, spec reqctx.JobSpec, handler string, info json.RawMessage, accountID string) error {
	return r.schedule(ctx, spec.RunTime, handler, info, accountID)
}

func (r *serviceRuntime) schedule(ctx context.Context, runAt time.Time, handler string, info json.RawMessage, accountID string) error {
	if r.s.scheduler == nil {
		return fmt.Errorf("%s - %s has no job store", runtimeLogPrefix, r.s.domain)
	}
	if _, ok := r.s.handlers[handler]; !ok {
		return message.NewError(message.CodeUnsupportedType,
			"handler type not supported: "+message.QualifiedType(r.s.domain, handler))
	}
	_, err := r.s.scheduler.Schedule(ctx, runAt, handler, info, accountID)
	return err
}

func (r *serviceRuntime) Dependency(domain string) (reqctx.Caller, error) {
	c, err := r.s.dependency(domain)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// runJob executes a job's handler as a trusted call for the job's account and notifies
// the account's connections of the result.
func (s *Service) runJob(ctx context.Context, job db.Job) error {
	h, ok := s.handlers[job.Handler]
	if !ok {
		return message.NewError(message.CodeUnsupportedType,
			"handler type not supported: "+message.QualifiedType(s.domain, job.Handler))
	}

	scope := reqctx.NewJob(s.rt, job.AccountID)
	ctx = reqctx.With(ctx, scope)
	res, err := h(ctx, job.Info)
	if err != nil {
		return err
	}
	if seq, ok := res.(connection.Sequence); ok {
		if res, err = drain(ctx, seq); err != nil {
			return err
		}
	}
	if job.AccountID == "" {
		return nil
	}
	return scope.Notify(ctx, JobNotifyPrefix+job.Handler, res)
}

// drain collects a streamed job result into a slice.
func drain(ctx context.Context, seq connection.Sequence) ([]any, error) {
	if cl, ok := seq.(interface{ Close() }); ok {
		defer cl.Close()
	}
	items := []any{}
	for {
		v, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
}
