package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgostovic/platform/pkg/connection"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/reqctx"
)

const dispatchLogPrefix = "service:dispatch"

var tracer = otel.Tracer("platform/service")

// dispatch serves one inbound request under a fresh scope built from the message's
// identity fields.
func (s *Service) dispatch(ctx context.Context, payload json.RawMessage) (any, error) {
	var req message.ServiceMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, message.NewError(message.CodeBadRequest, "undecodable service message")
	}

	name := message.LocalType(s.domain, req.Type)
	if name == message.HandlersType {
		return s.wrap(&req, "", message.HandlersInfo{
			Domain:   s.domain,
			Handlers: s.Handlers(),
			Version:  s.opts.version,
		})
	}

	h, ok := s.handlers[name]
	if !ok {
		slog.Warn(fmt.Sprintf("%s - unsupported request type %q", dispatchLogPrefix, req.Type))
		return nil, message.NewError(message.CodeUnsupportedType, "handler type not supported: "+req.Type)
	}

	scope := reqctx.New(s.rt, req.ConnectionID, req.AccountID, req.Langs)
	ctx, span := tracer.Start(reqctx.With(ctx, scope), "dispatch "+req.Type,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("platform.domain", s.domain),
			attribute.String("platform.handler", name),
			attribute.String("platform.connection_id", req.ConnectionID),
		),
	)
	start := time.Now()

	res, err := h(ctx, req.Info)
	if err != nil {
		endSpan(span, err)
		observe(s.domain, name, start, err)
		return nil, err
	}

	if seq, ok := res.(connection.Sequence); ok {
		return &replySequence{
			s:     s,
			req:   &req,
			scope: scope,
			inner: seq,
			name:  name,
			start: start,
			span:  span,
		}, nil
	}

	reply, err := s.wrap(&req, scope.AccountID(), res)
	endSpan(span, err)
	observe(s.domain, name, start, err)
	return reply, err
}

// wrap addresses v to the request's origin.
func (s *Service) wrap(req *message.ServiceMessage, accountID string, v any) (*message.ServiceMessage, error) {
	raw, err := message.EncodeInfo(v)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %s result: %w", dispatchLogPrefix, req.Type, err)
	}
	return &message.ServiceMessage{
		Type:         req.Type,
		Info:         raw,
		Origin:       req.Origin,
		ConnectionID: req.ConnectionID,
		AccountID:    accountID,
	}, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// replySequence addresses every item of a streamed reply to the request's origin. The
// dispatch is measured until the sequence ends.
type replySequence struct {
	s     *Service
	req   *message.ServiceMessage
	scope *reqctx.Scope
	inner connection.Sequence
	name  string
	start time.Time
	span  trace.Span
	once  sync.Once
}

func (r *replySequence) Next(ctx context.Context) (any, error) {
	v, err := r.inner.Next(ctx)
	if errors.Is(err, io.EOF) {
		r.finish(nil)
		return nil, io.EOF
	}
	if err != nil {
		r.finish(err)
		return nil, err
	}
	reply, err := r.s.wrap(r.req, r.scope.AccountID(), v)
	if err != nil {
		r.finish(err)
		return nil, err
	}
	return reply, nil
}

// Trailer routes the end-of-stream envelopes.
func (r *replySequence) Trailer() any {
	return &message.ServiceMessage{
		Type:         r.req.Type,
		Origin:       r.req.Origin,
		ConnectionID: r.req.ConnectionID,
	}
}

func (r *replySequence) Close() {
	if cl, ok := r.inner.(interface{ Close() }); ok {
		cl.Close()
	}
	r.finish(nil)
}

func (r *replySequence) finish(err error) {
	r.once.Do(func() {
		endSpan(r.span, err)
		observe(r.s.domain, r.name, r.start, err)
	})
}

// onBroadcast hands a broadcast to its listeners, each in its own goroutine.
func (s *Service) onBroadcast(_ context.Context, payload json.RawMessage) {
	var msg message.ServiceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping undecodable broadcast: %v", dispatchLogPrefix, err))
		return
	}
	fns := s.listeners[msg.Type]
	if len(fns) == 0 {
		return
	}

	ctx := reqctx.With(s.ctx, reqctx.New(s.rt, "", msg.AccountID, nil))
	for _, fn := range fns {
		s.wg.Add(1)
		go func(fn BroadcastFunc) {
			defer s.wg.Done()
			fn(ctx, msg.Info)
		}(fn)
	}
}
