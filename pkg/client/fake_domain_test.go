package client

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"testing"

	comms "github.com/nats-io/nats.go"

	"github.com/pgostovic/platform/pkg/connection"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/transport"
)

type fakeHandler func(info json.RawMessage) (any, error)

// streamOf makes a fake handler answer with one multi envelope per item.
type streamOf []any

type fakeDomain struct {
	mu   sync.Mutex
	seen []message.ServiceMessage
}

func (f *fakeDomain) received() []message.ServiceMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.ServiceMessage(nil), f.seen...)
}

func fakeReplySubject(env *message.Envelope) (string, error) {
	payload := env.Payload
	if env.IsFailure() {
		var ep message.ErrorPayload
		if err := json.Unmarshal(env.Payload, &ep); err != nil {
			return "", err
		}
		payload = ep.RequestData
	}
	var msg message.ServiceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", err
	}
	return msg.Origin, nil
}

func startFakeDomain(t *testing.T, nc *comms.Conn, domain, version string, handlers map[string]fakeHandler) *fakeDomain {
	t.Helper()
	tr, err := transport.NewNATS(nc, transport.NATSOptions{
		Subscriptions:  []transport.Subscription{{Subject: domain + ".*", Queue: domain}},
		PublishSubject: fakeReplySubject,
	})
	if err != nil {
		t.Fatalf("client:fake_domain_test - NewNATS failed: %v", err)
	}
	conn := connection.New(tr)
	t.Cleanup(func() { conn.Close() })

	f := &fakeDomain{}
	conn.OnReceive(func(_ context.Context, payload json.RawMessage) (any, error) {
		var msg message.ServiceMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.seen = append(f.seen, msg)
		f.mu.Unlock()

		local := message.LocalType(domain, msg.Type)
		if local == message.HandlersType {
			names := []string{message.HandlersType}
			for name := range handlers {
				names = append(names, name)
			}
			sort.Strings(names)
			return fakeReply(msg, message.HandlersInfo{Domain: domain, Handlers: names, Version: version}), nil
		}
		h, ok := handlers[local]
		if !ok {
			return nil, message.NewError(message.CodeUnsupportedType, "handler type not supported: "+msg.Type)
		}
		v, err := h(msg.Info)
		if err != nil {
			return nil, err
		}
		if items, ok := v.(streamOf); ok {
			return &fakeSeq{req: msg, items: items}, nil
		}
		return fakeReply(msg, v), nil
	})
	return f
}

func fakeReply(req message.ServiceMessage, v any) *message.ServiceMessage {
	raw, _ := message.EncodeInfo(v)
	return &message.ServiceMessage{Type: req.Type, Info: raw, Origin: req.Origin}
}

type fakeSeq struct {
	req   message.ServiceMessage
	items []any
	pos   int
}

func (s *fakeSeq) Next(_ context.Context) (any, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	v := s.items[s.pos]
	s.pos++
	return fakeReply(s.req, v), nil
}

func (s *fakeSeq) Trailer() any {
	return &message.ServiceMessage{Type: s.req.Type, Origin: s.req.Origin}
}
