package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/pgostovic/platform/pkg/commsutil"
	"github.com/pgostovic/platform/pkg/message"
)

const natsLogPrefix = "transport:nats"

// PublishSubjectFunc derives the subject an outbound envelope is published to.
type PublishSubjectFunc func(env *message.Envelope) (string, error)

// Subscription is one subject pattern the transport listens on. A non-empty Queue makes
// the subscription part of a queue group so each message reaches one member only.
type Subscription struct {
	Subject string
	Queue   string
}

// NATSOptions configures a NATS transport.
type NATSOptions struct {
	Subscriptions  []Subscription
	PublishSubject PublishSubjectFunc
}

// NATS is a Transport over a shared COMMS connection. The connection itself is owned by
// the caller; Close only removes this transport's subscriptions.
type NATS struct {
	nc             *comms.Conn
	publishSubject PublishSubjectFunc
	subs           []*comms.Subscription

	ch     chan *message.Envelope
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewNATS subscribes to every configured subject and returns the transport.
func NewNATS(nc *comms.Conn, opts NATSOptions) (*NATS, error) {
	if opts.PublishSubject == nil {
		return nil, fmt.Errorf("%s - PublishSubject is required", natsLogPrefix)
	}
	t := &NATS{
		nc:             nc,
		publishSubject: opts.PublishSubject,
		ch:             make(chan *message.Envelope, receiveBuffer),
		done:           make(chan struct{}),
	}

	for _, s := range opts.Subscriptions {
		var (
			sub *comms.Subscription
			err error
		)
		if s.Queue != "" {
			sub, err = nc.QueueSubscribe(s.Subject, s.Queue, t.onMsg)
		} else {
			sub, err = nc.Subscribe(s.Subject, t.onMsg)
		}
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", natsLogPrefix, s.Subject, err)
		}
		t.subs = append(t.subs, sub)
		slog.Debug(fmt.Sprintf("%s - Subscribed to %s", natsLogPrefix, s.Subject))
	}

	// Make sure the server has registered the subscriptions before anyone publishes to them.
	if err := nc.Flush(); err != nil {
		t.Close()
		return nil, fmt.Errorf("%s - flush failed: %w", natsLogPrefix, err)
	}
	return t, nil
}

func (t *NATS) onMsg(msg *comms.Msg) {
	env, err := commsutil.DecodeEnvelope(msg.Data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping undecodable message on %s: %v", natsLogPrefix, msg.Subject, err))
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.ch <- env:
	case <-t.done:
	}
}

// Send publishes env to the subject derived from it.
func (t *NATS) Send(_ context.Context, env *message.Envelope) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	subject, err := t.publishSubject(env)
	if err != nil {
		return fmt.Errorf("%s - no publish subject for %s envelope: %w", natsLogPrefix, env.Kind, err)
	}
	if subject == "" {
		return fmt.Errorf("%s - empty publish subject for %s envelope", natsLogPrefix, env.Kind)
	}
	data, err := commsutil.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("%s - failed to encode envelope: %w", natsLogPrefix, err)
	}
	if err := t.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", natsLogPrefix, subject, err)
	}
	return nil
}

// Receive returns the inbound envelope stream.
func (t *NATS) Receive() <-chan *message.Envelope {
	return t.ch
}

// Close unsubscribes and closes the receive channel.
func (t *NATS) Close() error {
	t.once.Do(func() {
		for _, sub := range t.subs {
			if err := sub.Unsubscribe(); err != nil {
				slog.Debug(fmt.Sprintf("%s - unsubscribe %s: %v", natsLogPrefix, sub.Subject, err))
			}
		}
		close(t.done)
		t.mu.Lock()
		t.closed = true
		close(t.ch)
		t.mu.Unlock()
	})
	return nil
}
