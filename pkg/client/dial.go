package client

import (
	"encoding/json"
	"fmt"

	comms "github.com/nats-io/nats.go"

	"github.com/pgostovic/platform/pkg/commsutil"
	"github.com/pgostovic/platform/pkg/connection"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/transport"
)

const dialLogPrefix = "client:dial"

// RequestSubject publishes requests to the subject named by their service message type.
// It is the publish mapper of every bus connection that only issues calls.
func RequestSubject(env *message.Envelope) (string, error) {
	if env.Kind != message.KindRequest {
		return "", fmt.Errorf("%s - calling connection cannot publish %s", dialLogPrefix, env.Kind)
	}
	var msg message.ServiceMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return "", fmt.Errorf("%s - decode request: %w", dialLogPrefix, err)
	}
	if msg.Type == "" {
		return "", fmt.Errorf("%s - request has no type", dialLogPrefix)
	}
	return msg.Type, nil
}

// Dial opens a bus connection with its own return subject and a subscription to the
// domain's broadcasts, and starts a Client on it.
func Dial(nc *comms.Conn, domain string, connOpts []connection.Option, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	origin := commsutil.BuildOriginSubject(commsutil.NewID())
	tr, err := transport.NewNATS(nc, transport.NATSOptions{
		Subscriptions: []transport.Subscription{
			{Subject: origin},
			{Subject: commsutil.BuildBroadcastSubject(o.broadcastPrefix, domain, ">")},
		},
		PublishSubject: RequestSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open transport for %s: %w", dialLogPrefix, domain, err)
	}

	connOpts = append(append([]connection.Option(nil), connOpts...), connection.WithOrigin(origin))
	conn := connection.New(tr, connOpts...)
	c := New(domain, conn, opts...)
	c.ownsConn = true
	return c, nil
}
