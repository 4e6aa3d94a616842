package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/pgostovic/platform/internal/natstest"
	"github.com/pgostovic/platform/pkg/connection"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/reqctx"
	"github.com/pgostovic/platform/pkg/transport"
)

const clientTestPrefix = "client:client_test"

func echoHandlers() map[string]fakeHandler {
	return map[string]fakeHandler{
		"echo": func(info json.RawMessage) (any, error) { return info, nil },
		"missing": func(json.RawMessage) (any, error) {
			return nil, message.NewAnomaly(message.CodeNotFound, "Account not found")
		},
		"count": func(info json.RawMessage) (any, error) {
			var n int
			if err := json.Unmarshal(info, &n); err != nil {
				return nil, err
			}
			items := streamOf{}
			for i := 1; i <= n; i++ {
				items = append(items, i)
			}
			return items, nil
		},
	}
}

func dialFast(t *testing.T, nc *comms.Conn, domain string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithDiscoveryTimeout(50 * time.Millisecond), WithQuickRetries(1000)}, opts...)
	c, err := Dial(nc, domain, []connection.Option{connection.WithResponseTimeout(2 * time.Second)}, opts...)
	if err != nil {
		t.Fatalf("%s - Dial failed: %v", clientTestPrefix, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitReady(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - client never became ready", clientTestPrefix)
	}
}

func TestCallAfterDiscovery(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	startFakeDomain(t, nc, "fake", "1.0.0", echoHandlers())

	c := dialFast(t, nc, "fake")
	waitReady(t, c)

	var got map[string]string
	if err := c.Call(context.Background(), "echo", map[string]string{"a": "b"}, &got); err != nil {
		t.Fatalf("%s - Call failed: %v", clientTestPrefix, err)
	}
	if got["a"] != "b" {
		t.Errorf("%s - got %v", clientTestPrefix, got)
	}
	if c.Version() != "1.0.0" {
		t.Errorf("%s - version = %q", clientTestPrefix, c.Version())
	}
}

func TestQueuedCallsResolveInOrder(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	c := dialFast(t, nc, "fake")

	type result struct {
		n   int
		err error
	}
	results := make([]chan result, 2)
	for i := range results {
		results[i] = make(chan result, 1)
		go func(i int) {
			n, err := Invoke[int](context.Background(), c, "echo", i+1)
			results[i] <- result{n, err}
		}(i)
		// keep the two calls ordered in the queue
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	domain := startFakeDomain(t, nc, "fake", "1.0.0", echoHandlers())

	for i, ch := range results {
		select {
		case r := <-ch:
			if r.err != nil {
				t.Fatalf("%s - queued call %d failed: %v", clientTestPrefix, i, r.err)
			}
			if r.n != i+1 {
				t.Errorf("%s - queued call %d got %d (cross-assigned)", clientTestPrefix, i, r.n)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s - queued call %d never resolved", clientTestPrefix, i)
		}
	}

	var order []string
	for _, m := range domain.received() {
		if m.Type == "fake.echo" {
			order = append(order, string(m.Info))
		}
	}
	if fmt.Sprint(order) != "[1 2]" {
		t.Errorf("%s - queued calls reached the domain as %v", clientTestPrefix, order)
	}
}

func TestHandlersBeforeDiscoveryCompletes(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	c := dialFast(t, nc, "fake")

	got := make(chan []string, 1)
	go func() {
		names, err := c.Handlers(context.Background())
		if err != nil {
			t.Errorf("%s - Handlers failed: %v", clientTestPrefix, err)
		}
		got <- names
	}()

	time.Sleep(100 * time.Millisecond)
	startFakeDomain(t, nc, "fake", "1.0.0", echoHandlers())

	select {
	case names := <-got:
		want := map[string]bool{"handlers": false, "echo": false, "missing": false, "count": false}
		for _, n := range names {
			if _, ok := want[n]; ok {
				want[n] = true
			}
		}
		for n, found := range want {
			if !found {
				t.Errorf("%s - handler %q missing from %v", clientTestPrefix, n, names)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - Handlers never returned", clientTestPrefix)
	}
}

func TestUnsupportedHandlerRejectedLocally(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	domain := startFakeDomain(t, nc, "fake", "1.0.0", echoHandlers())
	c := dialFast(t, nc, "fake")
	waitReady(t, c)

	err := c.Call(context.Background(), "nope", nil, nil)
	if !message.IsCode(err, message.CodeUnsupportedType) {
		t.Fatalf("%s - expected UNSUPPORTED_TYPE, got %v", clientTestPrefix, err)
	}
	for _, m := range domain.received() {
		if m.Type == "fake.nope" {
			t.Errorf("%s - unsupported call reached the domain", clientTestPrefix)
		}
	}
}

func TestDomainErrorKeepsKind(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	startFakeDomain(t, nc, "fake", "1.0.0", echoHandlers())
	c := dialFast(t, nc, "fake")

	err := c.Call(context.Background(), "missing", nil, nil)
	if !message.IsCode(err, message.CodeNotFound) || !message.IsAnomaly(err) {
		t.Fatalf("%s - expected NOT_FOUND anomaly, got %v", clientTestPrefix, err)
	}
	e, _ := message.AsError(err)
	if e.Message != "Account not found" {
		t.Errorf("%s - message = %q", clientTestPrefix, e.Message)
	}
}

func TestStreamedResults(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	startFakeDomain(t, nc, "fake", "1.0.0", echoHandlers())
	c := dialFast(t, nc, "fake")
	ctx := context.Background()

	var all []int
	if err := c.Call(ctx, "count", 3, &all); err != nil {
		t.Fatalf("%s - Call failed: %v", clientTestPrefix, err)
	}
	if fmt.Sprint(all) != "[1 2 3]" {
		t.Errorf("%s - collected %v", clientTestPrefix, all)
	}

	var streamed []int
	for n, err := range InvokeStream[int](ctx, c, "count", 4) {
		if err != nil {
			t.Fatalf("%s - stream failed: %v", clientTestPrefix, err)
		}
		streamed = append(streamed, n)
	}
	if fmt.Sprint(streamed) != "[1 2 3 4]" {
		t.Errorf("%s - streamed %v", clientTestPrefix, streamed)
	}

	// a single value iterates as a stream of one
	var single []int
	for n, err := range InvokeStream[int](ctx, c, "echo", 9) {
		if err != nil {
			t.Fatalf("%s - stream failed: %v", clientTestPrefix, err)
		}
		single = append(single, n)
	}
	if fmt.Sprint(single) != "[9]" {
		t.Errorf("%s - single %v", clientTestPrefix, single)
	}
}

func TestConcurrentCallsDoNotInterleave(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	startFakeDomain(t, nc, "fake", "1.0.0", echoHandlers())
	c := dialFast(t, nc, "fake")
	waitReady(t, c)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var got []int
			if err := c.Call(context.Background(), "count", n, &got); err != nil {
				t.Errorf("%s - count %d failed: %v", clientTestPrefix, n, err)
				return
			}
			if len(got) != n {
				t.Errorf("%s - count %d got %v", clientTestPrefix, n, got)
				return
			}
			for i, v := range got {
				if v != i+1 {
					t.Errorf("%s - count %d out of order: %v", clientTestPrefix, n, got)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestIdentityComesFromScope(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	domain := startFakeDomain(t, nc, "fake", "1.0.0", echoHandlers())
	c := dialFast(t, nc, "fake")

	scope := reqctx.New(nil, "gw1.conn1", "acct-1", []string{"fr-CA", "en"})
	if err := c.Call(reqctx.With(context.Background(), scope), "echo", 1, nil); err != nil {
		t.Fatalf("%s - Call failed: %v", clientTestPrefix, err)
	}

	var found bool
	for _, m := range domain.received() {
		if m.Type != "fake.echo" {
			continue
		}
		found = true
		if m.ConnectionID != "gw1.conn1" || m.AccountID != "acct-1" || len(m.Langs) != 2 || m.Origin == "" {
			t.Errorf("%s - identity not carried: %+v", clientTestPrefix, m)
		}
	}
	if !found {
		t.Fatalf("%s - request never reached the domain", clientTestPrefix)
	}
}

func TestVersionConstraint(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	startFakeDomain(t, nc, "fake", "2.1.0", echoHandlers())

	c := dialFast(t, nc, "fake", WithVersionConstraint("^1.0.0"))
	if _, err := c.Handlers(context.Background()); !message.IsCode(err, message.CodeIncompatibleVersion) {
		t.Fatalf("%s - expected INCOMPATIBLE_VERSION, got %v", clientTestPrefix, err)
	}
	if err := c.Call(context.Background(), "echo", 1, nil); !message.IsCode(err, message.CodeIncompatibleVersion) {
		t.Errorf("%s - call on incompatible client: %v", clientTestPrefix, err)
	}

	ok := dialFast(t, nc, "fake", WithVersionConstraint("2"))
	if _, err := ok.Handlers(context.Background()); err != nil {
		t.Errorf("%s - major-only constraint should accept 2.1.0: %v", clientTestPrefix, err)
	}
}

func TestCloseFailsQueuedCalls(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	c := dialFast(t, nc, "absent")

	errc := make(chan error, 1)
	go func() { errc <- c.Call(context.Background(), "anything", nil, nil) }()
	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-errc:
		if !message.IsCode(err, message.CodeClosed) {
			t.Errorf("%s - expected CLOSED, got %v", clientTestPrefix, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("%s - queued call not released by Close", clientTestPrefix)
	}
}

func TestQueuedCallHonoursContext(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	c := dialFast(t, nc, "absent")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Call(ctx, "anything", nil, nil); err != context.DeadlineExceeded {
		t.Errorf("%s - expected deadline exceeded, got %v", clientTestPrefix, err)
	}
}

func TestBroadcastListener(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	startFakeDomain(t, nc, "fake", "1.0.0", echoHandlers())
	c := dialFast(t, nc, "fake")
	waitReady(t, c)

	got := make(chan json.RawMessage, 1)
	c.On("connected", func(_ context.Context, info json.RawMessage) { got <- info })
	c.On("other", func(_ context.Context, info json.RawMessage) {
		t.Errorf("%s - wrong listener invoked", clientTestPrefix)
	})

	tr, err := transport.NewNATS(nc, transport.NATSOptions{
		PublishSubject: func(*message.Envelope) (string, error) { return "broadcast.fake.connected", nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	pub := connection.New(tr)
	defer pub.Close()

	if err := pub.Send(context.Background(), &message.ServiceMessage{
		Type: "fake.connected",
		Info: json.RawMessage(`{"accountId":"acct-1"}`),
	}); err != nil {
		t.Fatalf("%s - Send failed: %v", clientTestPrefix, err)
	}

	select {
	case info := <-got:
		if string(info) != `{"accountId":"acct-1"}` {
			t.Errorf("%s - got %s", clientTestPrefix, info)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - broadcast never delivered", clientTestPrefix)
	}
}

func TestListenersRunInArrivalOrder(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	startFakeDomain(t, nc, "fake", "1.0.0", echoHandlers())
	c := dialFast(t, nc, "fake")
	waitReady(t, c)

	const n = 20
	got := make(chan int, n)
	c.On("tick", func(_ context.Context, info json.RawMessage) {
		var i int
		if err := json.Unmarshal(info, &i); err != nil {
			t.Errorf("%s - decode tick: %v", clientTestPrefix, err)
			return
		}
		if i == 0 {
			// a slow first delivery must not let later ones overtake it
			time.Sleep(50 * time.Millisecond)
		}
		got <- i
	})

	tr, err := transport.NewNATS(nc, transport.NATSOptions{
		PublishSubject: func(*message.Envelope) (string, error) { return "broadcast.fake.tick", nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	pub := connection.New(tr)
	defer pub.Close()

	for i := 0; i < n; i++ {
		if err := pub.Send(context.Background(), &message.ServiceMessage{
			Type: "fake.tick",
			Info: json.RawMessage(fmt.Sprint(i)),
		}); err != nil {
			t.Fatalf("%s - Send failed: %v", clientTestPrefix, err)
		}
	}

	for want := 0; want < n; want++ {
		select {
		case i := <-got:
			if i != want {
				t.Fatalf("%s - tick %d delivered at position %d", clientTestPrefix, i, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s - tick %d never delivered", clientTestPrefix, want)
		}
	}
}

func TestRequestSubject(t *testing.T) {
	tests := []struct {
		name    string
		env     *message.Envelope
		want    string
		wantErr bool
	}{
		{"request", &message.Envelope{Kind: message.KindRequest, Payload: json.RawMessage(`{"type":"auth.getAccount"}`)}, "auth.getAccount", false},
		{"no type", &message.Envelope{Kind: message.KindRequest, Payload: json.RawMessage(`{}`)}, "", true},
		{"response", &message.Envelope{Kind: message.KindResponse}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequestSubject(tt.env)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("%s - got %q, %v", clientTestPrefix, got, err)
			}
		})
	}
}
