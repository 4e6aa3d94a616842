// Package natstest runs an embedded COMMS server for tests.
package natstest

import (
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

// Server is an in-process COMMS server bound to a random port.
type Server struct {
	ns *commsserver.Server
}

// Start starts a server and registers its shutdown with t.Cleanup.
func Start(t testing.TB) *Server {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   commsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("natstest - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("natstest - server failed to start")
	}

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return &Server{ns: ns}
}

// URL returns the client URL of the server.
func (s *Server) URL() string {
	return s.ns.ClientURL()
}

// Connect opens a client connection that is closed on cleanup.
func (s *Server) Connect(t testing.TB) *comms.Conn {
	t.Helper()
	nc, err := comms.Connect(s.ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("natstest - failed to connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}
