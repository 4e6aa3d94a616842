package connection

import (
	"context"
	"sync"

	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/transport"
)

// pipeEnd is one side of an in-memory transport pair.
type pipeEnd struct {
	mu     sync.Mutex
	in     chan *message.Envelope
	closed bool
	peer   *pipeEnd
}

func newPipe() (*pipeEnd, *pipeEnd) {
	a := &pipeEnd{in: make(chan *message.Envelope, 256)}
	b := &pipeEnd{in: make(chan *message.Envelope, 256)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Send(_ context.Context, env *message.Envelope) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	cp := *env
	p.peer.deliver(&cp)
	return nil
}

func (p *pipeEnd) deliver(env *message.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.in <- env
}

func (p *pipeEnd) Receive() <-chan *message.Envelope {
	return p.in
}

func (p *pipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.in)
	}
	return nil
}
