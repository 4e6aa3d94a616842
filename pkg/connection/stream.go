package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pgostovic/platform/pkg/message"
)

// Stream yields the items of a streamed reply in sequence order, regardless of the
// order they arrived in. It is single-consumer.
type Stream struct {
	c  *Conn
	id uint64

	mu     sync.Mutex
	items  map[int]json.RawMessage
	next   int
	total  int
	err    error
	signal chan struct{}
}

func newStream(c *Conn, id uint64) *Stream {
	return &Stream{
		c:      c,
		id:     id,
		items:  make(map[int]json.RawMessage),
		total:  -1,
		signal: make(chan struct{}, 1),
	}
}

// Next returns the next item, io.EOF after the last one, or the error that ended the
// stream. Waiting for an item is bounded by the connection's response timeout.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		s.mu.Lock()
		if item, ok := s.items[s.next]; ok {
			delete(s.items, s.next)
			s.next++
			s.mu.Unlock()
			return item, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		if s.total >= 0 && s.next >= s.total {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Close abandons the stream. Items still in flight are discarded.
func (s *Stream) Close() {
	s.c.drop(s.id)
	s.fail(io.EOF)
}

func (s *Stream) wait(ctx context.Context) error {
	timeout := s.c.ResponseTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.signal:
		return nil
	case <-ctx.Done():
		s.c.drop(s.id)
		return ctx.Err()
	case <-timer.C:
		s.c.drop(s.id)
		err := message.NewError(message.CodeTimeout, fmt.Sprintf("no stream item within %s", timeout))
		s.fail(err)
		return err
	case <-s.c.done:
		s.fail(message.NewError(message.CodeClosed, "connection closed"))
		return nil
	}
}

func (s *Stream) push(seq int, payload json.RawMessage) {
	s.mu.Lock()
	if seq >= s.next {
		if _, dup := s.items[seq]; !dup {
			s.items[seq] = payload
		}
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) finish(total int) {
	s.mu.Lock()
	s.total = total
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total >= 0
}

func (s *Stream) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
