package connection

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Serial runs queued functions one at a time in queue order, off the caller's goroutine.
// Queue never blocks; a worker goroutine exists only while there is work.
type Serial struct {
	mu      sync.Mutex
	queue   []func()
	limit   int
	running bool
	closed  bool
}

// NewSerial returns a Serial holding at most limit waiting functions. Zero means unbounded.
func NewSerial(limit int) *Serial {
	return &Serial{limit: limit}
}

// Queue adds fn. It reports false, without queueing, when the Serial is full or closed.
func (s *Serial) Queue(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.limit > 0 && len(s.queue) >= s.limit) {
		return false
	}
	s.queue = append(s.queue, fn)
	if !s.running {
		s.running = true
		go s.drain()
	}
	return true
}

// Close discards waiting functions. One already running is not interrupted.
func (s *Serial) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(fn)
	}
}

func (s *Serial) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - queued function panicked: %v\n%s", logPrefix, r, debug.Stack()))
		}
	}()
	fn()
}
