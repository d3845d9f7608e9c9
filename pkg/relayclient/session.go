package relayclient

import (
	"sync"

	"nhooyr.io/websocket"

	"snippet-relay/internal/domain"
	"snippet-relay/pkg/protocol"
)

// session is one live connection and the calls issued on it. Request IDs
// are scoped to the session.
type session struct {
	ws *websocket.Conn

	mu      sync.Mutex
	pending map[uint64]chan protocol.Frame
	nextID  uint64
	closed  bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func newSession(ws *websocket.Conn) *session {
	return &session{
		ws:      ws,
		pending: make(map[uint64]chan protocol.Frame),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// register allocates a request ID and the slot its response is delivered to.
func (s *session) register() (uint64, <-chan protocol.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, domain.ErrConnectionClosed
	}
	s.nextID++
	ch := make(chan protocol.Frame, 1)
	s.pending[s.nextID] = ch
	return s.nextID, ch, nil
}

func (s *session) unregister(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// deliver hands a response to its waiting call. Unknown IDs are reported false.
func (s *session) deliver(f protocol.Frame) bool {
	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	delete(s.pending, f.ID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

// failAll closes every pending slot and refuses new registrations.
func (s *session) failAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	n := len(s.pending)
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	return n
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *session) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}
