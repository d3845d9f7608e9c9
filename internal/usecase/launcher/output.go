package launcher

import (
	"strings"
	"sync"
)

// outputBuffer keeps the most recent bytes a process wrote and forgets the
// rest.
type outputBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64
}

func newOutputBuffer(maxBytes int) *outputBuffer {
	return &outputBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	b.written += int64(len(p))
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Dropped returns how many bytes fell out of the buffer.
func (b *outputBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written - int64(len(b.data))
}

// Tail returns up to n trailing lines.
func (b *outputBuffer) Tail(n int) []string {
	s := strings.TrimRight(b.String(), "\n")
	if s == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
