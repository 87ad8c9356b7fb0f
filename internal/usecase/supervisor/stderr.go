package supervisor

import (
	"bytes"
	"log/slog"
	"sync"
)

// ringBuffer is a thread-safe, bounded byte buffer that drops old data
// when the capacity is exceeded. Holds the tail of the worker's stderr.
type ringBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64 // total bytes ever written (including dropped)
}

func newRingBuffer(maxBytes int) *ringBuffer {
	return &ringBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer. Thread-safe.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, p...)
	rb.written += int64(len(p))
	if len(rb.data) > rb.max {
		rb.data = rb.data[len(rb.data)-rb.max:]
	}
	return len(p), nil
}

// String returns the full buffered content.
func (rb *ringBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return string(rb.data)
}

// TotalWritten returns the total number of bytes ever written,
// including bytes that have been dropped due to overflow.
func (rb *ringBuffer) TotalWritten() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written
}

// stderrSink receives the worker's diagnostic stream. Every complete line is
// logged and the raw bytes are kept in a ring buffer. Nothing written here is
// ever parsed as protocol data.
type stderrSink struct {
	mu      sync.Mutex
	partial []byte
	tail    *ringBuffer
	logger  *slog.Logger
}

func newStderrSink(maxBytes int, logger *slog.Logger) *stderrSink {
	return &stderrSink{tail: newRingBuffer(maxBytes), logger: logger}
}

// Write implements io.Writer.
func (s *stderrSink) Write(p []byte) (int, error) {
	s.tail.Write(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = append(s.partial, p...)
	for {
		idx := bytes.IndexByte(s.partial, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(s.partial[:idx], "\r")
		if len(line) > 0 {
			s.logger.Warn("worker stderr", "line", string(line))
		}
		s.partial = s.partial[idx+1:]
	}
	if len(s.partial) > s.tail.max {
		s.logger.Warn("worker stderr", "line", string(s.partial))
		s.partial = nil
	}
	return len(p), nil
}

// Flush logs any trailing unterminated line.
func (s *stderrSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 {
		s.logger.Warn("worker stderr", "line", string(s.partial))
		s.partial = nil
	}
}

// Tail returns the buffered stderr content.
func (s *stderrSink) Tail() string {
	return s.tail.String()
}
