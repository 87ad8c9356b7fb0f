package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"whisperlink/internal/domain"
)

var _ domain.WorkerConn = (*Conn)(nil)

// readChunk is the size of a single read from the worker's output stream.
const readChunk = 32 * 1024

// Conn carries commands over one Transport Channel: requests are written to
// w (the worker's stdin) and responses are read from r (its stdout).
// Conn is safe for concurrent use by many callers.
type Conn struct {
	w        io.WriteCloser
	writeSem chan struct{} // held from registration until the line is fully written
	nextID   atomic.Uint64
	corr    *Correlator
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	closeErr  error
}

// NewConn wires a Conn to the given streams and starts its read loop.
// maxFrame <= 0 uses DefaultMaxFrameBytes.
func NewConn(w io.WriteCloser, r io.Reader, maxFrame int, logger *slog.Logger) *Conn {
	c := &Conn{
		w:        w,
		writeSem: make(chan struct{}, 1),
		corr:     NewCorrelator(logger),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go c.readLoop(r, NewFramer(maxFrame, logger))
	return c
}

// Call sends one command and waits for the response carrying its identifier.
// It returns ErrTimeout when ctx's deadline passes first, including while
// the worker is not draining its input (the request stays queued; its late
// response is discarded), and ErrTransportClosed when the channel fails or
// closes before the response arrives.
func (c *Conn) Call(ctx context.Context, command string, args map[string]any) (*domain.Response, error) {
	select {
	case c.writeSem <- struct{}{}:
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctxError(ctx, command)
	}

	id := c.nextID.Add(1)
	wait, err := c.corr.Register(id)
	if err != nil {
		<-c.writeSem
		return nil, err
	}

	line, err := EncodeRequest(domain.Request{ID: id, Command: command, Args: args})
	if err != nil {
		c.corr.Cancel(id)
		<-c.writeSem
		return nil, domain.NewSubSystemError("bridge", "Conn.Call", domain.ErrInvalidInput, err.Error())
	}

	go c.write(command, line)

	select {
	case res := <-wait:
		return res.Response, res.Err
	case <-ctx.Done():
		c.corr.Abandon(id)
		return nil, ctxError(ctx, command)
	}
}

// write sends one encoded request and releases the write slot once the
// whole line is out. A failed write closes the connection, which fails the
// caller's waiter.
func (c *Conn) write(command string, line []byte) {
	_, err := c.w.Write(line)
	<-c.writeSem
	if err != nil {
		c.Close(fmt.Errorf("write %s: %w: %v", command, domain.ErrTransportClosed, err))
	}
}

func ctxError(ctx context.Context, command string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewSubSystemError("bridge", "Conn.Call", domain.ErrTimeout, command)
	}
	return ctx.Err()
}

// Close shuts the channel down with cause, failing every pending call.
// Close is idempotent; only the first cause is kept.
func (c *Conn) Close(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = domain.ErrTransportClosed
		}
		c.errMu.Lock()
		c.closeErr = cause
		c.errMu.Unlock()

		close(c.done)
		c.corr.FailAll(cause)
		if err := c.w.Close(); err != nil {
			c.logger.Debug("close worker stdin", "error", err)
		}
	})
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the close cause, or nil while the connection is open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.closeErr
}

// Pending returns the number of calls awaiting a response.
func (c *Conn) Pending() int {
	return c.corr.Len()
}

func (c *Conn) readLoop(r io.Reader, framer *Framer) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, resp := range framer.Feed(buf[:n]) {
				c.corr.Resolve(resp)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.Close(fmt.Errorf("worker output closed: %w", domain.ErrTransportClosed))
			} else {
				c.Close(fmt.Errorf("read worker output: %w: %v", domain.ErrTransportClosed, err))
			}
			return
		}
	}
}
