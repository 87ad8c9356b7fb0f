package bridge

import (
	"log/slog"
	"sync"

	"whisperlink/internal/domain"
)

// Result is delivered exactly once to a registered waiter.
type Result struct {
	Response *domain.Response
	Err      error
}

// Correlator matches responses to the requests that caused them by request
// identifier. Responses that carry no identifier (id 0) fall back to the
// oldest written request. An abandoned request keeps its place in that order
// as a tombstone until its late response arrives, so an id-less late reply
// is discarded instead of resolving the next waiter.
type Correlator struct {
	mu        sync.Mutex
	pending   map[uint64]chan Result
	abandoned map[uint64]struct{}
	order     []uint64 // write order of live and abandoned requests
	closed    error
	logger    *slog.Logger
}

// NewCorrelator creates an empty Correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	return &Correlator{
		pending:   make(map[uint64]chan Result),
		abandoned: make(map[uint64]struct{}),
		logger:    logger,
	}
}

// Register creates a waiter for id. It fails with the close cause once
// FailAll has run.
func (c *Correlator) Register(id uint64) (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return nil, c.closed
	}
	ch := make(chan Result, 1)
	c.pending[id] = ch
	c.order = append(c.order, id)
	return ch, nil
}

// Resolve delivers resp to its waiter and reports whether one was found.
// A response for an abandoned or unknown request is discarded.
func (c *Correlator) Resolve(resp domain.Response) bool {
	c.mu.Lock()
	id := resp.ID
	if id == 0 {
		if len(c.order) == 0 {
			c.mu.Unlock()
			c.logger.Debug("discarding id-less response with nothing pending")
			return false
		}
		id = c.order[0]
	}
	ch, ok := c.pending[id]
	c.removeLocked(id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("discarding uncorrelated response", "id", resp.ID, "slot", id)
		return false
	}
	ch <- Result{Response: &resp}
	return true
}

// Abandon drops the waiter for a request that was written. Its slot stays
// in the id-less order until the late response arrives and is discarded.
func (c *Correlator) Abandon(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)
	c.abandoned[id] = struct{}{}
}

// Cancel drops the waiter for a request that was never written. No response
// will come for it, so it leaves no tombstone.
func (c *Correlator) Cancel(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

// FailAll delivers err to every pending waiter and rejects future
// registrations with err.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.pending
	c.pending = make(map[uint64]chan Result)
	c.abandoned = make(map[uint64]struct{})
	c.order = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- Result{Err: err}
	}
}

// Len returns the number of outstanding waiters.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Tombstones returns the number of abandoned requests still awaiting their
// late response.
func (c *Correlator) Tombstones() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.abandoned)
}

func (c *Correlator) removeLocked(id uint64) {
	_, live := c.pending[id]
	_, dead := c.abandoned[id]
	if !live && !dead {
		return
	}
	delete(c.pending, id)
	delete(c.abandoned, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
