package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clawlink/internal/domain"
)

// SendFunc serializes and transmits one outbound frame. The Client wires
// this to its single-writer send queue.
type SendFunc func(ctx context.Context, f Frame) error

type pendingSlot struct {
	ch chan Frame // buffered, capacity 1
}

// Correlator matches response frames to outstanding requests. Request ids
// are scoped to the method name plus a monotonic counter so ids stay unique
// for the life of the process, across reconnects.
type Correlator struct {
	send    SendFunc
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	counters map[string]uint64
	pending  map[string]pendingSlot
}

// NewCorrelator creates a correlator that transmits via send and applies
// defaultTimeout when Issue is called with a zero timeout.
func NewCorrelator(send SendFunc, defaultTimeout time.Duration, logger *slog.Logger) *Correlator {
	return &Correlator{
		send:     send,
		timeout:  defaultTimeout,
		counters: make(map[string]uint64),
		pending:  make(map[string]pendingSlot),
		logger:   logger,
	}
}

// nextID returns a fresh request id for method.
func (c *Correlator) nextID(method string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[method]++
	return fmt.Sprintf("%s-%d", method, c.counters[method])
}

// Issue sends a request and blocks until its response arrives, the timeout
// elapses, or ctx is cancelled. A timeout is soft: the caller gets a nil
// payload and a nil error, meaning "unknown outcome". A response with
// ok:false yields a *RequestError. Multiple Issue calls may be outstanding
// concurrently; each has an independent id and timeout.
func (c *Correlator) Issue(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, domain.WrapOp("correlator.Issue", err)
		}
		raw = encoded
	}

	id := c.nextID(method)
	slot := pendingSlot{ch: make(chan Frame, 1)}

	c.mu.Lock()
	c.pending[id] = slot
	c.mu.Unlock()
	defer c.evict(id)

	frame := Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}
	if err := c.send(ctx, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot.ch:
		if !resp.OK {
			reqErr := &RequestError{Code: "UNKNOWN"}
			if resp.Error != nil {
				reqErr.Code = resp.Error.Code
				reqErr.Message = resp.Error.Message
			}
			return nil, reqErr
		}
		return resp.Payload, nil
	case <-timer.C:
		c.logger.Debug("request timed out", "id", id, "method", method)
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers a response frame to its pending slot. Each slot resolves
// at most once; responses for unknown ids are dropped, which absorbs
// duplicate or late frames arriving after a reconnect.
func (c *Correlator) Resolve(f Frame) {
	c.mu.Lock()
	slot, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown id", "id", f.ID)
		return
	}
	slot.ch <- f
}

// Abandon detaches every pending slot, leaving the blocked callers to finish
// via their soft timeouts. Called when the connection drops so stale frames
// from a dead socket can never resolve a new generation's requests.
func (c *Correlator) Abandon() {
	c.mu.Lock()
	n := len(c.pending)
	c.pending = make(map[string]pendingSlot)
	c.mu.Unlock()
	if n > 0 {
		c.logger.Debug("abandoned pending requests", "count", n)
	}
}

// PendingCount reports the number of outstanding request slots.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) evict(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
