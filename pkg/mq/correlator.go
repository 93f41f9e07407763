package mq

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/metrics"
	"github.com/baaaht/mqbus/pkg/types"
)

// ReplyFunc receives the outcome of an outbound request. It is called
// exactly once: with the reply parts, or with a TIMEOUT, CONNECTION_CLOSED or
// remote error status.
type ReplyFunc func(args [][]byte, err error)

type pendingRequest struct {
	conn     types.ConnID
	name     string
	timeout  time.Duration
	timer    *time.Timer
	callback ReplyFunc
}

// Correlator matches reply envelopes to outstanding requests by tag
type Correlator struct {
	mu      sync.Mutex
	next    uint64
	pending map[string]*pendingRequest
	closed  bool
	timeout time.Duration
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewCorrelator creates a correlator whose requests default to timeout
func NewCorrelator(timeout time.Duration, log *logger.Logger, m *metrics.Metrics) *Correlator {
	return &Correlator{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
		logger:  logger.OrDefault(log, "correlator"),
		metrics: m,
	}
}

// Register records a request about to be sent on conn and returns its tag.
// A timeout of zero uses the correlator default.
func (c *Correlator) Register(conn types.ConnID, name string, timeout time.Duration, cb ReplyFunc) (string, error) {
	if cb == nil {
		return "", types.NewError(types.ErrCodeInvalidArgument, "reply callback is required")
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", types.NewError(types.ErrCodeUnavailable, "correlator is closed")
	}

	c.next++
	tag := strconv.FormatUint(c.next, 16)
	if _, exists := c.pending[tag]; exists {
		panic(fmt.Sprintf("mq: request tag %s reused while still pending", tag))
	}
	p := &pendingRequest{conn: conn, name: name, timeout: timeout, callback: cb}
	p.timer = time.AfterFunc(timeout, func() { c.expire(tag) })
	c.pending[tag] = p
	c.metrics.RequestSent()
	return tag, nil
}

// Resolve completes the request with the given tag if it was sent on conn.
// It returns false for unknown tags, including replies that arrive after a
// timeout and replies from a different connection.
func (c *Correlator) Resolve(conn types.ConnID, tag, status string, args [][]byte) bool {
	p := c.take(conn, tag)
	if p == nil {
		c.logger.Debug("Dropping reply with unknown tag", "tag", tag, "conn_id", conn, "status", status)
		c.metrics.UnknownReply()
		return false
	}

	if status != "" {
		reason := status
		if len(args) > 0 {
			reason = string(args[0])
		}
		c.metrics.RequestResolved(metrics.ReplyError)
		p.callback(nil, types.NewError(status, reason))
		return true
	}
	c.metrics.RequestResolved(metrics.ReplyOK)
	p.callback(args, nil)
	return true
}

// Forget removes a request without calling its callback. Used when the
// request could not be sent at all.
func (c *Correlator) Forget(tag string) bool {
	if p := c.take("", tag); p != nil {
		c.metrics.RequestResolved(metrics.ReplyClosed)
		return true
	}
	return false
}

// FailConnection fails every request pending on conn with CONNECTION_CLOSED
func (c *Correlator) FailConnection(conn types.ConnID) int {
	c.mu.Lock()
	var failed []*pendingRequest
	for tag, p := range c.pending {
		if p.conn == conn {
			p.timer.Stop()
			delete(c.pending, tag)
			failed = append(failed, p)
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		c.metrics.RequestResolved(metrics.ReplyClosed)
		p.callback(nil, types.NewError(types.ErrCodeConnectionClosed,
			fmt.Sprintf("connection %s closed before %s was answered", conn, p.name)))
	}
	if len(failed) > 0 {
		c.logger.Debug("Failed pending requests for closed connection", "conn_id", conn, "count", len(failed))
	}
	return len(failed)
}

// Pending returns the number of outstanding requests
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails everything still pending and refuses new registrations
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	failed := make([]*pendingRequest, 0, len(c.pending))
	for tag, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, tag)
		failed = append(failed, p)
	}
	c.mu.Unlock()

	for _, p := range failed {
		c.metrics.RequestResolved(metrics.ReplyClosed)
		p.callback(nil, types.NewError(types.ErrCodeConnectionClosed,
			fmt.Sprintf("bus closed before %s was answered", p.name)))
	}
}

func (c *Correlator) expire(tag string) {
	p := c.take("", tag)
	if p == nil {
		return
	}
	c.logger.Debug("Request timed out", "tag", tag, "command", p.name, "conn_id", p.conn)
	c.metrics.RequestResolved(metrics.ReplyTimeout)
	p.callback(nil, types.NewError(types.ErrCodeTimeout,
		fmt.Sprintf("%s (tag %s) timed out after %s", p.name, tag, p.timeout)))
}

// take removes and returns the entry for tag, optionally requiring that it
// belongs to conn. Callbacks always run after the lock is released.
func (c *Correlator) take(conn types.ConnID, tag string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[tag]
	if !ok || (conn != "" && p.conn != conn) {
		return nil
	}
	delete(c.pending, tag)
	p.timer.Stop()
	return p
}
