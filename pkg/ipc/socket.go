package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/metrics"
	"github.com/baaaht/mqbus/pkg/types"
)

// AllowFunc decides whether an inbound peer may connect and at which auth level
type AllowFunc func(remote string) (types.AuthLevel, bool)

// AllowAll admits every peer at the given level
func AllowAll(level types.AuthLevel) AllowFunc {
	return func(string) (types.AuthLevel, bool) { return level, true }
}

// Handler receives what the socket reads. Both methods are called from the
// connection's reader goroutine, so envelopes from one peer arrive in order.
type Handler interface {
	HandleEnvelope(peer Peer, env *types.Envelope)
	ConnectionClosed(peer Peer)
}

// SocketConfig contains socket configuration
type SocketConfig struct {
	MaxMessageSize int
	MaxConnections int
	WriteTimeout   time.Duration
	DialTimeout    time.Duration
	DialRetries    int
	DialBackoff    time.Duration
	OutboundAuth   types.AuthLevel
}

type listener struct {
	addr  Address
	ln    net.Listener
	allow AllowFunc
}

// Socket owns listeners and connections for ipc:// and tcp:// endpoints and
// moves length-prefixed CBOR envelopes over them.
type Socket struct {
	cfg       SocketConfig
	handler   Handler
	logger    *logger.Logger
	metrics   *metrics.Metrics
	mu        sync.RWMutex
	listeners []*listener
	conns     map[types.ConnID]*connection
	closed    bool
	wg        sync.WaitGroup
}

// NewSocket creates a socket that reports inbound traffic to h
func NewSocket(cfg SocketConfig, h Handler, log *logger.Logger, m *metrics.Metrics) (*Socket, error) {
	if h == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket handler is required")
	}
	if cfg.MaxMessageSize <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "max message size must be positive")
	}
	return &Socket{
		cfg:     cfg,
		handler: h,
		logger:  logger.OrDefault(log, "ipc_socket"),
		metrics: m,
		conns:   make(map[types.ConnID]*connection),
	}, nil
}

// Listen binds addr and starts accepting peers admitted by allow
func (s *Socket) Listen(addr string, allow AllowFunc) error {
	if allow == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "allow function is required")
	}
	a, err := ParseAddress(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "socket is closed")
	}

	if a.Network == "unix" {
		// Remove a stale socket file left by a previous run
		if _, err := os.Stat(a.Host); err == nil {
			if err := os.Remove(a.Host); err != nil {
				return types.WrapError(types.ErrCodeInternal, "failed to remove existing socket file", err)
			}
		}
	}

	ln, err := net.Listen(a.Network, a.Host)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, fmt.Sprintf("failed to listen on %s", addr), err)
	}
	if a.Network == "tcp" {
		a.Host = ln.Addr().String()
	}

	l := &listener{addr: a, ln: ln, allow: allow}
	s.listeners = append(s.listeners, l)
	s.wg.Add(1)
	go s.acceptConnections(l)

	s.logger.Info("Socket listening", "address", a.String())
	return nil
}

// acceptConnections accepts new connections from one listener
func (s *Socket) acceptConnections(l *listener) {
	defer s.wg.Done()

	for {
		netConn, err := l.ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept connection", "address", l.addr.String(), "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		remote := remoteString(netConn, l.addr)
		level, ok := l.allow(remote)
		if !ok {
			s.logger.Info("Connection refused by allow function", "remote", remote)
			netConn.Close()
			continue
		}

		if _, err := s.register(netConn, Peer{Remote: remote, Level: level, Inbound: true}); err != nil {
			s.logger.Warn("Rejecting connection", "remote", remote, "error", err)
			netConn.Close()
		}
	}
}

// Dial connects to addr, retrying with exponential backoff
func (s *Socket) Dial(ctx context.Context, addr string) (types.ConnID, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return "", err
	}
	if s.isClosed() {
		return "", types.NewError(types.ErrCodeUnavailable, "socket is closed")
	}

	policy := backoff.NewExponentialBackOff()
	if s.cfg.DialBackoff > 0 {
		policy.InitialInterval = s.cfg.DialBackoff
	}
	policy.MaxElapsedTime = 0
	retries := s.cfg.DialRetries
	if retries < 0 {
		retries = 0
	}

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	var netConn net.Conn
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		c, err := dialer.DialContext(ctx, a.Network, a.Host)
		if err != nil {
			s.logger.Debug("Dial attempt failed", "address", addr, "attempt", attempt, "error", err)
			return err
		}
		netConn = c
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return "", types.WrapError(types.ErrCodeCanceled, "dial canceled", ctx.Err())
		}
		return "", types.WrapError(types.ErrCodeUnavailable, fmt.Sprintf("failed to connect to %s after %d attempt(s)", addr, attempt), err)
	}

	id, err := s.register(netConn, Peer{Remote: a.String(), Level: s.cfg.OutboundAuth})
	if err != nil {
		netConn.Close()
		return "", err
	}
	s.logger.Debug("Connected", "address", addr, "conn_id", id)
	return id, nil
}

// register tracks a new connection and starts its reader
func (s *Socket) register(netConn net.Conn, peer Peer) (types.ConnID, error) {
	peer.ID = types.NewID(uuid.NewString())
	c := newConnection(netConn, peer, s.cfg.MaxMessageSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", types.NewError(types.ErrCodeUnavailable, "socket is closed")
	}
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		n := len(s.conns)
		s.mu.Unlock()
		return "", types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("connection limit reached (%d/%d)", n, s.cfg.MaxConnections))
	}
	s.conns[peer.ID] = c
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ConnectionOpened()
	s.logger.Debug("Connection registered",
		"conn_id", peer.ID,
		"remote", peer.Remote,
		"auth", peer.Level.String(),
		"inbound", peer.Inbound)

	go s.readLoop(c)
	return peer.ID, nil
}

// readLoop decodes frames until the connection fails, then retires it
func (s *Socket) readLoop(c *connection) {
	defer s.wg.Done()

	for {
		data, err := c.reader.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Connection read failed", "conn_id", c.peer.ID, "error", err)
			}
			break
		}
		c.touch()

		env, err := DecodeEnvelope(data)
		if err != nil {
			s.logger.Warn("Dropping undecodable frame",
				"conn_id", c.peer.ID,
				"size", len(data),
				"error", err)
			continue
		}
		s.handler.HandleEnvelope(c.peer, env)
	}

	s.retire(c)
}

// retire removes the connection and notifies the handler exactly once
func (s *Socket) retire(c *connection) {
	s.mu.Lock()
	_, ok := s.conns[c.peer.ID]
	delete(s.conns, c.peer.ID)
	s.mu.Unlock()

	c.close()
	if !ok {
		return
	}
	s.metrics.ConnectionClosed()
	s.logger.Debug("Connection closed", "conn_id", c.peer.ID, "remote", c.peer.Remote)
	s.handler.ConnectionClosed(c.peer)
}

// Send writes one envelope to a connection
func (s *Socket) Send(ctx context.Context, id types.ConnID, env *types.Envelope) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.ErrCodeCanceled, "send canceled", err)
	}
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if len(data) > s.cfg.MaxMessageSize {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("envelope of %d bytes exceeds max message size %d", len(data), s.cfg.MaxMessageSize))
	}

	s.mu.RLock()
	c, ok := s.conns[id]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return types.NewError(types.ErrCodeUnavailable, "socket is closed")
	}
	if !ok {
		return types.NewError(types.ErrCodeConnectionClosed, fmt.Sprintf("connection not found: %s", id))
	}

	if err := c.write(ctx, data, s.cfg.WriteTimeout); err != nil {
		// A partial frame leaves the stream unusable
		c.close()
		return types.WrapError(types.ErrCodeConnectionClosed, fmt.Sprintf("failed to write to connection %s", id), err)
	}
	return nil
}

// Peer returns the description of a live connection
func (s *Socket) Peer(id types.ConnID) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	if !ok {
		return Peer{}, false
	}
	return c.peer, true
}

// CloseConnection closes a specific connection. The handler hears about it
// from the reader goroutine once the stream has shut down.
func (s *Socket) CloseConnection(id types.ConnID) error {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("connection not found: %s", id))
	}
	if err := c.close(); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close connection", err)
	}
	return nil
}

// Addrs returns the bound listener addresses; tcp ports are resolved
func (s *Socket) Addrs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.addr.String())
	}
	return out
}

func (s *Socket) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops all listeners, closes every connection and waits for the
// reader goroutines to finish.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "socket already closed")
	}
	s.closed = true
	listeners := s.listeners
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	for _, l := range listeners {
		if cerr := l.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for _, c := range conns {
		if cerr := c.close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	s.wg.Wait()

	for _, l := range listeners {
		if l.addr.Network != "unix" {
			continue
		}
		if rerr := os.Remove(l.addr.Host); rerr != nil && !os.IsNotExist(rerr) {
			s.logger.Warn("Failed to remove socket file", "path", l.addr.Host, "error", rerr)
		}
	}

	s.logger.Info("Socket closed", "listeners", len(listeners), "connections", len(conns))
	if err != nil {
		return types.WrapError(types.ErrCodePartialFailure, "errors while closing socket", err)
	}
	return nil
}

// Stats returns socket statistics
func (s *Socket) Stats() SocketStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SocketStats{Listeners: len(s.listeners), ActiveConns: len(s.conns)}
	for _, c := range s.conns {
		if c.peer.Inbound {
			stats.Inbound++
		} else {
			stats.Outbound++
		}
	}
	return stats
}

// String returns a string representation of the socket
func (s *Socket) String() string {
	return fmt.Sprintf("Socket{%s}", s.Stats())
}

// SocketStats represents socket statistics
type SocketStats struct {
	Listeners   int `json:"listeners"`
	ActiveConns int `json:"active_connections"`
	Inbound     int `json:"inbound"`
	Outbound    int `json:"outbound"`
}

// String returns a string representation of the stats
func (s SocketStats) String() string {
	return fmt.Sprintf("Listeners: %d, Active: %d, Inbound: %d, Outbound: %d",
		s.Listeners, s.ActiveConns, s.Inbound, s.Outbound)
}

// remoteString names the peer; unix peers are anonymous so the listener
// address stands in for them.
func remoteString(c net.Conn, local Address) string {
	if ra := c.RemoteAddr(); ra != nil {
		if s := ra.String(); s != "" && s != "@" && s != "<nil>" {
			return (Address{Network: ra.Network(), Host: s}).String()
		}
	}
	return local.String()
}
