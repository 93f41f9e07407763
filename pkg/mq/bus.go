package mq

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baaaht/mqbus/internal/config"
	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/ipc"
	"github.com/baaaht/mqbus/pkg/metrics"
	"github.com/baaaht/mqbus/pkg/types"
)

// Bus ties the registry, dispatcher and correlator to a socket and runs
// handlers, reply callbacks, jobs and timers on a fixed worker pool.
type Bus struct {
	cfg        config.BusConfig
	logger     *logger.Logger
	metrics    *metrics.Metrics
	registry   *Registry
	dispatcher *Dispatcher
	correlator *Correlator
	socket     *ipc.Socket

	mu       sync.RWMutex
	status   types.Status
	listens  []pendingListen
	timers   []*timer
	submitMu sync.RWMutex
	stopping bool
	jobs     chan func()
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

type pendingListen struct {
	addr  string
	allow ipc.AllowFunc
}

type timer struct {
	interval time.Duration
	fn       func()
	running  atomic.Bool
}

// Option configures a Bus
type Option func(*Bus)

// WithMetrics records bus activity into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// RequestOption configures a single request
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the bus request timeout for one request
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// New creates a bus. Categories and commands are added before Start.
func New(cfg config.BusConfig, log *logger.Logger, opts ...Option) (*Bus, error) {
	if cfg.Workers <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "worker count must be positive")
	}
	if cfg.QueueSize <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "queue size must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "request timeout must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:      cfg,
		logger:   logger.OrDefault(log, "bus"),
		registry: NewRegistry(),
		status:   types.StatusCreated,
		jobs:     make(chan func(), cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(b)
	}

	socket, err := ipc.NewSocket(ipc.SocketConfig{
		MaxMessageSize: cfg.MaxMessageSize,
		MaxConnections: cfg.MaxConnections,
		WriteTimeout:   cfg.WriteTimeout,
		DialTimeout:    cfg.DialTimeout,
		DialRetries:    cfg.DialRetries,
		DialBackoff:    cfg.DialBackoff,
		OutboundAuth:   cfg.OutboundAuthLevel(),
	}, b, log, b.metrics)
	if err != nil {
		cancel()
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create socket", err)
	}
	b.socket = socket
	b.dispatcher = NewDispatcher(b.registry, b, log, b.metrics)
	b.correlator = NewCorrelator(cfg.RequestTimeout, log, b.metrics)

	b.logger.Info("Bus initialized",
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize,
		"request_timeout", cfg.RequestTimeout.String())
	return b, nil
}

// AddCategory declares a category of commands requiring level
func (b *Bus) AddCategory(name string, level types.AuthLevel) (*Category, error) {
	return b.registry.AddCategory(name, level)
}

// AddCommand registers a handler for "category.command"
func (b *Bus) AddCommand(category, command string, h Handler) error {
	return b.registry.AddCommand(category, command, h)
}

// Registry exposes the command registry
func (b *Bus) Registry() *Registry {
	return b.registry
}

// Listen binds addr once the bus is started, or immediately if it already is
func (b *Bus) Listen(addr string, allow ipc.AllowFunc) error {
	if _, err := ipc.ParseAddress(addr); err != nil {
		return err
	}
	if allow == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "allow function is required")
	}

	b.mu.Lock()
	switch b.status {
	case types.StatusCreated:
		b.listens = append(b.listens, pendingListen{addr: addr, allow: allow})
		b.mu.Unlock()
		return nil
	case types.StatusRunning:
		b.mu.Unlock()
		return b.socket.Listen(addr, allow)
	default:
		b.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "bus is closed")
	}
}

// Start freezes the registry, starts the workers and timers, and binds every
// address given to Listen.
func (b *Bus) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.ErrCodeCanceled, "start canceled", err)
	}

	b.mu.Lock()
	if b.status != types.StatusCreated {
		status := b.status
		b.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, fmt.Sprintf("bus cannot start from state %s", status))
	}
	b.registry.Freeze()
	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker(i + 1)
	}
	for _, t := range b.timers {
		b.startTimer(t)
	}
	listens := b.listens
	b.listens = nil
	b.status = types.StatusRunning
	b.mu.Unlock()

	for _, l := range listens {
		if err := b.socket.Listen(l.addr, l.allow); err != nil {
			return err
		}
	}

	b.logger.Info("Bus started",
		"commands", len(b.registry.Names()),
		"listeners", len(listens))
	return nil
}

// Connect opens an outbound connection
func (b *Bus) Connect(ctx context.Context, addr string) (types.ConnID, error) {
	if err := b.requireRunning(); err != nil {
		return "", err
	}
	return b.socket.Dial(ctx, addr)
}

// Disconnect closes a connection; its pending requests fail with CONNECTION_CLOSED
func (b *Bus) Disconnect(conn types.ConnID) error {
	return b.socket.CloseConnection(conn)
}

// Peer describes a live connection
func (b *Bus) Peer(conn types.ConnID) (ipc.Peer, bool) {
	return b.socket.Peer(conn)
}

// Addrs returns the bound listener addresses
func (b *Bus) Addrs() []string {
	return b.socket.Addrs()
}

// Send sends a fire-and-forget command
func (b *Bus) Send(ctx context.Context, conn types.ConnID, name string, args ...[]byte) error {
	if err := b.requireRunning(); err != nil {
		return err
	}
	return sendCommand(ctx, b, conn, name, args)
}

// SendEnvelope implements Sender
func (b *Bus) SendEnvelope(ctx context.Context, conn types.ConnID, env *types.Envelope) error {
	return b.socket.Send(ctx, conn, env)
}

// Request sends a request and arranges for cb to run on a worker with the
// outcome. It returns the request tag.
func (b *Bus) Request(ctx context.Context, conn types.ConnID, name string, args [][]byte, cb ReplyFunc, opts ...RequestOption) (string, error) {
	if cb == nil {
		return "", types.NewError(types.ErrCodeInvalidArgument, "reply callback is required")
	}
	return b.request(ctx, conn, name, args, func(args [][]byte, err error) {
		b.runCallback(func() { cb(args, err) })
	}, opts)
}

// RequestFuture sends a request and returns a Future for its outcome
func (b *Bus) RequestFuture(ctx context.Context, conn types.ConnID, name string, args [][]byte, opts ...RequestOption) (*Future, error) {
	f := newFuture()
	if _, err := b.request(ctx, conn, name, args, f.resolve, opts); err != nil {
		return nil, err
	}
	return f, nil
}

func (b *Bus) request(ctx context.Context, conn types.ConnID, name string, args [][]byte, cb ReplyFunc, opts []RequestOption) (string, error) {
	if err := b.requireRunning(); err != nil {
		return "", err
	}
	if _, _, err := splitName(name); err != nil {
		return "", types.WrapError(types.ErrCodeInvalidArgument, "cannot send request", err)
	}
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	tag, err := b.correlator.Register(conn, name, o.timeout, cb)
	if err != nil {
		return "", err
	}
	err = b.socket.Send(ctx, conn, &types.Envelope{
		Kind: types.KindRequest,
		Name: name,
		Tag:  tag,
		Args: args,
	})
	if err != nil {
		b.correlator.Forget(tag)
		return "", err
	}
	return tag, nil
}

// Job runs fn on a worker
func (b *Bus) Job(fn func()) error {
	if fn == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "job function is required")
	}
	if err := b.requireRunning(); err != nil {
		return err
	}
	if !b.submit(fn, false) {
		return types.NewError(types.ErrCodeResourceExhausted, "job queue is full")
	}
	return nil
}

// AddTimer runs fn on a worker every interval. A tick is skipped while the
// previous run is still in progress.
func (b *Bus) AddTimer(interval time.Duration, fn func()) error {
	if interval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "timer interval must be positive")
	}
	if fn == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "timer function is required")
	}

	t := &timer{interval: interval, fn: fn}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.status {
	case types.StatusCreated:
		b.timers = append(b.timers, t)
	case types.StatusRunning:
		b.timers = append(b.timers, t)
		b.startTimer(t)
	default:
		return types.NewError(types.ErrCodeUnavailable, "bus is closed")
	}
	return nil
}

// HandleEnvelope implements ipc.Handler. Replies are matched on the reader
// goroutine; commands and requests are queued for the workers.
func (b *Bus) HandleEnvelope(peer ipc.Peer, env *types.Envelope) {
	if env.Kind == types.KindReply {
		b.correlator.Resolve(peer.ID, env.Tag, env.Status, env.Args)
		return
	}

	in := Inbound{Conn: peer.ID, Remote: peer.Remote, Level: peer.Level, Envelope: env}
	if !b.submit(func() { b.dispatcher.Dispatch(b.ctx, in) }, true) {
		b.logger.Debug("Dropping envelope during shutdown", "command", env.Name, "conn_id", peer.ID)
	}
}

// ConnectionClosed implements ipc.Handler
func (b *Bus) ConnectionClosed(peer ipc.Peer) {
	b.correlator.FailConnection(peer.ID)
}

// submit queues fn for the workers. Blocking submits wait for room until
// shutdown begins.
func (b *Bus) submit(fn func(), block bool) bool {
	b.submitMu.RLock()
	defer b.submitMu.RUnlock()
	if b.stopping {
		return false
	}
	if block {
		select {
		case b.jobs <- fn:
			return true
		case <-b.ctx.Done():
			return false
		}
	}
	select {
	case b.jobs <- fn:
		return true
	default:
		return false
	}
}

// runCallback prefers a worker but never loses a callback
func (b *Bus) runCallback(fn func()) {
	if !b.submit(fn, false) {
		go b.runJob(fn)
	}
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	b.logger.Debug("Worker started", "worker_id", id)
	for fn := range b.jobs {
		b.runJob(fn)
	}
	b.logger.Debug("Worker stopped", "worker_id", id)
}

func (b *Bus) runJob(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Job panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// startTimer must be called with b.mu held
func (b *Bus) startTimer(t *timer) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !t.running.CompareAndSwap(false, true) {
					continue
				}
				if !b.submit(func() {
					defer t.running.Store(false)
					t.fn()
				}, false) {
					t.running.Store(false)
				}
			case <-b.ctx.Done():
				return
			}
		}
	}()
}

func (b *Bus) requireRunning() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.status != types.StatusRunning {
		return types.NewError(types.ErrCodeUnavailable, fmt.Sprintf("bus is %s", b.status))
	}
	return nil
}

// Status returns the lifecycle state of the bus
func (b *Bus) Status() types.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Close shuts the socket, fails every pending request with
// CONNECTION_CLOSED, lets the workers drain the queue and waits for them.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.status == types.StatusStopping || b.status == types.StatusStopped {
		b.mu.Unlock()
		return nil
	}
	b.status = types.StatusStopping
	b.mu.Unlock()

	b.logger.Info("Bus shutting down")

	err := b.socket.Close()
	b.correlator.Close()
	b.cancel()

	b.submitMu.Lock()
	b.stopping = true
	close(b.jobs)
	b.submitMu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	b.status = types.StatusStopped
	b.mu.Unlock()

	b.logger.Info("Bus closed")
	return err
}

// Stats returns bus statistics
func (b *Bus) Stats() BusStats {
	return BusStats{
		Status:     b.Status(),
		Workers:    b.cfg.Workers,
		QueueDepth: len(b.jobs),
		Pending:    b.correlator.Pending(),
		Commands:   len(b.registry.Names()),
		Socket:     b.socket.Stats(),
	}
}

// String returns a string representation of the bus
func (b *Bus) String() string {
	return b.Stats().String()
}

// BusStats represents bus statistics
type BusStats struct {
	Status     types.Status    `json:"status"`
	Workers    int             `json:"workers"`
	QueueDepth int             `json:"queue_depth"`
	Pending    int             `json:"pending_requests"`
	Commands   int             `json:"commands"`
	Socket     ipc.SocketStats `json:"socket"`
}

// String returns a string representation of the stats
func (s BusStats) String() string {
	return fmt.Sprintf("Bus{Status: %s, Workers: %d, Queue: %d, Pending: %d, Commands: %d, %s}",
		s.Status, s.Workers, s.QueueDepth, s.Pending, s.Commands, s.Socket)
}
