package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/baaaht/mqbus/internal/config"
	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/address"
	"github.com/baaaht/mqbus/pkg/bencode"
	"github.com/baaaht/mqbus/pkg/metrics"
	"github.com/baaaht/mqbus/pkg/mq"
	"github.com/baaaht/mqbus/pkg/types"
)

// Replies sent back to the router
const (
	ResultOkay   = "OKAY"
	ResultReject = "REJECT"
)

// Validation outcomes recorded in metrics
const (
	outcomeOkay   = "okay"
	outcomeReject = "reject"
	outcomeError  = "error"
)

// registrar is satisfied by both *mq.Bus and *mq.Registry
type registrar interface {
	AddCategory(name string, level types.AuthLevel) (*mq.Category, error)
}

// Bridge answers exit-auth requests by consulting a Validator
type Bridge struct {
	cfg       config.BridgeConfig
	validator Validator
	logger    *logger.Logger
	metrics   *metrics.Metrics
	sem       *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	handled  atomic.Int64
	approved atomic.Int64
	rejected atomic.Int64
}

// New creates a bridge. Registration happens separately through Register.
func New(cfg config.BridgeConfig, v Validator, log *logger.Logger, m *metrics.Metrics) (*Bridge, error) {
	if v == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "validator is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = config.DefaultBridgeConcurrency
	}
	if cfg.ValidatorTimeout <= 0 {
		cfg.ValidatorTimeout = config.DefaultValidatorTimeout
	}
	if cfg.DecodeMaxDepth <= 0 {
		cfg.DecodeMaxDepth = bencode.DefaultMaxDepth
	}
	if cfg.Category == "" {
		cfg.Category = config.DefaultBridgeCategory
	}
	if cfg.CommandName == "" {
		cfg.CommandName = config.DefaultBridgeCommand
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:       cfg,
		validator: v,
		logger:    logger.OrDefault(log, "bridge"),
		metrics:   m,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Register adds the anonymous auth category and its command
func (b *Bridge) Register(r registrar) error {
	cat, err := r.AddCategory(b.cfg.Category, types.AuthNone)
	if err != nil {
		return err
	}
	if err := cat.AddCommand(b.cfg.CommandName, b); err != nil {
		return err
	}
	b.logger.Info("Registered auth command", "name", b.Name())
	return nil
}

// Name returns the full command name served by the bridge
func (b *Bridge) Name() string {
	return b.cfg.Category + mq.NameSeparator + b.cfg.CommandName
}

// Handle implements mq.Handler. Malformed requests are rejected inline;
// everything else is answered later from a validator goroutine.
func (b *Bridge) Handle(msg *mq.Message) (*mq.Reply, error) {
	b.handled.Add(1)

	if len(msg.Args) < 2 {
		b.logger.Warn("Rejecting auth request with missing arguments",
			"conn", msg.Conn, "args", len(msg.Args))
		return b.reject(outcomeError), nil
	}

	addr, err := address.ResolveBytes(msg.Args[0], bencode.WithMaxDepth(b.cfg.DecodeMaxDepth))
	if err != nil {
		b.logger.Warn("Rejecting auth request with bad address payload",
			"conn", msg.Conn, "error", err)
		return b.reject(outcomeError), nil
	}
	token := base64.StdEncoding.EncodeToString(msg.Args[1])

	if b.closed.Load() {
		b.logger.Warn("Rejecting auth request during shutdown", "address", addr)
		return b.reject(outcomeError), nil
	}

	reply := msg.Later()
	b.wg.Add(1)
	go b.validate(reply, addr, token)
	return nil, nil
}

func (b *Bridge) validate(reply *mq.DeferredReply, addr, token string) {
	defer b.wg.Done()

	result, outcome := ResultReject, outcomeError
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Validator panicked", "address", addr, "panic", r)
			result, outcome = ResultReject, outcomeError
		}
		b.finish(reply, addr, result, outcome)
	}()

	if err := b.sem.Acquire(b.ctx, 1); err != nil {
		b.logger.Warn("Auth request abandoned while waiting for a validator slot", "address", addr)
		return
	}
	defer b.sem.Release(1)

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ValidatorTimeout)
	defer cancel()

	ok, err := b.validator.Validate(ctx, addr, token)
	switch {
	case err != nil:
		b.logger.Error("Validator failed", "address", addr, "error", err)
	case ok:
		result, outcome = ResultOkay, outcomeOkay
	default:
		outcome = outcomeReject
	}
}

func (b *Bridge) finish(reply *mq.DeferredReply, addr, result, outcome string) {
	b.metrics.ObserveValidation(outcome)
	if result == ResultOkay {
		b.approved.Add(1)
	} else {
		b.rejected.Add(1)
	}
	b.logger.Info("Auth decision", "address", addr, "result", result, "conn", reply.Conn())

	if err := reply.Reply(context.Background(), []byte(result)); err != nil {
		b.logger.Warn("Failed to deliver auth decision",
			"address", addr, "result", result, "error", err)
	}
}

func (b *Bridge) reject(outcome string) *mq.Reply {
	b.rejected.Add(1)
	b.metrics.ObserveValidation(outcome)
	return mq.RespondStrings(ResultReject)
}

// Close stops accepting work, cancels running validators and waits for their
// replies to go out or for ctx to expire
func (b *Bridge) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("Bridge stopped", "stats", b.Stats().String())
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeTimeout, "bridge validators did not finish", ctx.Err())
	}
}

// Stats returns decision counters
func (b *Bridge) Stats() Stats {
	return Stats{
		Handled:  b.handled.Load(),
		Approved: b.approved.Load(),
		Rejected: b.rejected.Load(),
	}
}

// Stats counts requests seen and decisions made
type Stats struct {
	Handled  int64 `json:"handled"`
	Approved int64 `json:"approved"`
	Rejected int64 `json:"rejected"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Handled: %d, Approved: %d, Rejected: %d", s.Handled, s.Approved, s.Rejected)
}
