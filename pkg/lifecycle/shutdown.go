package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the process is serving normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates the target is being closed
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// Hook phases
const (
	PhasePre  = "pre-shutdown"
	PhasePost = "post-shutdown"
)

// DefaultHookTimeout bounds a single hook
const DefaultHookTimeout = 5 * time.Second

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   ShutdownHook
}

// ShutdownManager runs pre hooks, closes its target, then runs post hooks.
// It is triggered by SIGINT/SIGTERM once started, or by calling Shutdown.
type ShutdownManager struct {
	mu              sync.RWMutex
	target          io.Closer
	state           ShutdownState
	shutdownTimeout time.Duration
	hookTimeout     time.Duration
	pre             []namedHook
	post            []namedHook
	logger          *logger.Logger
	signalChan      chan os.Signal
	ctx             context.Context
	cancel          context.CancelFunc
	started         bool
	completionChan  chan struct{}
	reason          string
	startedAt       time.Time
	err             error
}

// NewShutdownManager creates a shutdown manager for target, which may be nil
// when everything is done through hooks
func NewShutdownManager(target io.Closer, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		target:          target,
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		hookTimeout:     DefaultHookTimeout,
		logger:          logger.OrDefault(log, "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		ctx:             ctx,
		cancel:          cancel,
		completionChan:  make(chan struct{}),
	}
}

// SetHookTimeout changes the per-hook deadline
func (sm *ShutdownManager) SetHookTimeout(d time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if d > 0 {
		sm.hookTimeout = d
	}
}

// Start begins listening for shutdown signals
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signals := []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	signal.Notify(sm.signalChan, signals...)

	sm.started = true
	sm.logger.Info("Shutdown manager started",
		"timeout", sm.shutdownTimeout,
		"signals", len(signals))

	go sm.handleSignals()
}

// Stop cancels signal handling without shutting anything down
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signalChan)
	sm.cancel()
	sm.started = false

	sm.logger.Debug("Shutdown manager stopped")
}

// AddHook registers a hook that runs before the target is closed
func (sm *ShutdownManager) AddHook(name string, hook ShutdownHook) {
	sm.addHook(PhasePre, name, hook)
}

// AddPostHook registers a hook that runs after the target is closed
func (sm *ShutdownManager) AddPostHook(name string, hook ShutdownHook) {
	sm.addHook(PhasePost, name, hook)
}

func (sm *ShutdownManager) addHook(phase, name string, hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	h := namedHook{name: name, fn: hook}
	if phase == PhasePre {
		sm.pre = append(sm.pre, h)
	} else {
		sm.post = append(sm.post, h)
	}
	sm.logger.Debug("Shutdown hook registered", "phase", phase, "hook", name)
}

// Shutdown runs the shutdown sequence once. A second call returns
// FAILED_PRECONDITION. The returned error aggregates every failed step.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.reason = reason
	sm.startedAt = time.Now()
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	var errs error
	if err := sm.executeHooks(shutdownCtx, PhasePre); err != nil {
		sm.logger.Error("Pre-shutdown hooks failed", "error", err)
		errs = multierr.Append(errs, err)
	}

	sm.setState(ShutdownStateStopping)

	if sm.target != nil {
		if err := sm.target.Close(); err != nil {
			sm.logger.Error("Close failed", "error", err)
			errs = multierr.Append(errs, err)
		}
	}

	if err := sm.executeHooks(shutdownCtx, PhasePost); err != nil {
		sm.logger.Error("Post-shutdown hooks failed", "error", err)
		errs = multierr.Append(errs, err)
	}

	sm.mu.Lock()
	sm.state = ShutdownStateComplete
	sm.err = errs
	started := sm.startedAt
	sm.mu.Unlock()
	close(sm.completionChan)
	sm.cancel()

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(started))
	return errs
}

// ShutdownAndWait initiates shutdown and waits for completion. When a
// shutdown is already running it waits for that one instead.
func (sm *ShutdownManager) ShutdownAndWait(ctx context.Context, reason string) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- sm.Shutdown(ctx, reason)
	}()

	select {
	case err := <-errChan:
		if types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
			return sm.WaitCompletion(ctx)
		}
		return err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "shutdown wait canceled", ctx.Err())
	}
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// IsComplete returns true if shutdown is complete
func (sm *ShutdownManager) IsComplete() bool {
	return sm.State() == ShutdownStateComplete
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// Done is closed once shutdown completes
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.completionChan
}

// WaitCompletion waits for shutdown to complete and returns its result
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		sm.mu.RLock()
		defer sm.mu.RUnlock()
		return sm.err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

// Context is canceled when shutdown completes or signal handling stops
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

func (sm *ShutdownManager) handleSignals() {
	for {
		select {
		case sig := <-sm.signalChan:
			reason := fmt.Sprintf("signal received: %s", sig)
			sm.logger.Info("Shutdown signal received", "signal", sig)

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
				defer cancel()
				if err := sm.ShutdownAndWait(ctx, reason); err != nil {
					sm.logger.Error("Shutdown failed", "error", err)
				}
			}()

		case <-sm.ctx.Done():
			sm.logger.Debug("Signal handler stopping")
			return
		}
	}
}

func (sm *ShutdownManager) executeHooks(ctx context.Context, phase string) error {
	sm.mu.RLock()
	var hooks []namedHook
	if phase == PhasePre {
		hooks = append(hooks, sm.pre...)
	} else {
		hooks = append(hooks, sm.post...)
	}
	timeout := sm.hookTimeout
	sm.mu.RUnlock()

	sm.logger.Debug("Executing shutdown hooks", "phase", phase, "count", len(hooks))

	var errs error
	for _, hook := range hooks {
		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown hook execution canceled", "phase", phase, "hook", hook.name)
			return multierr.Append(errs, types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err()))
		}

		hookCtx, cancel := context.WithTimeout(ctx, timeout)
		err := hook.fn(hookCtx)
		cancel()
		if err != nil {
			sm.logger.Error("Shutdown hook failed",
				"phase", phase,
				"hook", hook.name,
				"error", err)
			errs = multierr.Append(errs, types.WrapError(types.ErrCodePartialFailure,
				fmt.Sprintf("%s hook %s failed", phase, hook.name), err))
		}
	}
	return errs
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", state)
}

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.shutdownTimeout, len(sm.pre)+len(sm.post), sm.started)
}
