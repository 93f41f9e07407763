package mq

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/metrics"
	"github.com/baaaht/mqbus/pkg/types"
)

// Outcome is what Dispatch did with an envelope
type Outcome string

const (
	// OutcomeReplied means a reply was sent before Dispatch returned
	OutcomeReplied Outcome = metrics.OutcomeReplied
	// OutcomeDeferred means the handler kept a DeferredReply to answer later
	OutcomeDeferred Outcome = metrics.OutcomeDeferred
	// OutcomeHandled means a command ran to completion
	OutcomeHandled Outcome = metrics.OutcomeHandled
	// OutcomeDropped means nothing was or will be sent back
	OutcomeDropped Outcome = metrics.OutcomeDropped
	// OutcomeRejected means routing or auth refused the envelope
	OutcomeRejected Outcome = metrics.OutcomeRejected
	// OutcomeFailed means the handler returned an error or panicked
	OutcomeFailed Outcome = metrics.OutcomeFailed
)

// Inbound is a command or request together with where it came from
type Inbound struct {
	Conn     types.ConnID
	Remote   string
	Level    types.AuthLevel
	Envelope *types.Envelope
}

// Dispatcher routes inbound commands and requests to registered handlers,
// enforcing category auth levels.
type Dispatcher struct {
	registry *Registry
	sender   Sender
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher over reg that answers through sender
func NewDispatcher(reg *Registry, sender Sender, log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		sender:   sender,
		logger:   logger.OrDefault(log, "dispatcher"),
		metrics:  m,
	}
}

// Dispatch runs the handler for one inbound envelope on the calling goroutine
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) Outcome {
	outcome := d.dispatch(ctx, in)
	d.metrics.ObserveDispatch(d.categoryLabel(in.Envelope.Name), string(outcome))
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, in Inbound) Outcome {
	env := in.Envelope
	if env.Kind != types.KindCommand && env.Kind != types.KindRequest {
		d.logger.Warn("Dispatcher given a non-routable envelope", "kind", env.Kind.String(), "conn_id", in.Conn)
		return OutcomeDropped
	}

	required, handler, err := d.registry.Resolve(env.Name)
	if err != nil {
		d.reject(ctx, in, types.GetErrorCode(err), err.Error())
		return OutcomeRejected
	}
	if !in.Level.Satisfies(required) {
		d.reject(ctx, in, types.ErrCodeInsufficientAuth,
			fmt.Sprintf("%s requires %s access, peer has %s", env.Name, required, in.Level))
		return OutcomeRejected
	}

	msg := newMessage(ctx, in, d.sender)
	reply, err := d.invoke(handler, msg)
	if err != nil {
		d.logger.Error("Handler failed",
			"command", env.Name,
			"tag", env.Tag,
			"conn_id", in.Conn,
			"error", err)
		if msg.ExpectsReply() {
			if ferr := msg.Later().Fail(ctx, types.ErrCodeHandlerFailed, fmt.Sprintf("%s failed", env.Name)); ferr != nil &&
				!types.IsErrCode(ferr, types.ErrCodeAlreadyCompleted) {
				d.logger.Warn("Failed to send error reply", "command", env.Name, "tag", env.Tag, "error", ferr)
			}
		}
		return OutcomeFailed
	}

	if reply != nil {
		if !msg.ExpectsReply() {
			d.logger.Debug("Discarding reply to a command", "command", env.Name, "conn_id", in.Conn)
			return OutcomeHandled
		}
		if err := msg.Later().Reply(ctx, reply.Args...); err != nil {
			d.logger.Warn("Failed to send reply",
				"command", env.Name,
				"tag", env.Tag,
				"conn_id", in.Conn,
				"error", err)
			return OutcomeFailed
		}
		return OutcomeReplied
	}

	if token := msg.deferred(); token != nil {
		if token.Completed() {
			return OutcomeReplied
		}
		if msg.ExpectsReply() {
			return OutcomeDeferred
		}
	}
	if msg.ExpectsReply() {
		d.logger.Warn("Request handler returned no reply and kept no deferred token",
			"command", env.Name,
			"tag", env.Tag,
			"conn_id", in.Conn)
		return OutcomeDropped
	}
	return OutcomeHandled
}

// invoke calls the handler, turning a panic into an error
func (d *Dispatcher) invoke(h Handler, msg *Message) (reply *Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panicked",
				"command", msg.Name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			reply = nil
			err = types.NewError(types.ErrCodeHandlerFailed, fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return h.Handle(msg)
}

// reject answers a tagged request with an error status; untagged commands
// have nowhere to send the error and are dropped.
func (d *Dispatcher) reject(ctx context.Context, in Inbound, code, reason string) {
	env := in.Envelope
	if env.Tag == "" {
		d.logger.Info("Dropping command",
			"command", env.Name,
			"conn_id", in.Conn,
			"remote", in.Remote,
			"code", code,
			"reason", reason)
		return
	}

	d.logger.Info("Rejecting request",
		"command", env.Name,
		"tag", env.Tag,
		"conn_id", in.Conn,
		"remote", in.Remote,
		"code", code)
	err := d.sender.SendEnvelope(ctx, in.Conn, &types.Envelope{
		Kind:   types.KindReply,
		Tag:    env.Tag,
		Status: code,
		Args:   [][]byte{[]byte(reason)},
	})
	if err != nil {
		d.logger.Warn("Failed to send rejection", "tag", env.Tag, "conn_id", in.Conn, "error", err)
	}
}

// categoryLabel collapses unregistered categories into one label value
func (d *Dispatcher) categoryLabel(fullName string) string {
	category, _, _ := strings.Cut(fullName, NameSeparator)
	if _, ok := d.registry.Category(category); !ok {
		return "unknown"
	}
	return category
}
