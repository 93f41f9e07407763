package mq

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/baaaht/mqbus/pkg/types"
)

// DeferredReply answers a request after its handler has returned. It may be
// moved to another goroutine and completed exactly once; Back can be used
// any number of times.
type DeferredReply struct {
	sender Sender
	conn   types.ConnID
	tag    string
	name   string
	done   atomic.Bool
}

func newDeferredReply(sender Sender, conn types.ConnID, tag, name string) *DeferredReply {
	return &DeferredReply{sender: sender, conn: conn, tag: tag, name: name}
}

// Conn is the connection the request came from
func (d *DeferredReply) Conn() types.ConnID { return d.conn }

// Tag is the correlation tag of the request, empty for commands
func (d *DeferredReply) Tag() string { return d.tag }

// Name is the full command name that was invoked
func (d *DeferredReply) Name() string { return d.name }

// Completed reports whether Reply or Fail has been used
func (d *DeferredReply) Completed() bool { return d.done.Load() }

// Reply sends a successful answer to the original request
func (d *DeferredReply) Reply(ctx context.Context, args ...[]byte) error {
	return d.complete(ctx, "", args)
}

// Fail answers the original request with an error status
func (d *DeferredReply) Fail(ctx context.Context, code, reason string) error {
	if code == "" {
		code = types.ErrCodeHandlerFailed
	}
	return d.complete(ctx, code, [][]byte{[]byte(reason)})
}

// Back sends a fresh command to the originating connection
func (d *DeferredReply) Back(ctx context.Context, name string, args ...[]byte) error {
	return sendCommand(ctx, d.sender, d.conn, name, args)
}

func (d *DeferredReply) complete(ctx context.Context, status string, args [][]byte) error {
	if d.tag == "" {
		return types.NewError(types.ErrCodeFailedPrecondition,
			fmt.Sprintf("%s was sent as a command and cannot be replied to", d.name))
	}
	if !d.done.CompareAndSwap(false, true) {
		return types.NewError(types.ErrCodeAlreadyCompleted,
			fmt.Sprintf("reply to %s (tag %s) already sent", d.name, d.tag))
	}
	return d.sender.SendEnvelope(ctx, d.conn, &types.Envelope{
		Kind:   types.KindReply,
		Tag:    d.tag,
		Status: status,
		Args:   args,
	})
}

func sendCommand(ctx context.Context, sender Sender, conn types.ConnID, name string, args [][]byte) error {
	if _, _, err := splitName(name); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "cannot send command", err)
	}
	return sender.SendEnvelope(ctx, conn, &types.Envelope{
		Kind: types.KindCommand,
		Name: name,
		Args: args,
	})
}
