package mq

import (
	"context"

	"github.com/baaaht/mqbus/pkg/types"
)

// Handler processes one inbound command or request.
//
// Returning a non-nil Reply answers a request immediately. Returning nil
// after calling msg.Later() leaves the answer to the deferred token.
// Returning an error answers a request with HANDLER_FAILED.
type Handler interface {
	Handle(msg *Message) (*Reply, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(msg *Message) (*Reply, error)

// Handle implements Handler
func (f HandlerFunc) Handle(msg *Message) (*Reply, error) {
	return f(msg)
}

// Reply is the payload of a successful answer
type Reply struct {
	Args [][]byte
}

// Respond builds a reply from raw parts
func Respond(parts ...[]byte) *Reply {
	return &Reply{Args: parts}
}

// RespondStrings builds a reply from string parts
func RespondStrings(parts ...string) *Reply {
	return &Reply{Args: StringArgs(parts...)}
}

// StringArgs converts strings into message parts
func StringArgs(parts ...string) [][]byte {
	args := make([][]byte, len(parts))
	for i, p := range parts {
		args[i] = []byte(p)
	}
	return args
}

// Sender writes envelopes to a connection. The bus implements it on top of
// its socket.
type Sender interface {
	SendEnvelope(ctx context.Context, conn types.ConnID, env *types.Envelope) error
}
