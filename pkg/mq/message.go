package mq

import (
	"context"
	"sync"

	"github.com/baaaht/mqbus/pkg/types"
)

// Message is the view of an inbound envelope given to a handler. It is only
// valid while the handler runs; anything needed afterwards must be captured
// through Later.
type Message struct {
	Conn   types.ConnID
	Remote string
	Level  types.AuthLevel
	Name   string
	Tag    string
	Args   [][]byte

	ctx    context.Context
	sender Sender

	tokenMu sync.Mutex
	token   *DeferredReply
}

func newMessage(ctx context.Context, in Inbound, sender Sender) *Message {
	return &Message{
		Conn:   in.Conn,
		Remote: in.Remote,
		Level:  in.Level,
		Name:   in.Envelope.Name,
		Tag:    in.Envelope.Tag,
		Args:   in.Envelope.Args,
		ctx:    ctx,
		sender: sender,
	}
}

// Context is canceled when the bus shuts down
func (m *Message) Context() context.Context {
	return m.ctx
}

// ExpectsReply reports whether the sender is waiting for an answer
func (m *Message) ExpectsReply() bool {
	return m.Tag != ""
}

// Arg returns part i as a string, or "" when absent
func (m *Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return string(m.Args[i])
}

// Later captures everything needed to answer after the handler returns.
// Repeated calls return the same token.
func (m *Message) Later() *DeferredReply {
	m.tokenMu.Lock()
	defer m.tokenMu.Unlock()
	if m.token == nil {
		m.token = newDeferredReply(m.sender, m.Conn, m.Tag, m.Name)
	}
	return m.token
}

// Back sends a fresh command to the originating connection
func (m *Message) Back(name string, args ...[]byte) error {
	return sendCommand(m.ctx, m.sender, m.Conn, name, args)
}

// deferred returns the token if the handler took one
func (m *Message) deferred() *DeferredReply {
	m.tokenMu.Lock()
	defer m.tokenMu.Unlock()
	return m.token
}
