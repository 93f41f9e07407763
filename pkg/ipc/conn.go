package ipc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-msgio"

	"github.com/baaaht/mqbus/pkg/types"
)

// Peer describes the remote end of a connection
type Peer struct {
	ID      types.ConnID
	Remote  string
	Level   types.AuthLevel
	Inbound bool
}

// connection is one framed stream to a peer
type connection struct {
	peer       Peer
	conn       net.Conn
	reader     msgio.ReadCloser
	writer     msgio.WriteCloser
	writeMu    sync.Mutex
	createdAt  time.Time
	lastActive atomic.Int64
	closeOnce  sync.Once
}

func newConnection(conn net.Conn, peer Peer, maxMessageSize int) *connection {
	c := &connection{
		peer:      peer,
		conn:      conn,
		reader:    msgio.NewReaderSize(conn, maxMessageSize),
		writer:    msgio.NewWriter(conn),
		createdAt: time.Now(),
	}
	c.touch()
	return c
}

func (c *connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// write sends one frame, bounded by the context deadline and writeTimeout
func (c *connection) write(ctx context.Context, data []byte, writeTimeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var deadline time.Time
	if writeTimeout > 0 {
		deadline = time.Now().Add(writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.writer.WriteMsg(data); err != nil {
		return err
	}
	c.touch()
	return nil
}

func (c *connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
