package bencode

import "fmt"

// Cursor is a bounds-checked read position over a byte buffer
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor returns a cursor positioned at the start of buf
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Pos returns the number of bytes consumed so far
func (c *Cursor) Pos() int {
	return c.pos
}

// Remaining returns the number of unread bytes
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Peek returns the next byte without consuming it
func (c *Cursor) Peek() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, invalid(c.pos, "unexpected end of input")
	}
	return c.buf[c.pos], nil
}

// ReadByte consumes one byte
func (c *Cursor) ReadByte() (byte, error) {
	b, err := c.Peek()
	if err != nil {
		return 0, err
	}
	c.pos++
	return b, nil
}

// Read consumes exactly n bytes. The returned slice aliases the buffer.
func (c *Cursor) Read(n int) ([]byte, error) {
	if n < 0 || n > c.Remaining() {
		return nil, invalid(c.pos, fmt.Sprintf("need %d bytes, have %d", n, c.Remaining()))
	}
	out := c.buf[c.pos : c.pos+n : c.pos+n]
	c.pos += n
	return out, nil
}
