package bencode

import (
	"fmt"
	"strconv"

	"github.com/baaaht/mqbus/pkg/types"
)

// DefaultMaxDepth bounds how many lists and dictionaries may nest inside one another.
const DefaultMaxDepth = 64

// maxLengthDigits keeps string length prefixes inside the int range.
const maxLengthDigits = 18

// Option configures a Decoder
type Option func(*Decoder)

// WithMaxDepth overrides DefaultMaxDepth. Values below 1 are ignored.
func WithMaxDepth(depth int) Option {
	return func(d *Decoder) {
		if depth > 0 {
			d.maxDepth = depth
		}
	}
}

// Decoder decodes bencode values from a buffer
type Decoder struct {
	cur      *Cursor
	maxDepth int
}

// NewDecoder creates a decoder reading from data
func NewDecoder(data []byte, opts ...Option) *Decoder {
	d := &Decoder{
		cur:      NewCursor(data),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode decodes one value starting at the decoder's current position.
// Every failure is an INVALID_ENCODING error.
func Decode(data []byte, opts ...Option) (Value, int, error) {
	d := NewDecoder(data, opts...)
	v, err := d.Decode()
	if err != nil {
		return Value{}, d.Consumed(), err
	}
	return v, d.Consumed(), nil
}

// Decode decodes the next value
func (d *Decoder) Decode() (Value, error) {
	return d.decodeValue(0)
}

// Consumed returns how many bytes have been read
func (d *Decoder) Consumed() int {
	return d.cur.Pos()
}

// More reports whether unread input remains
func (d *Decoder) More() bool {
	return d.cur.Remaining() > 0
}

func (d *Decoder) decodeValue(depth int) (Value, error) {
	ch, err := d.cur.Peek()
	if err != nil {
		return Value{}, err
	}

	switch {
	case isDigit(ch):
		s, err := d.decodeString()
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case ch == 'i':
		return d.decodeInt()
	case ch == 'l':
		return d.decodeList(depth + 1)
	case ch == 'd':
		return d.decodeDict(depth + 1)
	default:
		return Value{}, invalid(d.cur.Pos(), fmt.Sprintf("unexpected byte %q", ch))
	}
}

func (d *Decoder) decodeString() ([]byte, error) {
	start := d.cur.Pos()
	n := 0
	digits := 0
	for {
		ch, err := d.cur.ReadByte()
		if err != nil {
			return nil, err
		}
		if ch == ':' {
			break
		}
		if !isDigit(ch) {
			return nil, invalid(d.cur.Pos()-1, fmt.Sprintf("unexpected byte %q in string length", ch))
		}
		digits++
		if digits > maxLengthDigits {
			return nil, invalid(start, "string length prefix too long")
		}
		n = n*10 + int(ch-'0')
	}
	if digits == 0 {
		return nil, invalid(start, "empty string length")
	}
	return d.cur.Read(n)
}

func (d *Decoder) decodeInt() (Value, error) {
	start := d.cur.Pos()
	if _, err := d.cur.ReadByte(); err != nil {
		return Value{}, err
	}
	bodyStart := d.cur.Pos()
	for {
		ch, err := d.cur.ReadByte()
		if err != nil {
			return Value{}, err
		}
		if ch == 'e' {
			break
		}
		if !isDigit(ch) && ch != '-' && ch != '+' {
			return Value{}, invalid(d.cur.Pos()-1, fmt.Sprintf("unexpected byte %q in integer", ch))
		}
	}
	body := d.cur.buf[bodyStart : d.cur.Pos()-1]
	i, err := strconv.ParseInt(string(body), 10, 64)
	if err != nil {
		return Value{}, types.WrapError(types.ErrCodeInvalidEncoding,
			fmt.Sprintf("offset %d: bad integer %q", start, body), err)
	}
	return Int(i), nil
}

func (d *Decoder) decodeList(depth int) (Value, error) {
	if depth > d.maxDepth {
		return Value{}, invalid(d.cur.Pos(), fmt.Sprintf("nesting deeper than %d", d.maxDepth))
	}
	if _, err := d.cur.ReadByte(); err != nil {
		return Value{}, err
	}
	items := []Value{}
	for {
		ch, err := d.cur.Peek()
		if err != nil {
			return Value{}, err
		}
		if ch == 'e' {
			d.cur.pos++
			return List(items...), nil
		}
		item, err := d.decodeValue(depth)
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *Decoder) decodeDict(depth int) (Value, error) {
	if depth > d.maxDepth {
		return Value{}, invalid(d.cur.Pos(), fmt.Sprintf("nesting deeper than %d", d.maxDepth))
	}
	if _, err := d.cur.ReadByte(); err != nil {
		return Value{}, err
	}
	entries := make(map[string]Value)
	for {
		ch, err := d.cur.Peek()
		if err != nil {
			return Value{}, err
		}
		if ch == 'e' {
			d.cur.pos++
			return Dict(entries), nil
		}
		if !isDigit(ch) {
			return Value{}, invalid(d.cur.Pos(), "dictionary key must be a string")
		}
		key, err := d.decodeString()
		if err != nil {
			return Value{}, err
		}
		val, err := d.decodeValue(depth)
		if err != nil {
			return Value{}, err
		}
		entries[string(key)] = val
	}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func invalid(offset int, msg string) error {
	return types.NewError(types.ErrCodeInvalidEncoding, fmt.Sprintf("offset %d: %s", offset, msg))
}
