package types

import "fmt"

// ConnID identifies a live connection. It is opaque to everything above the transport.
type ConnID = ID

// EnvelopeKind distinguishes the three kinds of routed unit
type EnvelopeKind uint8

const (
	// KindCommand is fire-and-forget; it carries no tag.
	KindCommand EnvelopeKind = iota + 1
	// KindRequest expects a reply carrying the same tag.
	KindRequest
	// KindReply answers the request with the matching tag.
	KindReply
)

// String returns a short name for the kind
func (k EnvelopeKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is one routed unit of communication between two peers.
//
// Requests and commands carry Name ("category.command"); replies carry Tag
// and, on failure, a non-empty Status holding one of the ErrCode* values.
type Envelope struct {
	Kind   EnvelopeKind `cbor:"1,keyasint" json:"kind"`
	Name   string       `cbor:"2,keyasint,omitempty" json:"name,omitempty"`
	Tag    string       `cbor:"3,keyasint,omitempty" json:"tag,omitempty"`
	Status string       `cbor:"4,keyasint,omitempty" json:"status,omitempty"`
	Args   [][]byte     `cbor:"5,keyasint,omitempty" json:"args,omitempty"`
}

// Validate checks that the envelope is internally consistent
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindCommand:
		if e.Name == "" {
			return NewError(ErrCodeInvalid, "command envelope without a name")
		}
		if e.Tag != "" {
			return NewError(ErrCodeInvalid, "command envelope must not carry a tag")
		}
	case KindRequest:
		if e.Name == "" {
			return NewError(ErrCodeInvalid, "request envelope without a name")
		}
		if e.Tag == "" {
			return NewError(ErrCodeInvalid, "request envelope without a tag")
		}
	case KindReply:
		if e.Tag == "" {
			return NewError(ErrCodeInvalid, "reply envelope without a tag")
		}
	default:
		return NewError(ErrCodeInvalid, fmt.Sprintf("unknown envelope kind %d", e.Kind))
	}
	return nil
}

// Failed reports whether a reply envelope carries an error status
func (e *Envelope) Failed() bool {
	return e.Kind == KindReply && e.Status != ""
}
