// Package bencode decodes and encodes the compact length-prefixed encoding
// used by lokinet for strings, integers, lists and dictionaries.
//
// Decoding is recursive descent over an explicit Cursor with a bounded
// nesting depth, so payloads received from network peers cannot exhaust
// the stack.
package bencode

import (
	"fmt"
	"strconv"
)

// Kind identifies which variant a Value holds
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInteger
	KindList
	KindDict
)

// String returns the name of the kind
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "invalid"
	}
}

// Value is a decoded bencode value. Exactly one of the payload fields is
// meaningful, selected by Kind.
type Value struct {
	Kind Kind
	Str  []byte
	Int  int64
	List []Value
	Dict map[string]Value
}

// String builds a byte-string value
func String(b []byte) Value {
	return Value{Kind: KindString, Str: b}
}

// Int builds an integer value
func Int(i int64) Value {
	return Value{Kind: KindInteger, Int: i}
}

// List builds a list value
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Kind: KindList, List: items}
}

// Dict builds a dictionary value
func Dict(entries map[string]Value) Value {
	if entries == nil {
		entries = map[string]Value{}
	}
	return Value{Kind: KindDict, Dict: entries}
}

// Bytes returns the payload of a string value
func (v Value) Bytes() ([]byte, bool) {
	if v.Kind != KindString {
		return nil, false
	}
	return v.Str, true
}

// Integer returns the payload of an integer value
func (v Value) Integer() (int64, bool) {
	if v.Kind != KindInteger {
		return 0, false
	}
	return v.Int, true
}

// Get looks up key in a dictionary value. It returns false when v is not a
// dictionary or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	child, ok := v.Dict[key]
	return child, ok
}

// GoString renders the value for debugging
func (v Value) GoString() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(string(v.Str))
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindList:
		return fmt.Sprintf("%#v", v.List)
	case KindDict:
		return fmt.Sprintf("%#v", v.Dict)
	default:
		return "<invalid>"
	}
}
