// Package address turns the signed address payload carried by lokinet auth
// requests into a human-readable "<z-base32>.loki" address.
package address

import (
	"fmt"
	"strings"

	b32 "github.com/multiformats/go-base32"

	"github.com/baaaht/mqbus/pkg/bencode"
	"github.com/baaaht/mqbus/pkg/types"
)

const (
	// Suffix is appended to every rendered address
	Suffix = ".loki"
	// OuterKey holds the signed introset map inside the payload
	OuterKey = "s"
	// InnerKey holds the raw public key bytes inside the outer map
	InnerKey = "s"
	// PubKeySize is the length of a lokinet service public key
	PubKeySize = 32
)

// zbase32 is the human-oriented base32 alphabet, unpadded
var zbase32 = b32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(b32.NoPadding)

// Encode renders raw key bytes as a .loki address
func Encode(pubkey []byte) string {
	return strings.ToLower(zbase32.EncodeToString(pubkey)) + Suffix
}

// Resolve extracts payload[OuterKey][InnerKey] and renders it as an address.
func Resolve(payload bencode.Value) (string, error) {
	if payload.Kind != bencode.KindDict {
		return "", malformed(fmt.Sprintf("payload is a %s, want dict", payload.Kind))
	}
	outer, ok := payload.Get(OuterKey)
	if !ok {
		return "", malformed(fmt.Sprintf("payload has no %q key", OuterKey))
	}
	if outer.Kind != bencode.KindDict {
		return "", malformed(fmt.Sprintf("payload[%q] is a %s, want dict", OuterKey, outer.Kind))
	}
	inner, ok := outer.Get(InnerKey)
	if !ok {
		return "", malformed(fmt.Sprintf("payload[%q] has no %q key", OuterKey, InnerKey))
	}
	key, ok := inner.Bytes()
	if !ok {
		return "", malformed(fmt.Sprintf("payload[%q][%q] is a %s, want string", OuterKey, InnerKey, inner.Kind))
	}
	return Encode(key), nil
}

// ResolveBytes decodes a bencoded payload and resolves its address.
// Decode failures keep their INVALID_ENCODING code; trailing bytes are ignored.
func ResolveBytes(data []byte, opts ...bencode.Option) (string, error) {
	v, _, err := bencode.Decode(data, opts...)
	if err != nil {
		return "", err
	}
	return Resolve(v)
}

// Parse is the inverse of Encode: it strips the suffix and decodes the key.
func Parse(addr string) ([]byte, error) {
	name := strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasSuffix(name, Suffix) {
		return nil, malformed(fmt.Sprintf("%q does not end in %s", addr, Suffix))
	}
	key, err := zbase32.DecodeString(strings.TrimSuffix(name, Suffix))
	if err != nil {
		return nil, types.WrapError(types.ErrCodeMalformedAddress, fmt.Sprintf("%q is not z-base32", addr), err)
	}
	if len(key) != PubKeySize {
		return nil, malformed(fmt.Sprintf("%q decodes to %d bytes, want %d", addr, len(key), PubKeySize))
	}
	return key, nil
}

// Payload builds the bencoded auth payload {"s": {"s": pubkey}} for a key.
func Payload(pubkey []byte) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		OuterKey: bencode.Dict(map[string]bencode.Value{
			InnerKey: bencode.String(pubkey),
		}),
	}))
}

func malformed(msg string) error {
	return types.NewError(types.ErrCodeMalformedAddress, msg)
}
