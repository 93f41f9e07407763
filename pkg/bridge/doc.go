// Package bridge answers lokinet exit-auth requests.
//
// The router sends "llarp.auth" with two parts: a bencoded payload holding
// the client's public key at ["s"]["s"] and an opaque token. The bridge turns
// the key into a .loki address, base64-encodes the token and asks a Validator.
// The reply is always a single part, OKAY or REJECT; malformed requests and
// validator failures are rejected rather than surfaced as errors.
package bridge
