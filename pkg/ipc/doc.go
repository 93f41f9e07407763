// Package ipc is the transport under the message bus.
//
// A Socket listens on and dials ipc:// (Unix domain socket) and tcp://
// endpoints. Every frame is a 4-byte big-endian length followed by a CBOR
// encoded types.Envelope. Each connection gets an opaque ConnID and an auth
// level: inbound peers are graded by the AllowFunc given to Listen, outbound
// connections take SocketConfig.OutboundAuth.
//
// Inbound envelopes and connection closures are delivered to a Handler from
// the connection's reader goroutine:
//
//	sock, err := ipc.NewSocket(cfg, handler, log, nil)
//	if err != nil {
//	    return err
//	}
//	if err := sock.Listen("ipc:///run/mqbus.sock", ipc.AllowAll(types.AuthBasic)); err != nil {
//	    return err
//	}
//	defer sock.Close()
package ipc
