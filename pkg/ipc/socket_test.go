package ipc

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-msgio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/types"
)

type received struct {
	peer Peer
	env  *types.Envelope
}

// recorder is a Handler that hands everything to channels
type recorder struct {
	envelopes chan received
	closed    chan Peer
}

func newRecorder() *recorder {
	return &recorder{
		envelopes: make(chan received, 16),
		closed:    make(chan Peer, 16),
	}
}

func (r *recorder) HandleEnvelope(peer Peer, env *types.Envelope) {
	r.envelopes <- received{peer: peer, env: env}
}

func (r *recorder) ConnectionClosed(peer Peer) {
	r.closed <- peer
}

func (r *recorder) next(t *testing.T) received {
	t.Helper()
	select {
	case got := <-r.envelopes:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return received{}
	}
}

func (r *recorder) nextClosed(t *testing.T) Peer {
	t.Helper()
	select {
	case p := <-r.closed:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close notification")
		return Peer{}
	}
}

func testConfig() SocketConfig {
	return SocketConfig{
		MaxMessageSize: 64 * 1024,
		MaxConnections: 8,
		WriteTimeout:   time.Second,
		DialTimeout:    time.Second,
		DialRetries:    1,
		DialBackoff:    10 * time.Millisecond,
		OutboundAuth:   types.AuthAdmin,
	}
}

func newTestSocket(t *testing.T, h Handler) *Socket {
	t.Helper()
	s, err := NewSocket(testConfig(), h, logger.NewNop(), nil)
	require.NoError(t, err)
	return s
}

func socketPath(t *testing.T) string {
	return "ipc://" + filepath.Join(t.TempDir(), "mq.sock")
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		network string
		host    string
		wantErr bool
	}{
		{"ipc:///tmp/a.sock", "unix", "/tmp/a.sock", false},
		{"tcp://127.0.0.1:4567", "tcp", "127.0.0.1:4567", false},
		{"tcp://localhost", "", "", true},
		{"ipc://", "", "", true},
		{"udp://1.2.3.4:5", "", "", true},
		{"/tmp/a.sock", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := ParseAddress(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.network, a.Network)
			assert.Equal(t, tt.host, a.Host)
			assert.Equal(t, tt.in, a.String())
		})
	}
}

func TestCodecRejectsInvalidEnvelopes(t *testing.T) {
	_, err := EncodeEnvelope(&types.Envelope{Kind: types.KindRequest, Name: "cat.echo"})
	assert.Error(t, err, "request without tag")

	data, err := EncodeEnvelope(&types.Envelope{Kind: types.KindReply, Tag: "a1", Args: [][]byte{[]byte("ok")}})
	require.NoError(t, err)
	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "a1", env.Tag)
	assert.Equal(t, [][]byte{[]byte("ok")}, env.Args)

	_, err = DecodeEnvelope([]byte{0xff, 0x00})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidEncoding))
}

func TestSocketRoundTripOverUnixSocket(t *testing.T) {
	serverRec := newRecorder()
	server := newTestSocket(t, serverRec)
	addr := socketPath(t)
	require.NoError(t, server.Listen(addr, AllowAll(types.AuthBasic)))

	clientRec := newRecorder()
	client := newTestSocket(t, clientRec)

	ctx := context.Background()
	connID, err := client.Dial(ctx, addr)
	require.NoError(t, err)
	assert.False(t, connID.IsEmpty())

	peer, ok := client.Peer(connID)
	require.True(t, ok)
	assert.Equal(t, types.AuthAdmin, peer.Level)
	assert.False(t, peer.Inbound)

	req := &types.Envelope{Kind: types.KindRequest, Name: "cat.echo", Tag: "1", Args: [][]byte{[]byte("Hi!")}}
	require.NoError(t, client.Send(ctx, connID, req))

	got := serverRec.next(t)
	assert.Equal(t, req, got.env)
	assert.Equal(t, types.AuthBasic, got.peer.Level)
	assert.True(t, got.peer.Inbound)
	assert.Equal(t, addr, got.peer.Remote)

	reply := &types.Envelope{Kind: types.KindReply, Tag: "1", Args: [][]byte{[]byte("Hi!")}}
	require.NoError(t, server.Send(ctx, got.peer.ID, reply))
	assert.Equal(t, reply, clientRec.next(t).env)

	stats := server.Stats()
	assert.Equal(t, 1, stats.Listeners)
	assert.Equal(t, 1, stats.Inbound)
	assert.Equal(t, 1, client.Stats().Outbound)

	require.NoError(t, client.Close())
	assert.Equal(t, connID, clientRec.nextClosed(t).ID)
	assert.Equal(t, got.peer.ID, serverRec.nextClosed(t).ID)
	require.NoError(t, server.Close())
}

func TestSocketTCPResolvesPort(t *testing.T) {
	rec := newRecorder()
	server := newTestSocket(t, rec)
	defer server.Close()
	require.NoError(t, server.Listen("tcp://127.0.0.1:0", AllowAll(types.AuthNone)))

	addrs := server.Addrs()
	require.Len(t, addrs, 1)
	assert.NotEqual(t, "tcp://127.0.0.1:0", addrs[0])

	client := newTestSocket(t, newRecorder())
	defer client.Close()
	id, err := client.Dial(context.Background(), addrs[0])
	require.NoError(t, err)
	require.NoError(t, client.Send(context.Background(), id, &types.Envelope{Kind: types.KindCommand, Name: "x.y"}))

	got := rec.next(t)
	assert.Equal(t, "x.y", got.env.Name)
	assert.Contains(t, got.peer.Remote, "tcp://127.0.0.1:")
}

func TestSocketAllowFuncRefuses(t *testing.T) {
	rec := newRecorder()
	server := newTestSocket(t, rec)
	defer server.Close()
	addr := socketPath(t)
	require.NoError(t, server.Listen(addr, func(string) (types.AuthLevel, bool) { return types.AuthNone, false }))

	clientRec := newRecorder()
	client := newTestSocket(t, clientRec)
	defer client.Close()
	id, err := client.Dial(context.Background(), addr)
	require.NoError(t, err)

	// the server hangs up straight away
	assert.Equal(t, id, clientRec.nextClosed(t).ID)
	assert.Equal(t, 0, server.Stats().ActiveConns)
}

func TestSocketCloseConnectionNotifiesOnce(t *testing.T) {
	rec := newRecorder()
	server := newTestSocket(t, rec)
	defer server.Close()
	addr := socketPath(t)
	require.NoError(t, server.Listen(addr, AllowAll(types.AuthNone)))

	clientRec := newRecorder()
	client := newTestSocket(t, clientRec)
	defer client.Close()
	id, err := client.Dial(context.Background(), addr)
	require.NoError(t, err)

	require.NoError(t, client.CloseConnection(id))
	assert.Equal(t, id, clientRec.nextClosed(t).ID)
	rec.nextClosed(t)

	err = client.Send(context.Background(), id, &types.Envelope{Kind: types.KindCommand, Name: "a.b"})
	assert.True(t, types.IsErrCode(err, types.ErrCodeConnectionClosed))
	assert.True(t, types.IsErrCode(client.CloseConnection(id), types.ErrCodeNotFound))

	select {
	case p := <-clientRec.closed:
		t.Fatalf("second close notification for %s", p.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSocketDropsUndecodableFrames(t *testing.T) {
	rec := newRecorder()
	server := newTestSocket(t, rec)
	defer server.Close()
	addr := socketPath(t)
	require.NoError(t, server.Listen(addr, AllowAll(types.AuthNone)))

	a, err := ParseAddress(addr)
	require.NoError(t, err)
	raw, err := net.Dial(a.Network, a.Host)
	require.NoError(t, err)
	defer raw.Close()

	w := msgio.NewWriter(raw)
	require.NoError(t, w.WriteMsg([]byte("not cbor at all")))
	good, err := EncodeEnvelope(&types.Envelope{Kind: types.KindCommand, Name: "still.alive"})
	require.NoError(t, err)
	require.NoError(t, w.WriteMsg(good))

	assert.Equal(t, "still.alive", rec.next(t).env.Name)
}

func TestSocketSendRejectsOversizedEnvelope(t *testing.T) {
	s := newTestSocket(t, newRecorder())
	defer s.Close()
	big := make([]byte, testConfig().MaxMessageSize)
	err := s.Send(context.Background(), types.NewID("nope"), &types.Envelope{Kind: types.KindCommand, Name: "a.b", Args: [][]byte{big}})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestDialFailsAfterRetries(t *testing.T) {
	s := newTestSocket(t, newRecorder())
	defer s.Close()
	_, err := s.Dial(context.Background(), socketPath(t))
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestSocketConcurrentSends(t *testing.T) {
	rec := newRecorder()
	rec.envelopes = make(chan received, 200)
	server := newTestSocket(t, rec)
	defer server.Close()
	addr := socketPath(t)
	require.NoError(t, server.Listen(addr, AllowAll(types.AuthNone)))

	client := newTestSocket(t, newRecorder())
	defer client.Close()
	id, err := client.Dial(context.Background(), addr)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Send(context.Background(), id, &types.Envelope{Kind: types.KindCommand, Name: "n.m"}))
		}()
	}
	wg.Wait()
	for i := 0; i < 100; i++ {
		assert.Equal(t, "n.m", rec.next(t).env.Name)
	}
}

func TestSocketCloseTwice(t *testing.T) {
	s := newTestSocket(t, newRecorder())
	require.NoError(t, s.Close())
	assert.Error(t, s.Close())
	assert.Error(t, s.Listen(socketPath(t), AllowAll(types.AuthNone)))
}
