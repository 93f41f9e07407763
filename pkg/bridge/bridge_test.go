package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/mqbus/internal/config"
	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/address"
	"github.com/baaaht/mqbus/pkg/ipc"
	"github.com/baaaht/mqbus/pkg/metrics"
	"github.com/baaaht/mqbus/pkg/mq"
	"github.com/baaaht/mqbus/pkg/types"
)

const testConn = types.ConnID("router")

type sent struct {
	conn types.ConnID
	env  *types.Envelope
}

type fakeSender struct {
	ch chan sent
}

func (f *fakeSender) SendEnvelope(_ context.Context, conn types.ConnID, env *types.Envelope) error {
	f.ch <- sent{conn: conn, env: env}
	return nil
}

func (f *fakeSender) next(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return sent{}
	}
}

type harness struct {
	bridge     *Bridge
	dispatcher *mq.Dispatcher
	sender     *fakeSender
	metrics    *metrics.Metrics
}

func newHarness(t *testing.T, cfg config.BridgeConfig, v Validator) *harness {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	b, err := New(cfg, v, logger.NewNop(), m)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close(context.Background()) })

	reg := mq.NewRegistry()
	require.NoError(t, b.Register(reg))
	reg.Freeze()

	sender := &fakeSender{ch: make(chan sent, 64)}
	return &harness{
		bridge:     b,
		dispatcher: mq.NewDispatcher(reg, sender, logger.NewNop(), m),
		sender:     sender,
		metrics:    m,
	}
}

func (h *harness) auth(tag string, parts ...[]byte) mq.Outcome {
	return h.dispatcher.Dispatch(context.Background(), mq.Inbound{
		Conn:     testConn,
		Remote:   "ipc:///run/lokinet-auth.sock",
		Level:    types.AuthNone,
		Envelope: &types.Envelope{Kind: types.KindRequest, Name: "llarp.auth", Tag: tag, Args: parts},
	})
}

// assertAnsweredLater accepts either outcome of a deferred reply, since a fast
// validator can finish before the dispatcher inspects the token
func assertAnsweredLater(t *testing.T, out mq.Outcome) {
	t.Helper()
	assert.Contains(t, []mq.Outcome{mq.OutcomeDeferred, mq.OutcomeReplied}, out)
}

func testKey(seed byte) []byte {
	return bytes.Repeat([]byte{seed}, address.PubKeySize)
}

func TestBridgeApproves(t *testing.T) {
	key := testKey(7)
	var gotAddr, gotToken string
	h := newHarness(t, config.BridgeConfig{}, ValidatorFunc(func(_ context.Context, addr, token string) (bool, error) {
		gotAddr, gotToken = addr, token
		return true, nil
	}))

	assertAnsweredLater(t, h.auth("t1", address.Payload(key), []byte("secret")))

	reply := h.sender.next(t)
	assert.Equal(t, testConn, reply.conn)
	assert.Equal(t, &types.Envelope{Kind: types.KindReply, Tag: "t1", Args: [][]byte{[]byte(ResultOkay)}}, reply.env)
	assert.Equal(t, address.Encode(key), gotAddr)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("secret")), gotToken)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Validations.WithLabelValues(outcomeOkay)))
}

func TestBridgeRejects(t *testing.T) {
	h := newHarness(t, config.BridgeConfig{}, ValidatorFunc(func(context.Context, string, string) (bool, error) {
		return false, nil
	}))

	assertAnsweredLater(t, h.auth("t2", address.Payload(testKey(1)), []byte("nope")))
	assert.Equal(t, ResultReject, string(h.sender.next(t).env.Args[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Validations.WithLabelValues(outcomeReject)))
}

func TestBridgeValidatorFailureRejects(t *testing.T) {
	h := newHarness(t, config.BridgeConfig{}, ValidatorFunc(func(context.Context, string, string) (bool, error) {
		return false, errors.New("spawn failed")
	}))

	h.auth("t3", address.Payload(testKey(2)), []byte("tok"))
	reply := h.sender.next(t)
	assert.False(t, reply.env.Failed())
	assert.Equal(t, ResultReject, string(reply.env.Args[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Validations.WithLabelValues(outcomeError)))
}

func TestBridgeValidatorPanicRejects(t *testing.T) {
	h := newHarness(t, config.BridgeConfig{}, ValidatorFunc(func(context.Context, string, string) (bool, error) {
		panic("validator bug")
	}))

	h.auth("t4", address.Payload(testKey(3)), []byte("tok"))
	assert.Equal(t, ResultReject, string(h.sender.next(t).env.Args[0]))
}

func TestBridgeRejectsMalformedRequestsInline(t *testing.T) {
	called := false
	h := newHarness(t, config.BridgeConfig{}, ValidatorFunc(func(context.Context, string, string) (bool, error) {
		called = true
		return true, nil
	}))

	cases := map[string][][]byte{
		"no args":       nil,
		"one arg":       {address.Payload(testKey(4))},
		"not bencode":   {[]byte("hello"), []byte("tok")},
		"wrong shape":   {[]byte("d1:sle"), []byte("tok")},
		"missing inner": {[]byte("d1:sd1:xi1eee"), []byte("tok")},
	}
	for name, parts := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, mq.OutcomeReplied, h.auth("bad", parts...))
			reply := h.sender.next(t)
			assert.Equal(t, "bad", reply.env.Tag)
			assert.Equal(t, ResultReject, string(reply.env.Args[0]))
		})
	}
	assert.False(t, called)
	assert.Equal(t, int64(len(cases)), h.bridge.Stats().Rejected)
}

func TestBridgeDecodeDepthIsBounded(t *testing.T) {
	h := newHarness(t, config.BridgeConfig{DecodeMaxDepth: 2}, ValidatorFunc(func(context.Context, string, string) (bool, error) {
		return true, nil
	}))

	// {"s": {"s": <key>}} nests two dictionaries, so a limit of 2 still fits
	assertAnsweredLater(t, h.auth("ok", address.Payload(testKey(5)), []byte("tok")))
	assert.Equal(t, ResultOkay, string(h.sender.next(t).env.Args[0]))

	deep := []byte("d1:sd1:sd1:s1:xeee")
	assert.Equal(t, mq.OutcomeReplied, h.auth("deep", deep, []byte("tok")))
	assert.Equal(t, ResultReject, string(h.sender.next(t).env.Args[0]))
}

func TestBridgeBoundsConcurrency(t *testing.T) {
	const limit = 2
	var running, peak atomic.Int32
	release := make(chan struct{})
	h := newHarness(t, config.BridgeConfig{Concurrency: limit}, ValidatorFunc(func(context.Context, string, string) (bool, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return true, nil
	}))

	const requests = 6
	for i := 0; i < requests; i++ {
		assert.Equal(t, mq.OutcomeDeferred, h.auth(string(rune('a'+i)), address.Payload(testKey(byte(i))), []byte("tok")))
	}
	require.Eventually(t, func() bool { return running.Load() == limit }, 5*time.Second, 5*time.Millisecond)
	close(release)

	tags := make(map[string]bool)
	for i := 0; i < requests; i++ {
		reply := h.sender.next(t)
		assert.Equal(t, ResultOkay, string(reply.env.Args[0]))
		tags[reply.env.Tag] = true
	}
	assert.Len(t, tags, requests)
	assert.Equal(t, int32(limit), peak.Load())
}

func TestBridgeCloseCancelsValidators(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, config.BridgeConfig{ValidatorTimeout: time.Minute}, ValidatorFunc(func(ctx context.Context, _, _ string) (bool, error) {
		close(started)
		<-ctx.Done()
		return false, ctx.Err()
	}))

	h.auth("slow", address.Payload(testKey(9)), []byte("tok"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.bridge.Close(ctx))
	assert.Equal(t, ResultReject, string(h.sender.next(t).env.Args[0]))

	// new work is rejected without reaching the validator
	assert.Equal(t, mq.OutcomeReplied, h.auth("late", address.Payload(testKey(9)), []byte("tok")))
	assert.Equal(t, ResultReject, string(h.sender.next(t).env.Args[0]))
	assert.NoError(t, h.bridge.Close(ctx))
}

func TestBridgeRegister(t *testing.T) {
	b, err := New(config.BridgeConfig{}, ValidatorFunc(func(context.Context, string, string) (bool, error) {
		return true, nil
	}), logger.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, "llarp.auth", b.Name())

	reg := mq.NewRegistry()
	require.NoError(t, b.Register(reg))
	level, h, err := reg.Resolve("llarp.auth")
	require.NoError(t, err)
	assert.Equal(t, types.AuthNone, level)
	assert.Same(t, b, h)

	err = b.Register(reg)
	assert.True(t, types.IsErrCode(err, types.ErrCodeDuplicateCategory))

	_, err = New(config.BridgeConfig{}, nil, logger.NewNop(), nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestBridgeOverBus(t *testing.T) {
	busCfg := config.DefaultBusConfig()
	busCfg.Workers = 2
	busCfg.DialRetries = 1

	server, err := mq.New(busCfg, logger.NewNop())
	require.NoError(t, err)
	defer server.Close()
	client, err := mq.New(busCfg, logger.NewNop())
	require.NoError(t, err)
	defer client.Close()

	v, err := NewCommandValidator(tokenCheck, logger.NewNop())
	require.NoError(t, err)
	b, err := New(config.BridgeConfig{}, v, logger.NewNop(), nil)
	require.NoError(t, err)
	defer b.Close(context.Background())
	require.NoError(t, b.Register(server))

	addr := "ipc://" + filepath.Join(t.TempDir(), "auth.sock")
	require.NoError(t, server.Listen(addr, ipc.AllowAll(types.AuthNone)))
	require.NoError(t, server.Start(context.Background()))
	require.NoError(t, client.Start(context.Background()))
	conn, err := client.Connect(context.Background(), addr)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex
	for _, token := range []string{"secret", "guess"} {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			f, err := client.RequestFuture(context.Background(), conn, b.Name(),
				[][]byte{address.Payload(testKey(0xab)), []byte(token)})
			if !assert.NoError(t, err) {
				return
			}
			got, err := f.Wait()
			if assert.NoError(t, err) && assert.Len(t, got, 1) {
				mu.Lock()
				results[token] = string(got[0])
				mu.Unlock()
			}
		}(token)
	}
	wg.Wait()
	assert.Equal(t, map[string]string{"secret": ResultOkay, "guess": ResultReject}, results)
}
