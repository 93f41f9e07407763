package mq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baaaht/mqbus/pkg/types"
)

type sentEnvelope struct {
	conn types.ConnID
	env  *types.Envelope
}

// fakeSender records envelopes instead of writing them
type fakeSender struct {
	mu   sync.Mutex
	sent []sentEnvelope
	err  error
	ch   chan sentEnvelope
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan sentEnvelope, 32)}
}

func (f *fakeSender) SendEnvelope(_ context.Context, conn types.ConnID, env *types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	s := sentEnvelope{conn: conn, env: env}
	f.sent = append(f.sent, s)
	f.ch <- s
	return nil
}

func (f *fakeSender) all() []sentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEnvelope(nil), f.sent...)
}

func (f *fakeSender) next(t *testing.T) sentEnvelope {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an envelope")
		return sentEnvelope{}
	}
}

func args(parts ...string) [][]byte {
	return StringArgs(parts...)
}

func waitFuture(t *testing.T, f *Future) ([][]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := f.Get(ctx)
	require.False(t, types.IsErrCode(err, types.ErrCodeCanceled), "future never resolved")
	return got, err
}
