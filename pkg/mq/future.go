package mq

import (
	"context"
	"sync"

	"github.com/baaaht/mqbus/pkg/types"
)

// Future is the blocking form of a request
type Future struct {
	done chan struct{}
	once sync.Once
	args [][]byte
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(args [][]byte, err error) {
	f.once.Do(func() {
		f.args = args
		f.err = err
		close(f.done)
	})
}

// Done is closed once the outcome is known
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the outcome is known
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get waits for the outcome or for ctx. Giving up on ctx does not cancel the
// request; it still resolves or times out on its own.
func (f *Future) Get(ctx context.Context) ([][]byte, error) {
	select {
	case <-f.done:
		return f.args, f.err
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeCanceled, "stopped waiting for reply", ctx.Err())
	}
}

// Wait blocks until the outcome is known. The correlator timeout bounds it.
func (f *Future) Wait() ([][]byte, error) {
	<-f.done
	return f.args, f.err
}
