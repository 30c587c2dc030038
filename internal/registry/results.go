package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zot/ui-native/internal/protocol"
)

// ErrCancelled resolves futures still pending when their table is cleared.
var ErrCancelled = errors.New("registry: result cancelled")

// Future is a value that arrives later, keyed by a result handle.
type Future struct {
	handle    protocol.Handle
	done      chan struct{}
	value     protocol.Value
	err       error
	callbacks []func(protocol.Value, error)
	mu        sync.Mutex
}

func newFuture(h protocol.Handle) *Future {
	return &Future{handle: h, done: make(chan struct{})}
}

// Handle returns the result handle the future is keyed by.
func (f *Future) Handle() protocol.Handle { return f.handle }

// Done reports whether the future has been resolved.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (protocol.Value, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return protocol.Nil(), ctx.Err()
	}
}

// Then runs fn once the future resolves, immediately if it already has.
func (f *Future) Then(fn func(protocol.Value, error)) {
	f.mu.Lock()
	if !f.Done() {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn(f.value, f.err)
}

func (f *Future) complete(v protocol.Value, err error) bool {
	f.mu.Lock()
	if f.Done() {
		f.mu.Unlock()
		return false
	}
	f.value, f.err = v, err
	close(f.done)
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn(v, err)
	}
	return true
}

// Results tracks pending futures by result handle.
type Results struct {
	pending map[protocol.Handle]*Future
	nextID  atomic.Int64
	mu      sync.Mutex
}

// NewResults creates an empty result table.
func NewResults() *Results {
	r := &Results{pending: make(map[protocol.Handle]*Future)}
	r.nextID.Store(1)
	return r
}

// Reserve allocates a result handle and its future.
func (r *Results) Reserve() *Future {
	h := protocol.Handle(r.nextID.Add(1) - 1)
	f := newFuture(h)
	r.mu.Lock()
	r.pending[h] = f
	r.mu.Unlock()
	return f
}

func (r *Results) take(h protocol.Handle) (*Future, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.pending[h]
	if !ok {
		return nil, fmt.Errorf("%w: result %d", ErrUnknownHandle, h)
	}
	delete(r.pending, h)
	return f, nil
}

// Resolve completes the future for h with v.
func (r *Results) Resolve(h protocol.Handle, v protocol.Value) error {
	f, err := r.take(h)
	if err != nil {
		return err
	}
	f.complete(v, nil)
	return nil
}

// Reject completes the future for h with an error.
func (r *Results) Reject(h protocol.Handle, cause error) error {
	f, err := r.take(h)
	if err != nil {
		return err
	}
	f.complete(protocol.Nil(), cause)
	return nil
}

// Pending returns the number of unresolved futures.
func (r *Results) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Clear cancels every pending future.
func (r *Results) Clear() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[protocol.Handle]*Future)
	r.mu.Unlock()
	for _, f := range pending {
		f.complete(protocol.Nil(), ErrCancelled)
	}
}
