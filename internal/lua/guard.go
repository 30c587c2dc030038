package lua

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned by Do once the guard has been closed.
var ErrClosed = errors.New("lua: runtime closed")

// PanicError carries a panic recovered inside a unit of work.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", e.Value, e.Stack)
}

// workItem is a unit of work for the executor.
type workItem struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

type guardKey struct{}

// Guard serializes all access to the VM on one executor goroutine.
// Work submitted with Do runs to completion before the next unit starts.
// A unit's context identifies it, so Do called with that context from inside
// the unit runs inline instead of deadlocking.
type Guard struct {
	work chan workItem
	done chan struct{}
	once sync.Once
}

// NewGuard starts the executor goroutine.
func NewGuard() *Guard {
	g := &Guard{
		work: make(chan workItem),
		done: make(chan struct{}),
	}
	go g.run()
	return g
}

func (g *Guard) run() {
	for {
		select {
		case <-g.done:
			return
		case item := <-g.work:
			if err := item.ctx.Err(); err != nil {
				item.result <- err
				continue
			}
			item.result <- g.call(item.ctx, item.fn)
		}
	}
}

// call runs fn with panic recovery, so the guard is released on every path.
func (g *Guard) call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(context.WithValue(ctx, guardKey{}, g))
}

// Held reports whether ctx belongs to a unit of work running under g.
func (g *Guard) Held(ctx context.Context) bool {
	owner, _ := ctx.Value(guardKey{}).(*Guard)
	return owner == g
}

// Do runs fn on the executor and blocks until it returns or ctx is done.
// A unit that has started is not interrupted: Do returns ctx.Err() and the
// unit finishes on its own.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if g.Held(ctx) {
		return g.call(ctx, fn)
	}

	select {
	case <-g.done:
		return ErrClosed
	default:
	}
	result := make(chan error, 1)
	select {
	case g.work <- workItem{ctx: ctx, fn: fn, result: result}:
	case <-g.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the executor after the running unit finishes.
func (g *Guard) Close() {
	g.once.Do(func() { close(g.done) })
}
