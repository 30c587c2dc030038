// Package bridge is the host end of the object bridge. It applies command
// batches published by the runtime to the object registry, and carries
// events and call results back to the runtime.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/protocol"
	"github.com/zot/ui-native/internal/registry"
)

// ErrNoRuntime is returned when events are sent while no runtime is attached.
var ErrNoRuntime = errors.New("bridge: no runtime attached")

// ErrClosed is returned once the bridge has been closed.
var ErrClosed = errors.New("bridge: closed")

// Runtime receives encoded event batches from the host.
type Runtime interface {
	DispatchEvents(ctx context.Context, payload []byte) error
}

// ErrorHandler shows an application error reported by the runtime.
type ErrorHandler func(message string)

// Direction of a batch on the bridge.
type Direction string

const (
	Inbound  Direction = "in"  // runtime -> host
	Outbound Direction = "out" // host -> runtime
)

// Traffic is one batch observed on the bridge.
type Traffic struct {
	Session   string             `json:"session"`
	Direction Direction          `json:"direction"`
	Commands  []protocol.Command `json:"-"`
}

// Options configures a Bridge.
type Options struct {
	Toolkit     registry.Toolkit
	HostContext any
	OnError     ErrorHandler
}

// Bridge applies runtime commands on a single goroutine, in the order they
// were published.
type Bridge struct {
	id      string
	store   *registry.Store
	results *registry.Results
	queue   *batchQueue
	onError ErrorHandler

	runtime   Runtime
	runtimeMu sync.RWMutex

	observers    map[int]func(Traffic)
	nextObserver int
	obsMu        sync.RWMutex

	// replies produced while applying one batch; bridge goroutine only
	replies []protocol.Command

	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a bridge and starts its goroutine.
func New(opts Options) *Bridge {
	b := &Bridge{
		id:        uuid.NewString(),
		store:     registry.NewStore(opts.Toolkit, opts.HostContext),
		results:   registry.NewResults(),
		queue:     newBatchQueue(),
		onError:   opts.OnError,
		observers: make(map[int]func(Traffic)),
		stopped:   make(chan struct{}),
	}
	go b.run()
	logging.Log(1, "Bridge %s started", b.id)
	return b
}

// ID identifies this bridge session.
func (b *Bridge) ID() string { return b.id }

// Store returns the object registry.
func (b *Bridge) Store() *registry.Store { return b.store }

// Results returns the table of host-initiated calls awaiting results.
func (b *Bridge) Results() *registry.Results { return b.results }

// Attach sets the runtime that receives events. nil detaches it.
func (b *Bridge) Attach(rt Runtime) {
	b.runtimeMu.Lock()
	b.runtime = rt
	b.runtimeMu.Unlock()
}

func (b *Bridge) attached() Runtime {
	b.runtimeMu.RLock()
	defer b.runtimeMu.RUnlock()
	return b.runtime
}

func (b *Bridge) logger() *zap.Logger {
	return logging.Logger().With(zap.String("session", b.id))
}

// OnEvents queues a batch published by the runtime. It never blocks.
func (b *Bridge) OnEvents(payload []byte) error {
	data := make([]byte, len(payload))
	copy(data, payload)
	if !b.queue.push(item{data: data}) {
		return ErrClosed
	}
	return nil
}

// Publish lets the bridge serve as the runtime's publisher.
func (b *Bridge) Publish(_ context.Context, data []byte) error {
	return b.OnEvents(data)
}

// Sync waits until every batch queued before the call has been applied.
func (b *Bridge) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	if !b.queue.push(item{barrier: barrier}) {
		return ErrClosed
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued batches.
func (b *Bridge) Pending() int {
	return b.queue.len()
}

func (b *Bridge) run() {
	defer close(b.stopped)
	for {
		_, ok := <-b.queue.notify
		for _, it := range b.queue.drain() {
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			b.apply(it.data)
		}
		if !ok {
			return
		}
	}
}

// apply decodes one batch and applies its commands in order. Replies are
// sent to the runtime as one event batch once the whole batch is applied.
func (b *Bridge) apply(data []byte) {
	cmds, err := protocol.DecodeBatch(data)
	if err != nil {
		b.logger().Warn("dropping malformed batch", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	logging.Log(2, "Applying batch of %d commands", len(cmds))
	b.observe(Inbound, cmds)

	for _, cmd := range cmds {
		if err := b.dispatch(cmd); err != nil {
			if errors.Is(err, registry.ErrUnknownHandle) {
				logging.Log(1, "Skipping %s: %v", cmd.Op, err)
				continue
			}
			b.logger().Warn("command failed", zap.String("command", cmd.String()), zap.Error(err))
		}
	}

	if len(b.replies) == 0 {
		return
	}
	replies := b.replies
	b.replies = nil
	if err := b.send(context.Background(), replies); err != nil {
		b.logger().Warn("delivering results failed", zap.Int("count", len(replies)), zap.Error(err))
	}
}

// dispatch applies one command. A panic in toolkit code fails only that
// command; a pending runtime future gets the panic as its error.
func (b *Bridge) dispatch(cmd protocol.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: panic applying %s: %v", cmd.Op, r)
			if cmd.Op == protocol.OpMethod || cmd.Op == protocol.OpStaticMethod {
				b.reply(cmd.Result, nil, err)
			}
		}
	}()
	return protocol.Dispatch(b, cmd)
}

// reply queues the result of a call for the runtime future at result.
func (b *Bridge) reply(result protocol.Handle, v any, err error) {
	if result == protocol.NoHandle {
		return
	}
	if err != nil {
		b.replies = append(b.replies, protocol.Event(protocol.NoHandle, result, "set_error", protocol.String(err.Error())))
		return
	}
	b.replies = append(b.replies, protocol.Event(protocol.NoHandle, result, "set_result", b.resultValue(result, v)))
}

// resultValue converts a call result. Objects that cannot cross by value are
// sent by reference: an already bridged object keeps its handle, anything
// else is registered under the result handle.
func (b *Bridge) resultValue(result protocol.Handle, v any) protocol.Value {
	if val, err := protocol.FromGo(v); err == nil {
		return val
	}
	if h, ok := b.store.HandleOf(v); ok {
		return protocol.Ref(h)
	}
	if err := b.store.Put(result, v); err != nil {
		return protocol.Ref(b.store.Adopt(v))
	}
	return protocol.Ref(result)
}

func (b *Bridge) HandleCreate(cmd protocol.Command) error {
	_, err := b.store.Create(cmd.Handle, cmd.Cache, cmd.Type, cmd.Name, cmd.Args)
	return err
}

func (b *Bridge) HandleMethod(cmd protocol.Command) error {
	v, err := b.store.Invoke(cmd.Handle, cmd.Name, cmd.Args)
	b.reply(cmd.Result, v, err)
	return err
}

func (b *Bridge) HandleStaticMethod(cmd protocol.Command) error {
	v, err := b.store.InvokeStatic(cmd.Type, cmd.Name, cmd.Args)
	b.reply(cmd.Result, v, err)
	return err
}

func (b *Bridge) HandleField(cmd protocol.Command) error {
	return b.store.SetField(cmd.Handle, cmd.Name, cmd.Value)
}

// HandleProxy builds a toolkit proxy whose callbacks become events on the
// runtime object named by cmd.Target.
func (b *Bridge) HandleProxy(cmd protocol.Command) error {
	return b.store.CreateProxy(cmd.Handle, cmd.Type, &forwarder{bridge: b, target: cmd.Target})
}

type forwarder struct {
	bridge *Bridge
	target protocol.Handle
}

func (f *forwarder) Forward(event string, args ...any) error {
	return f.bridge.Emit(context.Background(), f.target, event, args...)
}

func (b *Bridge) HandleDelete(cmd protocol.Command) error {
	return b.store.Delete(cmd.Handle)
}

func (b *Bridge) HandleResult(cmd protocol.Command) error {
	return b.results.Resolve(cmd.Handle, cmd.Value)
}

func (b *Bridge) HandleError(cmd protocol.Command) error {
	b.logger().Error("runtime error", zap.String("message", cmd.Message))
	if b.onError != nil {
		b.onError(cmd.Message)
	}
	return nil
}

func (b *Bridge) HandleEvent(cmd protocol.Command) error {
	return fmt.Errorf("bridge: runtime sent event %q", cmd.Name)
}

// Emit sends a fire-and-forget event to the runtime object at h.
func (b *Bridge) Emit(ctx context.Context, h protocol.Handle, name string, args ...any) error {
	return b.send(ctx, []protocol.Command{protocol.Event(protocol.NoHandle, h, name, b.encode(args)...)})
}

// Call invokes name on the runtime object at h and waits for its result.
// It must not be called from a toolkit method: results arrive on the bridge
// goroutine.
func (b *Bridge) Call(ctx context.Context, h protocol.Handle, name string, args ...any) (protocol.Value, error) {
	f := b.results.Reserve()
	if err := b.send(ctx, []protocol.Command{protocol.Event(f.Handle(), h, name, b.encode(args)...)}); err != nil {
		b.results.Reject(f.Handle(), err)
		return protocol.Nil(), err
	}
	v, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		b.results.Reject(f.Handle(), err)
	}
	return v, err
}

// Send forwards an already encoded event batch to the runtime.
func (b *Bridge) Send(ctx context.Context, payload []byte) error {
	rt := b.attached()
	if rt == nil {
		return ErrNoRuntime
	}
	if b.observed() {
		if cmds, err := protocol.DecodeBatch(payload); err == nil {
			b.observe(Outbound, cmds)
		}
	}
	return rt.DispatchEvents(ctx, payload)
}

func (b *Bridge) send(ctx context.Context, cmds []protocol.Command) error {
	rt := b.attached()
	if rt == nil {
		return ErrNoRuntime
	}
	data, err := protocol.EncodeBatch(cmds)
	if err != nil {
		return err
	}
	b.observe(Outbound, cmds)
	return rt.DispatchEvents(ctx, data)
}

func (b *Bridge) encode(args []any) []protocol.Value {
	out := make([]protocol.Value, len(args))
	for i, a := range args {
		out[i] = b.store.Encode(a)
	}
	return out
}

// Subscribe registers fn for every batch crossing the bridge and returns a
// function that removes it.
func (b *Bridge) Subscribe(fn func(Traffic)) (cancel func()) {
	b.obsMu.Lock()
	id := b.nextObserver
	b.nextObserver++
	b.observers[id] = fn
	b.obsMu.Unlock()
	return func() {
		b.obsMu.Lock()
		delete(b.observers, id)
		b.obsMu.Unlock()
	}
}

func (b *Bridge) observed() bool {
	b.obsMu.RLock()
	defer b.obsMu.RUnlock()
	return len(b.observers) > 0
}

func (b *Bridge) observe(dir Direction, cmds []protocol.Command) {
	b.obsMu.RLock()
	defer b.obsMu.RUnlock()
	for _, fn := range b.observers {
		fn(Traffic{Session: b.id, Direction: dir, Commands: cmds})
	}
}

// Reset drops every bridged object and cancels pending calls. Handles held
// by the runtime become invalid without Delete notifications.
func (b *Bridge) Reset() {
	b.store.Clear()
	b.results.Clear()
	logging.Log(1, "Bridge %s reset", b.id)
}

// Close applies the batches already queued, stops the bridge goroutine and
// cancels pending calls.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.queue.close()
		<-b.stopped
		b.Attach(nil)
		b.results.Clear()
		logging.Log(1, "Bridge %s closed", b.id)
	})
}
