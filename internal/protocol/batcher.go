package protocol

import (
	"sync"
)

// Batcher queues outgoing commands until they are flushed as one batch.
// Commands keep their submission order.
type Batcher struct {
	pending []Command
	mu      sync.Mutex
}

// NewBatcher creates an empty batcher.
func NewBatcher() *Batcher {
	return &Batcher{}
}

// Queue appends a command to the pending batch.
func (b *Batcher) Queue(cmd Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, cmd)
}

// IsEmpty returns true if no commands are pending.
func (b *Batcher) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) == 0
}

// Len returns the number of pending commands.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush returns the pending commands and clears them.
// Returns nil if nothing is pending.
func (b *Batcher) Flush() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

// FlushEncoded returns the pending batch in wire form.
// Returns nil if nothing is pending.
func (b *Batcher) FlushEncoded() ([]byte, error) {
	cmds := b.Flush()
	if len(cmds) == 0 {
		return nil, nil
	}
	return EncodeBatch(cmds)
}
