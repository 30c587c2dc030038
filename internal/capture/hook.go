package capture

import (
	"github.com/zot/ui-native/internal/logging"
)

// Hook is the runtime-facing output hook. Runtime print and stream writes
// go through Write; Flush forces out a pending partial line.
type Hook struct {
	splitter *LineSplitter
	policy   TrailingPolicy
}

// NewHook creates a hook delivering lines to sink. policy applies on Close.
func NewHook(sink logging.Sink, policy TrailingPolicy) *Hook {
	return &Hook{splitter: NewLineSplitter(sink), policy: policy}
}

func (h *Hook) Write(p []byte) (int, error) {
	return h.splitter.Write(p)
}

// WriteString writes text from the runtime.
func (h *Hook) WriteString(s string) (int, error) {
	return h.splitter.WriteString(s)
}

// Flush emits a buffered partial line immediately.
func (h *Hook) Flush() {
	h.splitter.Finish(TrailingFlush)
}

// Close applies the trailing-line policy.
func (h *Hook) Close() error {
	h.splitter.Finish(h.policy)
	return nil
}
