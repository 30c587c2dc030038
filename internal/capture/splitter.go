// Package capture turns byte streams written by the embedded runtime into
// complete lines delivered to a host log sink.
package capture

import (
	"bytes"
	"sync"

	"github.com/zot/ui-native/internal/logging"
)

// TrailingPolicy decides what happens to an unterminated final line.
type TrailingPolicy string

const (
	TrailingFlush TrailingPolicy = "flush"
	TrailingDrop  TrailingPolicy = "drop"
)

// LineSplitter buffers partial lines across writes and emits one sink call
// per complete, non-empty line. A trailing \r is stripped.
type LineSplitter struct {
	sink    logging.Sink
	partial []byte
	mu      sync.Mutex
}

// NewLineSplitter creates a splitter feeding sink.
func NewLineSplitter(sink logging.Sink) *LineSplitter {
	return &LineSplitter{sink: sink}
}

// Write implements io.Writer. It never fails.
func (s *LineSplitter) Write(p []byte) (int, error) {
	s.mu.Lock()
	var lines []string
	data := p
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			s.partial = append(s.partial, data...)
			break
		}
		line := data[:i]
		if len(s.partial) > 0 {
			line = append(s.partial, line...)
			s.partial = nil
		}
		if text := trimCR(line); text != "" {
			lines = append(lines, text)
		}
		data = data[i+1:]
	}
	s.mu.Unlock()

	for _, l := range lines {
		s.sink.WriteLine(l)
	}
	return len(p), nil
}

// WriteString is Write for strings.
func (s *LineSplitter) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Pending returns the buffered unterminated text.
func (s *LineSplitter) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.partial)
}

// Finish applies policy to the buffered partial line.
func (s *LineSplitter) Finish(policy TrailingPolicy) {
	s.mu.Lock()
	text := trimCR(s.partial)
	s.partial = nil
	s.mu.Unlock()

	if policy == TrailingFlush && text != "" {
		s.sink.WriteLine(text)
	}
}

func trimCR(b []byte) string {
	return string(bytes.TrimSuffix(b, []byte{'\r'}))
}
