package logging

import (
	"sync"

	"go.uber.org/zap"
)

// Sink receives complete lines of runtime output.
type Sink interface {
	WriteLine(text string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(text string)

func (f SinkFunc) WriteLine(text string) { f(text) }

// ZapSink writes each line as an info entry tagged with its stream.
type ZapSink struct {
	logger *zap.Logger
	stream string
}

// NewZapSink returns a sink logging through l. A nil l uses Logger().
func NewZapSink(l *zap.Logger, stream string) *ZapSink {
	return &ZapSink{logger: l, stream: stream}
}

func (s *ZapSink) WriteLine(text string) {
	l := s.logger
	if l == nil {
		l = Logger()
	}
	l.Info(text, zap.String("stream", s.stream))
}

// Tee fans lines out to a primary sink and any number of subscribers.
type Tee struct {
	primary Sink
	subs    map[int]func(string)
	nextID  int
	mu      sync.RWMutex
}

// NewTee creates a tee in front of primary (which may be nil).
func NewTee(primary Sink) *Tee {
	return &Tee{primary: primary, subs: make(map[int]func(string))}
}

func (t *Tee) WriteLine(text string) {
	if t.primary != nil {
		t.primary.WriteLine(text)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, fn := range t.subs {
		fn(text)
	}
}

// Subscribe registers fn for every subsequent line and returns a function
// that removes it.
func (t *Tee) Subscribe(fn func(string)) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}
