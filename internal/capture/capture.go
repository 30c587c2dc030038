package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zot/ui-native/internal/logging"
)

// DefaultBufferSize bounds each read from the capture pipe.
const DefaultBufferSize = 4096

var ErrNotRunning = errors.New("capture: not running")

// Options configures a Capture.
type Options struct {
	Policy     TrailingPolicy
	BufferSize int

	// RouteLogs sends console log output to the original stderr while
	// capture runs, so the logger does not feed its own pipe.
	RouteLogs bool
}

// redirection is a platform's swap of the output descriptors.
type redirection struct {
	console *os.File     // original stderr
	restore func() error // puts the original descriptors back
	release func() error // closes console
}

// Capture redirects the process's stdout and stderr into a pipe drained by
// a single goroutine that delivers complete lines to a sink.
type Capture struct {
	splitter *LineSplitter
	opts     Options
	r, w     *os.File
	redir    *redirection
	done     chan struct{}
	running  bool
	mu       sync.Mutex
}

// New creates a stopped capture feeding sink.
func New(sink logging.Sink, opts Options) *Capture {
	if opts.Policy == "" {
		opts.Policy = TrailingFlush
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Capture{splitter: NewLineSplitter(sink), opts: opts}
}

// Start replaces stdout and stderr with the capture pipe.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("capture: pipe: %w", err)
	}
	redir, err := redirect(w)
	if err != nil {
		r.Close()
		w.Close()
		return err
	}
	c.r, c.w, c.redir = r, w, redir
	c.done = make(chan struct{})
	c.running = true
	if c.opts.RouteLogs {
		logging.SetOutput(redir.console)
	}
	go c.drain(r, c.done)
	logging.Log(1, "Output capture started")
	return nil
}

func (c *Capture) drain(r io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, c.opts.BufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.splitter.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// Console returns a handle on the original stderr while capture runs, or
// nil when stopped.
func (c *Capture) Console() *os.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	return c.redir.console
}

// Running reports whether the descriptors are redirected.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stop restores the descriptors, waits for the pipe to drain and applies
// the trailing-line policy. The console stays open until the trailing line
// has been delivered, since the sink may write to it.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	r, w, redir, done := c.r, c.w, c.redir, c.done
	c.r, c.w, c.redir = nil, nil, nil
	c.mu.Unlock()

	// Restoring closes the last duplicates of the write end, so the
	// drain goroutine sees EOF once w is closed too.
	errRestore := redir.restore()
	errClose := w.Close()
	<-done
	r.Close()
	c.splitter.Finish(c.opts.Policy)
	if c.opts.RouteLogs {
		logging.SetOutput(nil)
	}
	logging.Log(1, "Output capture stopped")
	return errors.Join(errRestore, errClose, redir.release())
}
