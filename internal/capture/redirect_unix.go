//go:build linux || darwin || freebsd

package capture

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var captured = []int{unix.Stdout, unix.Stderr}

// redirect points fds 1 and 2 at w. The console file is a duplicate of
// the original stderr that stays open after restore until it is released.
func redirect(w *os.File) (*redirection, error) {
	saved := make([]int, 0, len(captured))
	undo := func() error {
		var first error
		for i, dup := range saved {
			if err := dupTo(dup, captured[i]); err != nil && first == nil {
				first = fmt.Errorf("capture: restore fd %d: %w", captured[i], err)
			}
			unix.Close(dup)
		}
		return first
	}

	for _, fd := range captured {
		dup, err := unix.Dup(fd)
		if err != nil {
			undo()
			return nil, fmt.Errorf("capture: dup fd %d: %w", fd, err)
		}
		saved = append(saved, dup)
		if err := dupTo(int(w.Fd()), fd); err != nil {
			undo()
			return nil, fmt.Errorf("capture: redirect fd %d: %w", fd, err)
		}
	}

	consoleFD, err := unix.Dup(saved[len(saved)-1])
	if err != nil {
		undo()
		return nil, fmt.Errorf("capture: dup console: %w", err)
	}
	console := os.NewFile(uintptr(consoleFD), "console")
	return &redirection{console: console, restore: undo, release: console.Close}, nil
}
