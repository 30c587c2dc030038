//go:build !linux && !darwin && !freebsd

package capture

import (
	"os"
)

// redirect swaps the os.Stdout and os.Stderr variables. Output written
// straight to the descriptors by native code is not captured here.
func redirect(w *os.File) (*redirection, error) {
	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = w, w
	return &redirection{
		console: stderr,
		restore: func() error {
			os.Stdout, os.Stderr = stdout, stderr
			return nil
		},
		release: func() error { return nil },
	}, nil
}
