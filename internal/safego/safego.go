// Package safego provides panic-recovering helpers for background work.
package safego

import (
	"fmt"
	"log/slog"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged rather than crashing the process. This should be used for all
// fire-and-forget goroutines (background jobs, scheduled tasks, etc.)
// where an unrecovered panic would silently kill the goroutine forever.
func Go(fn func()) {
	go func() {
		_ = Run(fn)
	}()
}

// Run calls fn on the current goroutine and converts a panic into an error.
// Worker pools use it so one bad job cannot take the worker down with it.
func Run(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}
