// Package asyncutil provides panic-safe goroutine launching and a deferred
// recovery helper, used for the orchestrator's approval-request handler and
// stop-time cancellation fan-out and for cmd/forksd's listener goroutines.
package asyncutil

import (
	"fmt"
)

// PanicLogger is the minimal logging surface Go/Recover need. Satisfied by
// logging.Logger.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go launches fn in a new goroutine, recovering any panic and logging it
// under the given name rather than crashing the process. A single
// misbehaving execution handler must never take down the whole daemon.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred recovery helper used directly by callers that
// already own their goroutine (e.g. a worker loop that wants to keep
// running after recovering). Safe to call with a nil logger.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Error("goroutine panic [%s]: %v", name, r)
		} else {
			fmt.Printf("goroutine panic [%s]: %v\n", name, r)
		}
	}
}
