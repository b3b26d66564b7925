// Package recovery contains panic containment for long-lived goroutines and
// the FFI boundary. A panic that escapes a pump loop or crosses into a host
// process is unrecoverable; these helpers turn it into a log line instead.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers a panic and logs it with the goroutine's name.
// Deferred at the top of every spawned goroutine.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}

// RecoverWithCallback recovers a panic, logs it, and hands the recovered
// value to the callback. The engine handle table uses this to convert a
// panic into a result code rather than letting it unwind across the
// boundary.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
		if callback != nil {
			callback(r)
		}
	}
}
