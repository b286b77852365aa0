// Package safego launches named background goroutines that survive panics.
package safego

import "log/slog"

// Go runs fn in a new goroutine, recovering and logging any panic instead of
// letting it crash the process. The name identifies the worker in the panic
// log line. Use it for every fire-and-forget goroutine (the stale-run
// sweeper, retry timers, the metrics listener) where an unrecovered panic
// would silently kill the worker forever.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "worker", name, "panic", r)
			}
		}()
		fn()
	}()
}
