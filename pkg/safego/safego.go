// Package safego launches goroutines that cannot take the process down.
package safego

import (
	"go.uber.org/zap"
)

// Go runs fn on a new goroutine with panic recovery. A panic is logged
// with its stack and the goroutine exits cleanly.
//
// Usage:
//
//	safego.Go(logger, "policy-watcher", watcher.Start)
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
