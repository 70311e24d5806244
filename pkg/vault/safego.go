package vault

import (
	"runtime/debug"

	"github.com/warpdl/ipavault/pkg/logger"
)

// safeGo runs fn in a new goroutine with panic recovery, so a bug in one
// task's download driver or in the cleanup scheduler cannot take down the
// process. Chunk workers and the progress ticker are started with plain go
// statements and are not covered.
// If onPanic is non-nil it is invoked with the recovered value after the
// panic is logged.
func safeGo(l logger.Logger, context string, onPanic func(r interface{}), fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if l != nil {
					l.Error("PANIC [%s]: %v\n%s", context, r, debug.Stack())
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
