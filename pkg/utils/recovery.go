package utils

import (
	"context"
	"runtime/debug"

	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
	"go.uber.org/zap"
)

// RecoverFn handles a recovered panic.
type RecoverFn func(r interface{}, stack []byte)

// SafeGo runs fn in a goroutine. A panic is passed to onPanic, or logged when onPanic is nil.
func SafeGo(fn func(), onPanic RecoverFn) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if onPanic != nil {
					onPanic(r, stack)
					return
				}
				logger.Log.Error("[panic] Recovered from panic in goroutine",
					zap.Any("panic", r),
					zap.ByteString("stack", stack),
				)
			}
		}()
		fn()
	}()
}

// RecoverWithLog is deferred by long-running loops; it logs a panic with the operation name.
func RecoverWithLog(ctx context.Context, operation string) {
	if r := recover(); r != nil {
		logger.FromContext(ctx).Error("[panic] Recovered from panic",
			zap.String("operation", operation),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}
