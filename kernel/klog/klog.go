// Package klog provides the kernel's structured logger. It is initialized
// once at boot and hands out per-module child loggers; modules never keep
// ambient global loggers of their own.
package klog

import (
	"log/slog"
	"os"
)

var root *slog.Logger

// Init configures the kernel logger with the given minimum level. Calling
// Init more than once replaces the previous handler.
func Init(level slog.Level) {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	root = slog.New(handler)
}

// For returns a logger carrying the given module name as an attribute.
func For(module string) *slog.Logger {
	if root == nil {
		Init(slog.LevelInfo)
	}

	return root.With("module", module)
}
