// Package errutil funnels non-fatal errors into the structured log so call
// sites stay terse.
package errutil

import (
	"log/slog"
)

// LogMsg logs the error at warning level with a custom message if it is not nil.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Warn(msg, allArgs...)
	}
}

// ReportError logs an unexpected error.
// Central place to hang an external error reporter later if one is wired up.
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Error(msg, allArgs...)
	}
}
