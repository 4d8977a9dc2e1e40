// Package logger provides the process-wide slog setup.
package logger

import (
	"log/slog"
	"os"
)

// Setup builds the process's root logger. Text format is used so operators
// tailing a terminal or a plain log file see readable lines; debug is only
// enabled when requested since the embedded stack's tick and read/write
// logging gets noisy fast otherwise.
func Setup(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
