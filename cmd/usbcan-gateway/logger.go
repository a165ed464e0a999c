package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-usbcan-gateway/internal/fault"
	"github.com/kstaniek/go-usbcan-gateway/internal/logging"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
)

func setupLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, os.Stderr).With("app", "usbcan-gateway")
	logging.Set(l)
	return l
}

// installFaultHandler replaces the panicking default: the latched state is
// logged and counted, and the main loop notices the halt on its next round.
func installFaultHandler(l *slog.Logger) {
	fault.SetHandler(func(s fault.State) {
		metrics.IncHalt()
		l.Error("fatal_halt", "file", s.File, "line", s.Line, "function", s.Function, "expr", s.Expr)
	})
}
