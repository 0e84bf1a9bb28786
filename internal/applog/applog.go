// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package applog wraps log/slog with the seven log levels from spec.md
// §6: never, fatal, error, warn, info, debug, trace. slog levels are
// arbitrary integers by design, so Fatal and Trace are first-class custom
// levels rather than aliases squeezed onto the four stdlib ones.
package applog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Level is one of the seven levels spec.md §6 names.
type Level int

const (
	LevelNever Level = iota
	LevelFatal
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// slogLevel maps a Level onto the slog.Level space. The stdlib levels
// (Debug=-4, Info=0, Warn=4, Error=8) are kept at their usual values so
// third-party slog handlers that special-case them still behave; Fatal
// and Trace are new rungs above/below that range.
func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelTrace:
		return slog.LevelDebug - 4
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelFatal:
		return slog.LevelError + 4
	default: // LevelNever
		return slog.LevelError + 100
	}
}

// ParseLevel parses the names used in Config.LogLevel, defaulting to Info
// on an unrecognized string (spec.md §6: "default info").
func ParseLevel(s string) Level {
	switch s {
	case "never":
		return LevelNever
	case "fatal":
		return LevelFatal
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	default:
		return LevelInfo
	}
}

// New builds a *slog.Logger at the given level and verbosity. When json is
// true it uses slog.NewJSONHandler as the teacher does for its production
// entry point; otherwise slog.NewTextHandler. Source locations are
// attached once the level reaches Debug or finer, matching the teacher's
// AddSource usage.
func New(level Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level.slogLevel(),
		AddSource: level >= LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelString(lvl))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func levelString(l slog.Level) string {
	switch {
	case l <= LevelTrace.slogLevel():
		return "TRACE"
	case l <= LevelDebug.slogLevel():
		return "DEBUG"
	case l <= LevelInfo.slogLevel():
		return "INFO"
	case l <= LevelWarn.slogLevel():
		return "WARN"
	case l <= LevelError.slogLevel():
		return "ERROR"
	case l <= LevelFatal.slogLevel():
		return "FATAL"
	default:
		return "NEVER"
	}
}

// Trace logs at the finest level, used for the MY_DEBUG-style
// per-accept/per-connect tracing folded in from the original
// implementation (see SPEC_FULL.md §9.4).
func Trace(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelTrace.slogLevel(), msg, args...)
}

// Fatal logs at the level above Error, for configuration-fatal errors the
// process is about to exit on (spec.md §7).
func Fatal(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelFatal.slogLevel(), msg, args...)
}

// FatalAndExit logs at Fatal and terminates the process with the given
// exit code, for use at cmd/tinyportmapper's top level only.
func FatalAndExit(logger *slog.Logger, code int, msg string, args ...any) {
	Fatal(context.Background(), logger, msg, args...)
	os.Exit(code)
}

// Statf renders the periodic statistics line (spec.md §6: "every 10s").
// Byte counts are pre-formatted by the caller with FormatBytes.
func Statf(ctx context.Context, logger *slog.Logger, tcpConns, udpSessions int, inBytes, outBytes string) {
	logger.LogAttrs(ctx, LevelInfo.slogLevel(), "stats",
		slog.Int("tcp_connections", tcpConns),
		slog.Int("udp_sessions", udpSessions),
		slog.String("bytes_in", inBytes),
		slog.String("bytes_out", outBytes),
	)
}

// FormatBytes renders n with a KB/MB/GB suffix, matching the original
// implementation's format_bytes (SPEC_FULL.md §9.3) instead of a raw
// integer byte count.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	suffixes := []string{"KB", "MB", "GB", "TB"}
	if exp >= len(suffixes) {
		exp = len(suffixes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(n)/float64(div), suffixes[exp])
}
