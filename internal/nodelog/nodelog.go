// Package nodelog provides the single-variable log verbosity knob spec.md
// §6 names among its external interfaces: OVERLAY_LOG_LEVEL selects one of
// debug/info/warn/error, gating the node's operational lifecycle logging.
// It wraps the standard log package rather than replacing it; every
// bracket-tag log.Printf call elsewhere in the tree that reports a
// swallowed crypto/protocol error (spec.md §7's "swallowed after logging"
// path) stays on the plain stdlib logger at a fixed level, so turning
// verbosity down can never hide an error a relay hop decided to log.
package nodelog

import (
	"log"
	"strings"
	"sync/atomic"
)

// Level orders verbosity from quietest to loudest.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var current atomic.Int32

func init() {
	current.Store(int32(LevelInfo))
}

// SetLevelFromEnv parses the OVERLAY_LOG_LEVEL value (case-insensitive
// "debug", "info", "warn"/"warning", or "error"). An empty or unrecognized
// value leaves the level at its default, Info.
func SetLevelFromEnv(value string) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		current.Store(int32(LevelDebug))
	case "info":
		current.Store(int32(LevelInfo))
	case "warn", "warning":
		current.Store(int32(LevelWarn))
	case "error":
		current.Store(int32(LevelError))
	}
}

func enabled(l Level) bool {
	return Level(current.Load()) >= l
}

// Debugf logs at debug level: per-message or per-tick detail not needed
// outside active troubleshooting.
func Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		log.Printf(format, args...)
	}
}

// Infof logs at info level: node lifecycle events (listening, restored
// state, shutting down).
func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		log.Printf(format, args...)
	}
}

// Warnf logs at warn level: a background task failed but the node keeps
// running.
func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		log.Printf(format, args...)
	}
}

// Errorf logs at error level: always visible regardless of configured
// verbosity.
func Errorf(format string, args ...any) {
	log.Printf(format, args...)
}
