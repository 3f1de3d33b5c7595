package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var verbose atomic.Bool

// SetVerbose toggles per-stage trace output. Off by default.
func SetVerbose(on bool) {
	verbose.Store(on)
}

// Tracef logs through Logf only when verbose tracing is enabled. Stage-level
// progress chatter goes through here so batch runs stay quiet by default.
func Tracef(format string, v ...interface{}) {
	if verbose.Load() {
		Logf(format, v...)
	}
}
