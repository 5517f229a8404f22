package guv

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type used throughout the hub. It is a
// logiface logger bound to stumpy's JSON event implementation, matching
// the logging stack used across the rest of this module's ecosystem.
type Logger = *logiface.Logger[*stumpy.Event]

// NewLogger builds a Logger writing newline-delimited JSON to w.
// A nil w defaults to os.Stderr.
func NewLogger(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(w)))
}

// NewNopLogger returns a Logger configured at a level that discards every
// record, for use when the hub owner hasn't opted into logging.
func NewNopLogger() Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(io.Discard)),
		logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled),
	)
}

// logTimerScheduled records that a timer was armed on the hub.
func logTimerScheduled(l Logger, hubID, timerID uint64, global bool) {
	l.Debug().
		Uint64(`hub`, hubID).
		Uint64(`timer`, timerID).
		Bool(`global`, global).
		Log(`timer scheduled`)
}

// logTimerFired records that a timer's callback is about to run.
func logTimerFired(l Logger, hubID, timerID uint64) {
	l.Debug().
		Uint64(`hub`, hubID).
		Uint64(`timer`, timerID).
		Log(`timer fired`)
}

// logTimerCanceled records a tombstoned, not-yet-fired timer.
func logTimerCanceled(l Logger, hubID, timerID uint64) {
	l.Debug().
		Uint64(`hub`, hubID).
		Uint64(`timer`, timerID).
		Log(`timer canceled`)
}

// logTaskPanicked records an unhandled panic recovered from task or callback execution.
func logTaskPanicked(l Logger, hubID uint64, taskID uint64, err error) {
	l.Err().
		Uint64(`hub`, hubID).
		Uint64(`task`, taskID).
		Err(err).
		Log(`task panicked`)
}

// logListenerDispatch records a readiness-driven wakeup of a waiting task.
func logListenerDispatch(l Logger, hubID uint64, fd int, dir Direction) {
	l.Trace().
		Uint64(`hub`, hubID).
		Int(`fd`, fd).
		Str(`dir`, dir.String()).
		Log(`listener dispatched`)
}

// logOverload records that the hub's overload rate limiter suppressed a burst
// of identical log lines for category.
func logOverload(l Logger, hubID uint64, category string, next int64) {
	l.Warning().
		Uint64(`hub`, hubID).
		Str(`category`, category).
		Int64(`retryAfterUnixNano`, next).
		Log(`hub overloaded, throttling log category`)
}

// logShutdownKillFailures records that one or more tasks could not be killed
// during hub shutdown, e.g. because they had already finished between the
// registry snapshot and the kill attempt.
func logShutdownKillFailures(l Logger, hubID uint64, err error) {
	l.Warning().
		Uint64(`hub`, hubID).
		Err(err).
		Log(`shutdown: some tasks were not killed cleanly`)
}
