package guv

import "time"

// Timeout is a scoped construct: on creation it arms a global timer that,
// on expiry, injects exc into the task that created it. Cancel/Close
// disarm the timer; callers use it via `defer to.Close()`, mirroring the
// source's Python context-manager usage.
//
// A nil seconds is a no-op arm (Timeout never fires), matching the
// source's "seconds is None" case. Nested Timeouts each own an
// independent timer and exception value; an outer Timeout's expiry still
// injects into the same task as an inner one, and whichever suspension
// point the task is currently blocked in wakes first.
type Timeout struct {
	task    *Task
	hub     *Hub
	exc     error
	timerID TimerID
	active  bool
}

// NewTimeout arms a Timeout for the current task. seconds == nil disarms
// it entirely; seconds <= 0 fires at the earliest following iteration. A
// nil exc defaults to a fresh *TimeoutError.
func NewTimeout(seconds *time.Duration, exc error) *Timeout {
	t := currentTask()
	if t == nil {
		panic(ErrTaskNotRunning)
	}
	if exc == nil {
		exc = &TimeoutError{Message: "timeout"}
	}

	to := &Timeout{task: t, hub: t.hub, exc: exc}
	if seconds == nil {
		return to
	}

	d := *seconds
	if d < 0 {
		d = 0
	}

	id, err := to.hub.ScheduleCallGlobal(d, func() {
		select {
		case t.killCh <- exc:
		default:
		}
	})
	if err != nil {
		panic(err)
	}
	to.timerID = id
	to.active = true
	return to
}

// Cancel disarms the timeout. Idempotent.
func (to *Timeout) Cancel() {
	if to.active {
		to.hub.CancelTimer(to.timerID)
		to.active = false
	}
}

// Close is an alias for Cancel, for use with `defer to.Close()`.
func (to *Timeout) Close() { to.Cancel() }

// WithTimeout runs fn under a Timeout armed for seconds. If the timeout
// expires while fn is suspended, fn's suspension point panics with the
// Timeout's exception; WithTimeout recovers exactly that exception and
// either invokes timeoutValue in its place (returning nil), or, if
// timeoutValue is nil, re-raises by returning the exception as an error.
// Any other panic propagates unchanged.
func WithTimeout(seconds time.Duration, fn func(), timeoutValue func()) (err error) {
	to := NewTimeout(&seconds, nil)
	defer to.Close()

	defer func() {
		if r := recover(); r != nil {
			if r == any(to.exc) {
				if timeoutValue != nil {
					timeoutValue()
					return
				}
				err = to.exc
				return
			}
			panic(r)
		}
	}()

	fn()
	return nil
}
