package guv

import "time"

// Trampoline is the canonical "wait for I/O readiness, optionally with a
// deadline" primitive. It must not be called from the hub's own goroutine.
//
// Behaviour, grounded on the original guv/hubs/trampoline.py:
//  1. Register a Listener for (fd, dir) via Hub.Add. If Add fails (e.g. a
//     *DuplicateListenerError), that error is returned and no timer is armed.
//  2. If timeout > 0, arm a global timer that delivers timeoutExc to this
//     call.
//  3. Block until readiness, the listener's throwback, the timeout, or an
//     external Kill fires.
//  4. Unconditionally cancel the timer and remove the listener.
//
// Returns nil on readiness (an error or hang-up condition reported by the
// poller also resumes a read waiter this way), timeoutExc on expiry, the
// throwback error if the hub shuts down while the listener is registered,
// or panics with any other injected exception (an external Kill or an
// enclosing Timeout's own expiry), since that case is not one of
// Trampoline's own documented return values.
func Trampoline(fd int, dir Direction, timeout time.Duration, timeoutExc error) error {
	t := currentTask()
	if t == nil {
		panic(ErrTaskNotRunning)
	}
	if timeoutExc == nil {
		timeoutExc = &TimeoutError{Message: "trampoline timed out"}
	}

	hub := t.hub
	done := make(chan error, 1)

	l := &Listener{
		FD:        fd,
		Dir:       dir,
		Resume:    func() { done <- nil },
		Throwback: func(err error) { done <- err },
	}

	if err := hub.Add(l); err != nil {
		return err
	}

	var timerID TimerID
	if timeout > 0 {
		id, err := hub.ScheduleCallGlobal(timeout, func() { done <- timeoutExc })
		if err != nil {
			hub.Remove(l)
			return err
		}
		timerID = id
	}

	defer func() {
		hub.CancelTimer(timerID)
		hub.Remove(l)
	}()

	t.state.Store(int32(TaskSuspended))
	defer t.state.Store(int32(TaskRunning))

	select {
	case err := <-done:
		return err
	case exc := <-t.killCh:
		panic(exc)
	}
}
