package guv

import "time"

// TimerID identifies a timer armed via ScheduleCallGlobal or
// ScheduleCallNow, for use with CancelTimer. The zero value never
// identifies a real timer.
type TimerID uint64

// ScheduleCallGlobal arms cb to run after delay, even if the task that
// scheduled it has since died. delay <= 0 is honored as the earliest
// following iteration, same as the immediate-dispatch path.
func (h *Hub) ScheduleCallGlobal(delay time.Duration, cb func()) (TimerID, error) {
	if delay < 0 {
		delay = 0
	}
	id, err := h.scheduleTimerAt(delay, cb)
	if err != nil {
		return 0, err
	}
	logTimerScheduled(h.logger, h.id, uint64(id), true)
	return id, nil
}

// ScheduleCallNow arms cb to run on the next loop iteration. It is the
// dedicated fast path for the zero-delay case: it bypasses the timer heap
// entirely and goes straight through the internal priority queue, which is
// how Gyield achieves a pure yield rather than a heap round-trip.
func (h *Hub) ScheduleCallNow(cb func()) (TimerID, error) {
	id := TimerID(h.nextTimerID.Add(1))
	logTimerScheduled(h.logger, h.id, uint64(id), false)

	if err := h.SubmitInternal(func() {
		if _, cancelled := h.timerCancelled.LoadAndDelete(id); cancelled {
			logTimerCanceled(h.logger, h.id, uint64(id))
			return
		}
		logTimerFired(h.logger, h.id, uint64(id))
		h.safeExecute(cb)
	}); err != nil {
		return 0, err
	}
	return id, nil
}

// CancelTimer idempotently tombstones a timer so it will not fire, whether
// it is still in the heap (ScheduleCallGlobal) or already queued in the
// internal queue (ScheduleCallNow). Cancelling an already-fired or
// already-cancelled id is a harmless no-op.
func (h *Hub) CancelTimer(id TimerID) {
	if id == 0 {
		return
	}
	h.timerCancelled.Store(id, struct{}{})
}
