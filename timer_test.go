package guv

import (
	"container/heap"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newRunningHub starts hub.Run in the background and registers a Shutdown
// on test cleanup, for tests that exercise the timer API directly against a
// hub instance rather than through the package-level task helpers.
func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	hub, err := NewHub()
	require.NoError(t, err)

	go func() { _ = hub.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})
	return hub
}

func TestScheduleCallGlobalFires(t *testing.T) {
	hub := newRunningHub(t)

	fired := make(chan struct{})
	_, err := hub.ScheduleCallGlobal(10*time.Millisecond, func() {
		close(fired)
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestScheduleCallNowFiresOnNextTick(t *testing.T) {
	hub := newRunningHub(t)

	fired := make(chan struct{})
	_, err := hub.ScheduleCallNow(func() {
		close(fired)
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("immediate timer never fired")
	}
}

func TestCancelTimerPreventsFire(t *testing.T) {
	hub := newRunningHub(t)

	fired := make(chan struct{})
	id, err := hub.ScheduleCallGlobal(20*time.Millisecond, func() {
		close(fired)
	})
	require.NoError(t, err)

	hub.CancelTimer(id)

	select {
	case <-fired:
		t.Error("cancelled timer fired anyway")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTimerHeapBreaksTiesByID(t *testing.T) {
	when := time.Now()
	var h timerHeap
	heap.Push(&h, timer{id: 3, when: when})
	heap.Push(&h, timer{id: 1, when: when})
	heap.Push(&h, timer{id: 2, when: when})

	var order []TimerID
	for h.Len() > 0 {
		order = append(order, heap.Pop(&h).(timer).id)
	}

	want := []TimerID{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("expected %d timers popped, got %d", len(want), len(order))
	}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("expected id-order tie-break %v, got %v", want, order)
			break
		}
	}
}

func TestCancelTimerIsIdempotent(t *testing.T) {
	hub := newRunningHub(t)

	id, err := hub.ScheduleCallGlobal(time.Hour, func() {})
	require.NoError(t, err)

	hub.CancelTimer(id)
	hub.CancelTimer(id) // must not panic or double-free anything
}
