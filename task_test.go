package guv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnWaitReturnsResult(t *testing.T) {
	done := make(chan struct{})
	task := Spawn(func() {
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-done:
	default:
		t.Error("task body did not run before Wait returned")
	}
}

func TestSpawnPanicBecomesError(t *testing.T) {
	task := Spawn(func() {
		panic("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	if err == nil {
		t.Fatal("expected an error from a panicking task")
	}

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PanicError, got %T: %v", err, err)
	}
	if pe.Value != "boom" {
		t.Errorf("expected panic value %q, got %v", "boom", pe.Value)
	}
}

func TestKillStopsGyieldLoop(t *testing.T) {
	iterations := 0
	stopped := make(chan struct{})

	task := Spawn(func() {
		defer close(stopped)
		for {
			iterations++
			Gyield()
		}
	})

	// Let it spin a few times before killing it.
	time.Sleep(20 * time.Millisecond)

	if err := Kill(task, nil); err != nil {
		t.Fatalf("Kill returned an error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err, "a bare ErrTaskExit kill should not surface as a failure")

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("task loop never observed the kill")
	}

	if iterations == 0 {
		t.Error("expected the loop to run at least once before being killed")
	}
}

func TestKillBeforeFirstRunSkipsEntry(t *testing.T) {
	ran := make(chan struct{})
	task := Spawn(func() {
		close(ran)
	})
	// Race a kill in immediately; runEntry's pre-check means the entry may
	// or may not get a chance to start, but if it was killed before it
	// started, ran must never close.
	_ = Kill(task, errors.New("too slow"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)

	select {
	case <-ran:
		// The entry won the race and ran to completion; also a valid
		// outcome per spawnOn's submission-order semantics.
	default:
		// The entry never ran, so the kill must have ended the task.
		if err == nil {
			t.Error("entry was skipped but Wait reported no kill error")
		}
	}
}

func TestKillOnDeadTaskIsNoop(t *testing.T) {
	task := Spawn(func() {})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	if err := Kill(task, errors.New("too late")); err != nil {
		t.Errorf("Kill on a dead task should be a no-op, got %v", err)
	}
}

func TestKillAllReportsAlreadyFinishedTasks(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	live := Spawn(func() {
		close(started)
		<-release
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("live task never started")
	}

	dead := Spawn(func() {})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := dead.Wait(ctx)
	require.NoError(t, err)

	err = KillAll([]*Task{live, dead}, nil)
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected *AggregateError naming the already-finished task, got %T: %v", err, err)
	}
	if len(agg.Errors) != 1 {
		t.Fatalf("expected exactly one already-finished task reported, got %d: %v", len(agg.Errors), agg.Errors)
	}

	close(release)
	_, err = live.Wait(ctx)
	require.NoError(t, err, "the pending kill is never observed: the task returns without reaching a suspension point")
}

func TestSleepDuration(t *testing.T) {
	const delay = 30 * time.Millisecond
	start := make(chan time.Time, 1)
	elapsed := make(chan time.Duration, 1)

	task := Spawn(func() {
		start <- time.Now()
		Sleep(delay)
		elapsed <- time.Since(<-start)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	select {
	case d := <-elapsed:
		if d < delay {
			t.Errorf("Sleep returned after %v, expected at least %v", d, delay)
		}
	default:
		t.Fatal("task never recorded its elapsed sleep")
	}
}

func TestSleepNegativeClampsToZero(t *testing.T) {
	done := make(chan struct{})
	task := Spawn(func() {
		Sleep(-time.Second)
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-done:
	default:
		t.Error("negative Sleep duration should behave like Sleep(0)")
	}
}

func TestSpawnAfterDelaysStart(t *testing.T) {
	started := make(chan time.Time, 1)
	const delay = 25 * time.Millisecond
	before := time.Now()

	task := SpawnAfter(delay, func() {
		started <- time.Now()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	select {
	case at := <-started:
		if at.Sub(before) < delay {
			t.Errorf("SpawnAfter started after %v, expected at least %v", at.Sub(before), delay)
		}
	default:
		t.Fatal("SpawnAfter task never started")
	}
}

func TestSpawnNDoesNotRequireWait(t *testing.T) {
	done := make(chan struct{})
	SpawnN(func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fire-and-forget task never ran")
	}
}

func TestSleepOutsideTaskPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected Sleep outside a task to panic")
		}
		if r != ErrTaskNotRunning {
			t.Errorf("expected ErrTaskNotRunning, got %v", r)
		}
	}()
	Sleep(time.Millisecond)
}
