package guv

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubRunReportsAlreadyRunning(t *testing.T) {
	hub := newRunningHub(t)

	// Give Run a moment to transition out of StateAwake.
	require.Eventually(t, func() bool {
		return hub.State() == StateRunning || hub.State() == StateSleeping
	}, time.Second, time.Millisecond)

	err := hub.Run(context.Background())
	if err != ErrHubAlreadyRunning {
		t.Errorf("expected ErrHubAlreadyRunning, got %v", err)
	}
}

func TestHubRunRejectsReentrantCall(t *testing.T) {
	hub, err := NewHub()
	require.NoError(t, err)

	resultCh := make(chan error, 1)
	_, err = hub.ScheduleCallNow(func() {
		resultCh <- hub.Run(context.Background())
	})
	require.NoError(t, err)

	go func() { _ = hub.Run(context.Background()) }()

	select {
	case reentrantErr := <-resultCh:
		if reentrantErr != ErrReentrantSwitch {
			t.Errorf("expected ErrReentrantSwitch, got %v", reentrantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("reentrant Run call never returned")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = hub.Shutdown(ctx)
}

func TestHubShutdownIsIdempotent(t *testing.T) {
	hub := newRunningHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	// A second Shutdown call must not hang or panic.
	err := hub.Shutdown(ctx)
	if err != nil && err != ErrHubTerminated {
		t.Errorf("expected nil or ErrHubTerminated on repeat Shutdown, got %v", err)
	}
	if hub.State() != StateTerminated {
		t.Errorf("expected StateTerminated, got %v", hub.State())
	}
}

func TestHubAbortOnAwakeHubTerminatesImmediately(t *testing.T) {
	hub, err := NewHub()
	require.NoError(t, err)

	require.NoError(t, hub.Abort())
	if hub.State() != StateTerminated {
		t.Errorf("expected StateTerminated after Abort on an unstarted hub, got %v", hub.State())
	}
}

func TestHubSubmitRejectedAfterTermination(t *testing.T) {
	hub, err := NewHub()
	require.NoError(t, err)
	require.NoError(t, hub.Abort())

	err = hub.Submit(func() {})
	if err != ErrHubTerminated {
		t.Errorf("expected ErrHubTerminated, got %v", err)
	}
}

func TestHubLiveTasksTracksSpawnedTasks(t *testing.T) {
	hub := GetHub()
	before := hub.LiveTasks()

	release := make(chan struct{})
	started := make(chan struct{})
	task := spawnOn(hub, func() {
		close(started)
		<-release
	}, true)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("task never started")
	}

	require.Eventually(t, func() bool {
		return hub.LiveTasks() > before
	}, time.Second, time.Millisecond)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.LiveTasks() == before
	}, time.Second, time.Millisecond)
}

func TestHubMetricsRecordsLatencyAndTPS(t *testing.T) {
	hub, err := NewHub(WithMetrics(true))
	require.NoError(t, err)

	go func() { _ = hub.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})

	var ran atomic.Bool
	for i := 0; i < 10; i++ {
		done := make(chan struct{})
		require.NoError(t, hub.Submit(func() {
			ran.Store(true)
			close(done)
		}))
		<-done
	}

	require.Eventually(t, func() bool {
		snap := hub.Metrics()
		return snap.Latency.Sum > 0
	}, time.Second, time.Millisecond)

	if !ran.Load() {
		t.Error("expected at least one submitted job to have run")
	}
}

func TestHubScheduleMicrotaskRunsBeforePoll(t *testing.T) {
	hub := newRunningHub(t)

	done := make(chan struct{})
	require.NoError(t, hub.Submit(func() {
		_ = hub.ScheduleMicrotask(func() {
			close(done)
		})
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("microtask never ran")
	}
}
