//go:build linux || darwin

package guv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestPipe(t *testing.T) (readFD, writeFD int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestTrampolineReadiness(t *testing.T) {
	r, w := newTestPipe(t)

	resultCh := make(chan error, 1)
	task := Spawn(func() {
		resultCh <- Trampoline(r, Read, 0, nil)
	})

	// Give the task a moment to register its listener before we make the
	// fd readable.
	time.Sleep(10 * time.Millisecond)
	_, err := unix.Write(w, []byte{1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, waitErr := task.Wait(ctx)
	require.NoError(t, waitErr)

	select {
	case err := <-resultCh:
		if err != nil {
			t.Errorf("expected nil error on readiness, got %v", err)
		}
	default:
		t.Fatal("trampoline never returned")
	}
}

func TestTrampolineTimeout(t *testing.T) {
	r, _ := newTestPipe(t)

	customTimeout := errors.New("deadline hit")
	resultCh := make(chan error, 1)
	task := Spawn(func() {
		resultCh <- Trampoline(r, Read, 10*time.Millisecond, customTimeout)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, waitErr := task.Wait(ctx)
	require.NoError(t, waitErr)

	select {
	case err := <-resultCh:
		if !errors.Is(err, customTimeout) && err != customTimeout {
			t.Errorf("expected the custom timeout error, got %v", err)
		}
	default:
		t.Fatal("trampoline never returned")
	}

	// No listener should remain registered for (r, Read): a second Add for
	// the same (fd, direction) must succeed rather than report a duplicate.
	hub := GetHub()
	l := &Listener{FD: r, Dir: Read, Resume: func() {}, Throwback: func(error) {}}
	require.NoError(t, hub.Add(l))
	hub.Remove(l)
}

// TestTrampolineResumeAcrossTasks is scenario S3: one task blocks in
// Trampoline waiting for readability, a second task makes the fd ready and
// exits, and the first task resumes successfully.
func TestTrampolineResumeAcrossTasks(t *testing.T) {
	r, w := newTestPipe(t)

	resultCh := make(chan error, 1)
	waiter := Spawn(func() {
		resultCh <- Trampoline(r, Read, 0, nil)
	})

	time.Sleep(10 * time.Millisecond)

	writer := Spawn(func() {
		_, _ = unix.Write(w, []byte{7})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := writer.Wait(ctx)
	require.NoError(t, err)
	_, err = waiter.Wait(ctx)
	require.NoError(t, err)

	select {
	case err := <-resultCh:
		if err != nil {
			t.Errorf("expected the waiting task to resume cleanly, got %v", err)
		}
	default:
		t.Fatal("trampoline never returned")
	}
}

func TestTrampolineDefaultTimeoutError(t *testing.T) {
	r, _ := newTestPipe(t)

	resultCh := make(chan error, 1)
	task := Spawn(func() {
		resultCh <- Trampoline(r, Read, 10*time.Millisecond, nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, waitErr := task.Wait(ctx)
	require.NoError(t, waitErr)

	select {
	case err := <-resultCh:
		var te *TimeoutError
		if !errors.As(err, &te) {
			t.Errorf("expected a default *TimeoutError, got %T: %v", err, err)
		}
	default:
		t.Fatal("trampoline never returned")
	}
}

func TestDuplicateListenerRejected(t *testing.T) {
	fd, _ := newTestPipe(t)

	hub := GetHub()

	first := &Listener{FD: fd, Dir: Read, Resume: func() {}, Throwback: func(error) {}}
	require.NoError(t, hub.Add(first))
	defer hub.Remove(first)

	second := &Listener{FD: fd, Dir: Read, Resume: func() {}, Throwback: func(error) {}}
	err := hub.Add(second)

	var dup *DuplicateListenerError
	if !errors.As(err, &dup) {
		t.Fatalf("expected *DuplicateListenerError, got %T: %v", err, err)
	}
	if dup.FD != fd || dup.Dir != Read {
		t.Errorf("unexpected duplicate error fields: %+v", dup)
	}
}

func TestTrampolineOutsideTaskPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r != ErrTaskNotRunning {
			t.Errorf("expected ErrTaskNotRunning, got %v", r)
		}
	}()
	_ = Trampoline(0, Read, 0, nil)
}
