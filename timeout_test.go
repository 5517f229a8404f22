package guv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithTimeoutFiresTimeoutValue(t *testing.T) {
	calledTimeoutValue := make(chan struct{})
	resultCh := make(chan error, 1)

	task := Spawn(func() {
		resultCh <- WithTimeout(10*time.Millisecond, func() {
			Sleep(time.Hour)
		}, func() {
			close(calledTimeoutValue)
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-calledTimeoutValue:
	default:
		t.Error("expected timeoutValue callback to run")
	}

	select {
	case err := <-resultCh:
		if err != nil {
			t.Errorf("expected WithTimeout to return nil when timeoutValue is set, got %v", err)
		}
	default:
		t.Fatal("WithTimeout never returned")
	}
}

func TestWithTimeoutReturnsErrorWithoutTimeoutValue(t *testing.T) {
	resultCh := make(chan error, 1)

	task := Spawn(func() {
		resultCh <- WithTimeout(10*time.Millisecond, func() {
			Sleep(time.Hour)
		}, nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	select {
	case err := <-resultCh:
		var te *TimeoutError
		if !errors.As(err, &te) {
			t.Errorf("expected a *TimeoutError, got %T: %v", err, err)
		}
	default:
		t.Fatal("WithTimeout never returned")
	}
}

func TestWithTimeoutDoesNotFireWhenFnFinishesFirst(t *testing.T) {
	resultCh := make(chan error, 1)

	task := Spawn(func() {
		resultCh <- WithTimeout(time.Hour, func() {
			// Returns immediately, well inside the deadline.
		}, func() {
			t.Error("timeoutValue should not run when fn completes first")
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	select {
	case err := <-resultCh:
		if err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	default:
		t.Fatal("WithTimeout never returned")
	}
}

func TestNestedTimeoutExpires(t *testing.T) {
	outerFired := make(chan struct{}, 1)
	innerFired := make(chan struct{}, 1)
	resultCh := make(chan error, 1)

	task := Spawn(func() {
		resultCh <- WithTimeout(time.Hour, func() {
			err := WithTimeout(10*time.Millisecond, func() {
				Sleep(time.Hour)
			}, func() {
				innerFired <- struct{}{}
			})
			if err != nil {
				t.Errorf("inner WithTimeout should have consumed its own timeout, got %v", err)
			}
		}, func() {
			outerFired <- struct{}{}
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-innerFired:
	default:
		t.Error("inner timeout should have fired")
	}
	select {
	case <-outerFired:
		t.Error("outer timeout should not have fired: inner expired first")
	default:
	}
	select {
	case err := <-resultCh:
		if err != nil {
			t.Errorf("expected nil: outer fn returned normally, got %v", err)
		}
	default:
		t.Fatal("WithTimeout never returned")
	}
}

func TestTimeoutCancelIsIdempotent(t *testing.T) {
	done := make(chan struct{})

	task := Spawn(func() {
		d := 5 * time.Millisecond
		to := NewTimeout(&d, errors.New("should never fire"))
		to.Cancel()
		to.Cancel()
		to.Close()
		Sleep(20 * time.Millisecond)
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-done:
	default:
		t.Error("cancelled timeout should not have injected into the task")
	}
}

func TestNewTimeoutNilSecondsNeverFires(t *testing.T) {
	done := make(chan struct{})

	task := Spawn(func() {
		to := NewTimeout(nil, errors.New("should never fire"))
		defer to.Close()
		Sleep(20 * time.Millisecond)
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-done:
	default:
		t.Error("a nil-duration Timeout should never inject")
	}
}

func TestNewTimeoutOutsideTaskPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r != ErrTaskNotRunning {
			t.Errorf("expected ErrTaskNotRunning, got %v", r)
		}
	}()
	d := time.Second
	NewTimeout(&d, nil)
}
