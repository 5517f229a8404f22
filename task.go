package guv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TaskState is a task's position in the greenthread lifecycle.
type TaskState int32

const (
	// TaskReady indicates a task has been spawned but its goroutine has not
	// yet started running its entry function.
	TaskReady TaskState = iota
	// TaskRunning indicates the task's entry function is currently executing.
	TaskRunning
	// TaskSuspended indicates the task is blocked inside Sleep, Gyield or
	// Trampoline, waiting to be resumed by the hub or killed.
	TaskSuspended
	// TaskDead indicates the task's entry function has returned, panicked,
	// or the task was killed before it ever ran.
	TaskDead
)

// String implements fmt.Stringer.
func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Task is a lightweight, cooperatively scheduled unit of execution backed
// by a native goroutine. At most one Task is ever "current" on a given
// calling goroutine; Sleep, Gyield and Trampoline are the only points at
// which it can observe a Kill or Timeout injection.
type Task struct {
	id     uint64
	hub    *Hub
	parent *Task

	state atomic.Int32

	// killCh carries an exogenous exception injected by Kill (or a Timeout's
	// own expiry), consumed by whichever suspension point the task is
	// currently blocked in. Buffered 1: the first injected exception wins,
	// matching the source's "exc raised at next suspension point" contract.
	killCh chan error

	doneCh chan struct{}

	mu     sync.Mutex
	result any
	err    error
}

var taskIDCounter atomic.Uint64

func newTask(hub *Hub, parent *Task) *Task {
	t := &Task{
		id:     taskIDCounter.Add(1),
		hub:    hub,
		parent: parent,
		killCh: make(chan error, 1),
		doneCh: make(chan struct{}),
	}
	t.state.Store(int32(TaskReady))
	return t
}

// ID returns the task's unique, hub-scoped identity.
func (t *Task) ID() uint64 { return t.id }

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// taskRegistry maps the goroutine ID a Task's entry function is running on
// back to the *Task itself, so the package-level Sleep/Gyield/Trampoline/
// GetHub functions can recover "the current task" without threading a
// context.Context or *Task through every call site, matching the source's
// implicit per-thread current-greenlet lookup.
var taskRegistry sync.Map // uint64 goroutine id -> *Task

func registerCurrentTask(t *Task) { taskRegistry.Store(getGoroutineID(), t) }
func unregisterCurrentTask()      { taskRegistry.Delete(getGoroutineID()) }

// currentTask returns the Task whose entry function is running on the
// calling goroutine, or nil if none (e.g. the hub's own goroutine, or a
// plain, non-task goroutine).
func currentTask() *Task {
	v, ok := taskRegistry.Load(getGoroutineID())
	if !ok {
		return nil
	}
	return v.(*Task)
}

// TaskFromContext is provided for callers that prefer to thread the current
// task explicitly (e.g. across a library boundary that already carries a
// context.Context) rather than relying on the goroutine-local lookup.
func TaskFromContext(ctx context.Context) *Task {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(taskContextKey{}).(*Task)
	return t
}

// ContextWithTask returns a copy of ctx carrying t, retrievable via
// TaskFromContext.
func ContextWithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskContextKey{}, t)
}

type taskContextKey struct{}

var (
	defaultHubOnce sync.Once
	defaultHub     *Hub
)

// GetHub returns the process-wide default Hub, lazily creating and running
// it in a background goroutine on first access. The source specifies one
// hub per OS thread, lazily created on first access in that thread; this
// module simplifies that to a single lazily-started hub (see DESIGN.md),
// since Go goroutines are not bound to OS threads the way the source's
// stackful coroutines are.
func GetHub() *Hub {
	defaultHubOnce.Do(func() {
		h, err := NewHub()
		if err != nil {
			panic(err)
		}
		defaultHub = h
		go func() {
			_ = h.Run(context.Background())
		}()
		for h.hubGoroutineID.Load() == 0 && h.state.Load() != StateTerminated {
			time.Sleep(time.Microsecond)
		}
	})
	return defaultHub
}

// Spawn schedules fn to run in a fresh Task on the hub's next loop
// iteration and returns a handle whose result can be awaited via Wait.
// Any panic inside fn is captured and re-raised (as a *PanicError) to the
// Wait caller; a bare kill via ErrTaskExit is not treated as a failure.
func Spawn(fn func()) *Task {
	return spawnOn(GetHub(), fn, true)
}

// SpawnN is the fire-and-forget variant of Spawn: there is no result
// rendezvous, and an unhandled exception is logged through the hub's
// structured logger (gated by WithDebugExceptions) rather than stored.
func SpawnN(fn func()) *Task {
	return spawnOn(GetHub(), fn, false)
}

// SpawnAfter schedules fn to run in a fresh Task after delay elapses,
// equivalent to arming a global timer whose callback spawns the task.
func SpawnAfter(delay time.Duration, fn func()) *Task {
	hub := GetHub()
	parent := currentTask()
	if parent == nil {
		parent = hub.ensureRootTask()
	}
	t := newTask(hub, parent)
	hub.tasksWg.Add(1)
	hub.liveTaskCount.Add(1)

	_, _ = hub.ScheduleCallGlobal(delay, func() {
		go t.runEntry(fn, true)
	})
	return t
}

func spawnOn(hub *Hub, fn func(), linked bool) *Task {
	parent := currentTask()
	if parent == nil {
		parent = hub.ensureRootTask()
	}
	t := newTask(hub, parent)
	hub.tasksWg.Add(1)
	hub.liveTaskCount.Add(1)

	// Route the actual goroutine launch through the hub's internal queue so
	// tasks become runnable in submission order, matching the FIFO ordering
	// guarantee for events dispatched within one iteration.
	err := hub.SubmitInternal(func() {
		go t.runEntry(fn, linked)
	})
	if err != nil {
		// Hub already terminated: the task never gets to run at all.
		hub.tasksWg.Done()
		hub.liveTaskCount.Add(-1)
		t.state.Store(int32(TaskDead))
		t.err = err
		close(t.doneCh)
	}
	return t
}

// runEntry is the goroutine body shared by Spawn/SpawnN/SpawnAfter.
func (t *Task) runEntry(fn func(), linked bool) {
	defer t.hub.tasksWg.Done()
	defer t.hub.liveTaskCount.Add(-1)

	// A Kill delivered before the task's goroutine ever reached this point
	// (still "queued for first iteration" in source terms) prevents the
	// entry from running at all, rather than running it and discarding the
	// result (see DESIGN.md Open Questions).
	select {
	case exc := <-t.killCh:
		t.finish(nil, killOutcome(exc), linked)
		return
	default:
	}

	registerCurrentTask(t)
	defer unregisterCurrentTask()

	t.state.Store(int32(TaskRunning))

	var result any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				if e, ok := r.(error); ok && isTaskExit(e) {
					return
				}
				pe := &PanicError{Value: r}
				if t.hub.debugExceptions {
					pe.Stack = capturePanicStack()
				}
				err = pe
			}
		}()
		fn()
		result = nil
	}()

	t.finish(result, err, linked)
}

func (t *Task) finish(result any, err error, linked bool) {
	t.mu.Lock()
	t.result = result
	if linked {
		t.err = err
	}
	t.mu.Unlock()

	t.state.Store(int32(TaskDead))
	close(t.doneCh)

	if !linked && err != nil && t.hub.debugExceptions {
		logTaskPanicked(t.hub.logger, t.hub.id, t.id, err)
	}
}

// killOutcome translates an injected kill exception into the error stored
// for Wait(): a bare TaskExit is benign and not propagated, matching
// GreenletExit semantics.
func killOutcome(exc error) error {
	if isTaskExit(exc) {
		return nil
	}
	return exc
}

func isTaskExit(err error) bool {
	return err == ErrTaskExit
}

// Wait blocks until the task finishes, returning its result or error. If
// ctx is cancelled first, ctx.Err() is returned instead.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.doneCh:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kill causes t to raise exc at its next suspension point. A nil exc
// defaults to ErrTaskExit. If t is already dead, Kill is a no-op. If t has
// not yet started running, its entry never runs.
func Kill(t *Task, exc error) error {
	if t == nil || t.State() == TaskDead {
		return nil
	}
	if exc == nil {
		exc = ErrTaskExit
	}
	select {
	case t.killCh <- exc:
	default:
		// A kill is already pending; first kill wins.
	}
	return nil
}

// KillAll kills every task in tasks with exc, as Hub shutdown does to its
// outstanding tasks rather than waiting indefinitely for them to notice the
// hub is gone on their own. Tasks that had already finished by the time
// their kill was attempted are reported, not silently dropped: the result
// is an *AggregateError naming each one, or nil if every task was still
// live and got the signal.
func KillAll(tasks []*Task, exc error) error {
	var errs []error
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if t.State() == TaskDead {
			errs = append(errs, fmt.Errorf("task %d: %w", t.ID(), ErrTaskNotRunning))
			continue
		}
		_ = Kill(t, exc)
	}
	if len(errs) == 0 {
		return nil
	}
	return &AggregateError{
		Errors:  errs,
		Message: fmt.Sprintf("guv: %d of %d tasks were already finished before they could be killed", len(errs), len(tasks)),
	}
}

// Sleep suspends the current task for at least d, returning control to the
// hub in the interim. Sleep(0) takes the immediate-dispatch path (a pure
// yield), same as Gyield. Per DESIGN.md, a negative d is treated as 0. If
// the task is killed while sleeping, Sleep panics with the injected
// exception (Sleep has no error return, so injection can only be observed
// by panicking, exactly like an exception raised mid-statement in the
// source).
func Sleep(d time.Duration) {
	t := currentTask()
	if t == nil {
		panic(ErrTaskNotRunning)
	}
	if d < 0 {
		d = 0
	}

	hub := t.hub
	woke := make(chan struct{}, 1)

	var id TimerID
	var err error
	if d == 0 {
		id, err = hub.ScheduleCallNow(func() { woke <- struct{}{} })
	} else {
		id, err = hub.ScheduleCallGlobal(d, func() { woke <- struct{}{} })
	}
	if err != nil {
		panic(err)
	}

	t.state.Store(int32(TaskSuspended))
	defer t.state.Store(int32(TaskRunning))

	select {
	case <-woke:
	case exc := <-t.killCh:
		hub.CancelTimer(id)
		panic(exc)
	}
}

// Gyield re-enqueues the current task for the hub's next iteration,
// equivalent to Sleep(0): every other task made runnable in this iteration,
// and a fresh I/O poll, get a turn first.
func Gyield() {
	Sleep(0)
}
