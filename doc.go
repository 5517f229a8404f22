// Package guv provides the core of a cooperative concurrency runtime that
// multiplexes many lightweight tasks onto a single OS thread using an
// event loop, in the spirit of Python's eventlet/guv hubs.
//
// # Architecture
//
// A [Hub] owns the event loop: a timer heap, a listener registry keyed by
// (direction, file descriptor), and the platform I/O poller (epoll on
// Linux, kqueue on Darwin, IOCP on Windows, via [Hub.Add]/[Hub.Remove]).
// Tasks ([Task], created by [Spawn], [SpawnN], [SpawnAfter]) are native
// goroutines; every suspension point named by the source design —
// [Trampoline], [Sleep], [Gyield], and a [Timeout] boundary — is an
// explicit blocking select on a channel, so cancellation ([Kill]) is only
// ever observed where a task actually suspends, never preemptively.
//
// # Suspension and cancellation
//
// [Trampoline] is the canonical wait-for-readiness primitive: it arms an
// optional timeout timer, registers a [Listener] on the hub, and blocks
// until readiness, expiry, or an external [Kill]. [Sleep] and [Gyield] are
// built the same way over the hub's timer facility ([Hub.ScheduleCallGlobal]
// for a real delay, [Hub.ScheduleCallNow] for the immediate-dispatch/yield
// path). [Kill] and [Timeout] both deliver their exception by sending on
// the target task's kill channel; a suspension point with no error return
// (Sleep, Gyield) observes this by panicking with the injected value,
// exactly mirroring the source's exception-injection semantics.
//
// # Platform support
//
// I/O polling uses the platform-native mechanism: epoll (Linux), kqueue
// (Darwin), IOCP (Windows). [Hub.Add] and [Hub.Remove] are the only
// cross-platform surface user code needs; [Trampoline] is built on top.
// The Windows IOCP poller does not dispatch readiness to registered
// callbacks, so there a [Trampoline] returns only on timeout, kill or hub
// shutdown.
//
// # Thread safety
//
// [Hub.Submit] and [Hub.SubmitInternal] are safe from any goroutine.
// [Hub.ScheduleMicrotask] is lock-free. Timer and listener registration
// are thread-safe. Exactly one goroutine is ever "current" per hub tick in
// the sense that the hub's own run loop only ever executes on its own
// locked OS thread; tasks themselves run freely in parallel on the Go
// scheduler and rendezvous with the hub only at suspension points.
//
// # Usage
//
//	hub := guv.GetHub()
//	task := guv.Spawn(func() {
//	    guv.Sleep(100 * time.Millisecond)
//	    fmt.Println("hello after 100ms")
//	})
//	_, _ = task.Wait(context.Background())
//	_ = hub.Shutdown(context.Background())
//
// # Error types
//
// The package's error types cover the runtime's own failure modes:
//   - [DuplicateListenerError]: a second listener for (fd, direction).
//   - [PanicError]: wraps a recovered panic from a task or callback.
//   - [AggregateError]: collects multiple errors, returned by [KillAll]
//     when some of the tasks it was asked to kill had already finished.
//   - [TimeoutError]: the default exception injected by [Trampoline] and
//     [Timeout] on expiry.
//
// All error types implement [error] and participate in
// [errors.Is]/[errors.As]; [PanicError], [AggregateError] and
// [TimeoutError] also implement Unwrap for cause-chain matching.
package guv
