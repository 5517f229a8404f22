package guv

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// hubTestHooks provides injection points for deterministic race testing.
type hubTestHooks struct {
	PrePollSleep    func() // Called before CAS to StateSleeping
	PrePollAwake    func() // Called before CAS back to StateRunning
	OnFastPathEntry func() // Called when entering fast path
}

// Hub is the scheduler: the owner of a single run-loop goroutine that
// multiplexes timers and fd readiness for goroutine-backed Tasks. Tasks run
// on their own goroutines, in parallel with each other; every suspension
// point (Trampoline, Sleep, Gyield, Timeout) blocks the task's goroutine on
// a channel that the hub's run loop signals.
//
// PERFORMANCE: Prioritizes throughput and low latency:
//   - Mutex+chunked ingress queue (ChunkedIngress) outperforms lock-free under contention
//   - Direct FD indexing in the poller (no map lookups)
//   - Inline callback execution
//   - Cache-line padding for hot fields
//
// Note on ingress design: mutex+chunking outperforms lock-free CAS under high
// contention in benchmarks; lock-free CAS causes O(N) retry storms when N
// producers compete, while a mutex serializes cleanly. Chunking (128 jobs per
// chunk) provides cache locality and amortizes allocation.
type Hub struct { // betteralign:ignore
	_ [0]func() // prevent copying

	listeners *listenerRegistry

	testHooks *hubTestHooks

	logger      Logger
	rateLimiter interface {
		Allow(category any) (time.Time, bool)
	}
	debugExceptions bool

	// State machine (cache-line padded internally)
	state *FastState

	// Ingress queues
	external   *ChunkedIngress // External jobs (mutex+chunked for performance)
	internal   *ChunkedIngress // Internal priority jobs
	microtasks *MicrotaskRing  // Microtask ring buffer

	timers         timerHeap
	nextTimerID    atomic.Uint64
	timerCancelled sync.Map // TimerID -> struct{}, tombstones checked by runTimers

	rootTaskMu sync.Mutex
	rootTask   *Task

	// I/O poller (zero-lock FastPoller)
	poller FastPoller

	stopOnce  sync.Once
	closeOnce sync.Once

	// tasksWg tracks in-flight Spawn goroutines, so Shutdown can wait for them
	// briefly before draining queues.
	tasksWg      sync.WaitGroup
	liveTaskCount atomic.Int64

	// Wake-up mechanism (pipe/eventfd-based, triggers I/O event)
	wakePipe      int
	wakePipeWrite int
	wakeBuf       [8]byte

	// Fast wakeup channel for task-only mode (no user I/O FDs): buffered
	// channel wakeup (~50ns) instead of wake-pipe+poller wakeup (~10µs).
	fastWakeupCh  chan struct{}
	userIOFDCount atomic.Int32

	tickAnchorMu    sync.RWMutex
	tickAnchor      time.Time
	tickElapsedTime atomic.Int64

	hubGoroutineID atomic.Uint64
	tickCount      uint64

	id uint64

	hubDone chan struct{}

	externalMu      sync.Mutex
	internalQueueMu sync.Mutex

	batchBuf [256]func()

	// GOJA-STYLE QUEUE: simple slice-based queue bypassing ChunkedIngress in
	// fast-path mode: auxJobs is the active queue (producers append),
	// auxJobsSpare is an empty buffer swapped in on drain.
	auxJobs      []func()
	auxJobsSpare []func()

	wakeUpSignalPending atomic.Uint32

	fastPathEntries atomic.Int64
	fastPathSubmits atomic.Int64

	forceNonBlockingPoll bool

	// StrictMicrotaskOrdering controls the timing of the microtask barrier.
	StrictMicrotaskOrdering bool

	// fastPathEnabled toggles direct execution when the hub is running and
	// has no registered I/O fds, bypassing queueing entirely.
	fastPathEnabled atomic.Bool

	metricsEnabled atomic.Bool
	metrics        Metrics
	tps            *TPSCounter
}

// timer represents a scheduled job.
type timer struct {
	id   TimerID
	when time.Time
	job  func()
}

// timerHeap is a min-heap of timers.
type timerHeap []timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].id < h[j].id
}
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

var hubIDCounter atomic.Uint64

// NewHub creates a new hub with the given options.
func NewHub(opts ...HubOption) (*Hub, error) {
	cfg, err := resolveHubOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd(0, EFD_CLOEXEC|EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		id:         hubIDCounter.Add(1),
		state:      NewFastState(),
		external:   NewChunkedIngress(),
		internal:   NewChunkedIngress(),
		microtasks: NewMicrotaskRing(),
		listeners:  newListenerRegistry(),
		timers:     make(timerHeap, 0),

		wakePipe:      wakeFd,
		wakePipeWrite: wakeWriteFd,

		fastWakeupCh: make(chan struct{}, 1),

		hubDone: make(chan struct{}),

		logger:                  cfg.logger,
		debugExceptions:         cfg.debugExceptions,
		StrictMicrotaskOrdering: cfg.strictMicrotaskOrdering,
	}
	h.metricsEnabled.Store(cfg.metricsEnabled)
	if cfg.metricsEnabled {
		h.tps = NewTPSCounter(10*time.Second, 100*time.Millisecond)
	}
	if limiter := cfg.buildRateLimiter(); limiter != nil {
		h.rateLimiter = limiter
	}

	if err := h.poller.Init(); err != nil {
		if wakeFd >= 0 {
			_ = closeFD(wakeFd)
			if wakeWriteFd != wakeFd {
				_ = closeFD(wakeWriteFd)
			}
		}
		return nil, err
	}

	// On Windows there is no wake fd at all: wakeup rides the IOCP handle
	// directly via pollerWakeup, so there is nothing to register here.
	if wakeFd >= 0 {
		if err := h.poller.RegisterFD(wakeFd, EventRead, func(IOEvents) {
			h.drainWakeUpPipe()
		}); err != nil {
			_ = h.poller.Close()
			_ = closeFD(wakeFd)
			if wakeWriteFd != wakeFd {
				_ = closeFD(wakeWriteFd)
			}
			return nil, err
		}
	}

	return h, nil
}

// SetFastPathEnabled enables or disables the fast-path optimization.
//
// When enabled, jobs submitted while the hub is StateRunning may execute
// immediately instead of being queued. The fast path ONLY executes when
// SubmitInternal is called FROM THE HUB GOROUTINE itself; calls from any
// other goroutine fall back to the queued slow path, preserving the
// single-threaded run-loop invariant.
func (h *Hub) SetFastPathEnabled(enabled bool) {
	h.fastPathEnabled.Store(enabled)
}

// FastPathEntries returns the count of fast path entries (for debugging/testing).
func (h *Hub) FastPathEntries() int64 {
	return h.fastPathEntries.Load()
}

// Metrics returns a snapshot of the hub's runtime statistics. Only populated
// if WithMetrics(true) was passed to NewHub.
func (h *Hub) Metrics() Metrics {
	h.metrics.Latency.Sample()
	if h.tps != nil {
		h.metrics.TPS = h.tps.TPS()
	}
	return h.metrics
}

// Run runs the hub and blocks until fully stopped. To run in a separate
// goroutine, use: `go hub.Run(ctx)`.
func (h *Hub) Run(ctx context.Context) error {
	if h.isHubThread() {
		return ErrReentrantSwitch
	}

	if !h.state.TryTransition(StateAwake, StateRunning) {
		currentState := h.state.Load()
		if currentState == StateTerminated {
			return ErrHubTerminated
		}
		return ErrHubAlreadyRunning
	}

	defer close(h.hubDone)

	h.tickAnchorMu.Lock()
	h.tickAnchor = time.Now()
	h.tickAnchorMu.Unlock()
	h.tickElapsedTime.Store(0)

	return h.run(ctx)
}

// Shutdown gracefully shuts down the hub, waiting for all queued jobs to
// complete. It blocks until termination completes or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	var result error
	h.stopOnce.Do(func() {
		result = h.shutdownImpl(ctx)
	})
	if result == nil && h.state.Load() != StateTerminated {
		return ErrHubTerminated
	}
	return result
}

func (h *Hub) shutdownImpl(ctx context.Context) error {
	for {
		currentState := h.state.Load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return ErrHubTerminated
		}

		if h.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				h.state.Store(StateTerminated)
				h.closeFDs()
				return nil
			}

			h.doWakeup()
			break
		}
	}

	select {
	case <-h.hubDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main hub goroutine.
func (h *Hub) run(ctx context.Context) error {
	// Thread locking is deferred to tick() since it's only needed when the
	// poller (kqueue/epoll/IOCP) requires thread affinity; fast-path mode
	// (no user I/O fds) uses pure Go channels and needs no pinned thread.
	var osThreadLocked bool

	h.hubGoroutineID.Store(getGoroutineID())
	defer h.hubGoroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.doWakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	defer func() {
		if osThreadLocked {
			runtime.UnlockOSThread()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			for {
				current := h.state.Load()
				if current == StateTerminating || current == StateTerminated {
					break
				}
				if h.state.TryTransition(current, StateTerminating) {
					if current == StateSleeping {
						h.doWakeup()
					}
					break
				}
			}
			h.shutdown()
			return ctx.Err()
		default:
		}

		if h.state.Load() == StateTerminating || h.state.Load() == StateTerminated {
			h.shutdown()
			return nil
		}

		// LATENCY OPTIMIZATION: bypass the full tick machinery for task-only
		// workloads when no I/O fds are registered.
		if h.fastPathEnabled.Load() && h.userIOFDCount.Load() == 0 && !h.hasTimersPending() && !h.hasInternalJobs() {
			if h.runFastPath(ctx) {
				continue
			}
		}

		if !osThreadLocked {
			runtime.LockOSThread()
			osThreadLocked = true
		}

		h.tick()
	}
}

// runFastPath is a tight loop for task-only workloads, modeled on the
// goja_nodejs eventloop's auxJobs batch-swap pattern.
// Returns true if the hub should continue (recheck termination), false if it
// should fall through to the regular tick for feature transition.
func (h *Hub) runFastPath(ctx context.Context) bool {
	h.fastPathEntries.Add(1)
	if h.testHooks != nil && h.testHooks.OnFastPathEntry != nil {
		h.testHooks.OnFastPathEntry()
	}

	h.runAux()
	if h.userIOFDCount.Load() > 0 || h.hasTimersPending() || h.hasInternalJobs() {
		return false
	}

	for {
		select {
		case <-ctx.Done():
			return true

		case <-h.fastWakeupCh:
			h.runAux()

			if h.state.Load() >= StateTerminating {
				return true
			}
			if h.userIOFDCount.Load() > 0 || h.hasTimersPending() || h.hasInternalJobs() {
				return false
			}
		}
	}
}

// runAux performs a single batch swap-and-execute over auxJobs and the
// internal queue.
func (h *Hub) runAux() {
	h.externalMu.Lock()
	jobs := h.auxJobs
	h.auxJobs = h.auxJobsSpare
	h.externalMu.Unlock()

	for i, job := range jobs {
		h.safeExecute(job)
		jobs[i] = nil
	}
	h.auxJobsSpare = jobs[:0]

	for {
		h.internalQueueMu.Lock()
		job, ok := h.internal.popLocked()
		h.internalQueueMu.Unlock()
		if !ok {
			break
		}
		h.safeExecute(job)
	}
}

func (h *Hub) hasTimersPending() bool {
	return len(h.timers) > 0
}

func (h *Hub) hasInternalJobs() bool {
	h.internalQueueMu.Lock()
	has := h.internal.lengthLocked() > 0
	h.internalQueueMu.Unlock()
	return has
}

// shutdown performs the shutdown sequence: drain every queue, reject
// outstanding listeners, then close fds.
func (h *Hub) shutdown() {
	tasksDone := make(chan struct{})
	go func() {
		h.tasksWg.Wait()
		close(tasksDone)
	}()

	// Tasks blocked in Sleep/Gyield/Trampoline won't notice the hub is gone
	// on their own (nothing wakes their select), so kill them outright
	// rather than just waiting out the grace period below.
	if err := KillAll(h.liveTasks(), ErrHubTerminated); err != nil {
		logShutdownKillFailures(h.logger, h.id, err)
	}

	select {
	case <-tasksDone:
	case <-time.After(100 * time.Millisecond):
	}

	h.state.Store(StateTerminated)

	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		drained := false

		for {
			h.internalQueueMu.Lock()
			job, ok := h.internal.popLocked()
			h.internalQueueMu.Unlock()
			if !ok {
				break
			}
			h.safeExecute(job)
			drained = true
		}

		for {
			h.externalMu.Lock()
			job, ok := h.external.popLocked()
			h.externalMu.Unlock()
			if !ok {
				break
			}
			h.safeExecute(job)
			drained = true
		}

		h.externalMu.Lock()
		jobs := h.auxJobs
		h.auxJobs = h.auxJobsSpare
		h.externalMu.Unlock()
		for i, job := range jobs {
			h.safeExecute(job)
			jobs[i] = nil
			drained = true
		}
		h.auxJobsSpare = jobs[:0]

		for {
			fn := h.microtasks.Pop()
			if fn == nil {
				break
			}
			h.safeExecuteFn(fn)
			drained = true
		}

		if drained {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	h.listeners.rejectAll(ErrHubTerminated)

	h.closeFDs()
}

// tick is a single iteration of the hub's run loop.
func (h *Hub) tick() {
	h.tickCount++

	h.tickAnchorMu.RLock()
	anchor := h.tickAnchor
	h.tickAnchorMu.RUnlock()
	elapsed := time.Since(anchor)
	h.tickElapsedTime.Store(int64(elapsed))

	h.runTimers()
	h.processInternalQueue()
	h.processExternal()
	h.drainMicrotasks()
	h.poll()
	h.drainMicrotasks()
}

func (h *Hub) processInternalQueue() bool {
	processed := false
	for {
		h.internalQueueMu.Lock()
		job, ok := h.internal.popLocked()
		depth := h.internal.lengthLocked()
		h.internalQueueMu.Unlock()
		if h.metricsEnabled.Load() {
			h.metrics.Queue.UpdateInternal(depth)
		}
		if !ok {
			break
		}
		h.safeExecute(job)
		processed = true
	}

	if processed {
		h.drainMicrotasks()
	}
	return processed
}

func (h *Hub) processExternal() {
	const budget = 1024

	h.externalMu.Lock()
	n := 0
	for n < budget && n < len(h.batchBuf) {
		job, ok := h.external.popLocked()
		if !ok {
			break
		}
		h.batchBuf[n] = job
		n++
	}
	remaining := h.external.lengthLocked()
	h.externalMu.Unlock()

	if h.metricsEnabled.Load() {
		h.metrics.Queue.UpdateIngress(remaining)
	}

	for i := 0; i < n; i++ {
		h.safeExecute(h.batchBuf[i])
		h.batchBuf[i] = nil

		if h.StrictMicrotaskOrdering {
			h.drainMicrotasks()
		}
	}

	if remaining > 0 {
		h.reportOverload()
	}
}

func (h *Hub) reportOverload() {
	if h.rateLimiter != nil {
		if _, ok := h.rateLimiter.Allow("overload"); !ok {
			return
		}
	}
	logOverload(h.logger, h.id, "overload", 0)
}

func (h *Hub) drainMicrotasks() {
	const budget = 1024

	if h.metricsEnabled.Load() {
		h.metrics.Queue.UpdateMicrotask(h.microtasks.Length())
	}

	for i := 0; i < budget; i++ {
		fn := h.microtasks.Pop()
		if fn == nil {
			break
		}
		h.safeExecuteFn(fn)
	}
}

// poll performs a blocking I/O poll with fast task wakeup optimization.
//
// Two wakeup strategies:
//  1. FAST MODE (no user I/O fds): blocks on fastWakeupCh channel (~50ns)
//  2. I/O MODE (user I/O fds registered): blocks on kqueue/epoll/IOCP (~10µs)
func (h *Hub) poll() {
	currentState := h.state.Load()
	if currentState != StateRunning {
		return
	}

	forced := h.forceNonBlockingPoll
	h.forceNonBlockingPoll = false

	if h.testHooks != nil && h.testHooks.PrePollSleep != nil {
		h.testHooks.PrePollSleep()
	}

	if !h.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	h.externalMu.Lock()
	extLen := h.external.lengthLocked()
	h.externalMu.Unlock()

	h.internalQueueMu.Lock()
	intLen := h.internal.lengthLocked()
	h.internalQueueMu.Unlock()

	if extLen > 0 || intLen > 0 || !h.microtasks.IsEmpty() {
		h.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	if h.state.Load() == StateTerminating {
		return
	}

	timeout := h.calculateTimeout()
	if forced {
		timeout = 0
	}

	if h.userIOFDCount.Load() == 0 {
		h.pollFastMode(timeout)
		return
	}

	_, err := h.poller.PollIO(timeout)
	if err != nil {
		h.handlePollError(err)
		return
	}

	if h.testHooks != nil && h.testHooks.PrePollAwake != nil {
		h.testHooks.PrePollAwake()
	}

	h.state.TryTransition(StateSleeping, StateRunning)
}

// pollFastMode is the channel-based fast path for task-only workloads.
func (h *Hub) pollFastMode(timeoutMs int) {
	select {
	case <-h.fastWakeupCh:
		h.wakeUpSignalPending.Store(0)
		if h.testHooks != nil && h.testHooks.PrePollAwake != nil {
			h.testHooks.PrePollAwake()
		}
		h.state.TryTransition(StateSleeping, StateRunning)
		return
	default:
	}

	if timeoutMs == 0 {
		if h.testHooks != nil && h.testHooks.PrePollAwake != nil {
			h.testHooks.PrePollAwake()
		}
		h.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	if timeoutMs >= 1000 && !h.hasTimersPending() {
		<-h.fastWakeupCh
		h.wakeUpSignalPending.Store(0)
		if h.testHooks != nil && h.testHooks.PrePollAwake != nil {
			h.testHooks.PrePollAwake()
		}
		h.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	t := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	select {
	case <-h.fastWakeupCh:
		t.Stop()
		h.wakeUpSignalPending.Store(0)
	case <-t.C:
	}

	if h.testHooks != nil && h.testHooks.PrePollAwake != nil {
		h.testHooks.PrePollAwake()
	}

	h.state.TryTransition(StateSleeping, StateRunning)
}

func (h *Hub) handlePollError(err error) {
	h.logger.Err().Uint64(`hub`, h.id).Err(err).Log(`poll failed, terminating hub`)
	if h.state.TryTransition(StateSleeping, StateTerminating) {
		h.shutdown()
	}
}

// drainWakeUpPipe drains the wake-up pipe/eventfd and resets the pending flag.
func (h *Hub) drainWakeUpPipe() {
	for {
		_, err := readFD(h.wakePipe, h.wakeBuf[:])
		if err != nil {
			break
		}
	}
	h.wakeUpSignalPending.Store(0)
}

// submitWakeup wakes the poller via the wake-up pipe/eventfd (Linux/Darwin)
// or the poller's native wake mechanism (Windows IOCP, where no fd exists).
func (h *Hub) submitWakeup() error {
	if h.state.Load() == StateTerminated {
		return ErrHubTerminated
	}

	if h.wakePipeWrite < 0 {
		return h.pollerWakeup()
	}

	var one uint64 = 1
	buf := [8]byte{byte(one)}
	_, err := writeFD(h.wakePipeWrite, buf[:])
	return err
}

// Submit submits a job to the external queue, for execution on the hub's
// goroutine on its next tick.
func (h *Hub) Submit(job func()) error {
	fastMode := h.fastPathEnabled.Load() && h.userIOFDCount.Load() == 0

	h.externalMu.Lock()

	state := h.state.Load()
	if state == StateTerminated {
		h.externalMu.Unlock()
		return ErrHubTerminated
	}

	if fastMode {
		h.fastPathSubmits.Add(1)
		h.auxJobs = append(h.auxJobs, job)
		h.externalMu.Unlock()

		select {
		case h.fastWakeupCh <- struct{}{}:
		default:
		}
		return nil
	}

	h.external.pushLocked(job)
	h.externalMu.Unlock()

	if h.state.Load() == StateSleeping {
		if h.wakeUpSignalPending.CompareAndSwap(0, 1) {
			h.doWakeup()
		}
	}

	return nil
}

// doWakeup sends the appropriate wakeup signal based on mode.
func (h *Hub) doWakeup() {
	if h.userIOFDCount.Load() == 0 {
		select {
		case h.fastWakeupCh <- struct{}{}:
		default:
		}
	} else {
		_ = h.submitWakeup()
	}
}

// SubmitInternal submits a job to the internal priority queue. When called
// from the hub's own goroutine while running and the external queue is
// empty, the job executes immediately instead of being queued.
func (h *Hub) SubmitInternal(job func()) error {
	state := h.state.Load()
	if h.fastPathEnabled.Load() && state == StateRunning && h.isHubThread() {
		h.externalMu.Lock()
		extLen := h.external.lengthLocked()
		h.externalMu.Unlock()
		if extLen == 0 {
			h.fastPathEntries.Add(1)
			if h.testHooks != nil && h.testHooks.OnFastPathEntry != nil {
				h.testHooks.OnFastPathEntry()
			}
			h.safeExecute(job)
			return nil
		}
	}

	h.internalQueueMu.Lock()

	state = h.state.Load()
	if state == StateTerminated {
		h.internalQueueMu.Unlock()
		return ErrHubTerminated
	}

	h.internal.pushLocked(job)
	h.internalQueueMu.Unlock()

	if h.userIOFDCount.Load() == 0 {
		select {
		case h.fastWakeupCh <- struct{}{}:
		default:
		}
		return nil
	}

	if h.state.Load() == StateSleeping {
		if h.wakeUpSignalPending.CompareAndSwap(0, 1) {
			h.doWakeup()
		}
	}

	return nil
}

// Wake attempts to wake the hub from a sleeping state. No-op otherwise.
func (h *Hub) Wake() error {
	if h.state.Load() != StateSleeping {
		return nil
	}
	if h.wakeUpSignalPending.CompareAndSwap(0, 1) {
		h.doWakeup()
	}
	return nil
}

// ScheduleMicrotask schedules fn to run on the hub before the next poll.
func (h *Hub) ScheduleMicrotask(fn func()) error {
	if h.state.Load() == StateTerminated {
		return ErrHubTerminated
	}
	h.microtasks.Push(fn)
	return nil
}

// Add registers a Listener for (fd, dir), wiring the poller's per-fd
// combined event mask. Returns a *DuplicateListenerError if (fd, dir) is
// already registered.
func (h *Hub) Add(l *Listener) error {
	firstForFD, err := h.listeners.add(l)
	if err != nil {
		return err
	}

	read, write := h.listeners.eventMask(l.FD)
	events := eventMaskFor(read, write)

	if firstForFD {
		if err := h.poller.RegisterFD(l.FD, events, func(ev IOEvents) {
			h.dispatchReadiness(l.FD, ev)
		}); err != nil {
			h.listeners.remove(l)
			return err
		}
		h.userIOFDCount.Add(1)
	} else if err := h.poller.ModifyFD(l.FD, events); err != nil {
		h.listeners.remove(l)
		return err
	}

	select {
	case h.fastWakeupCh <- struct{}{}:
	default:
	}
	if h.state.Load() == StateSleeping {
		_ = h.submitWakeup()
	}

	return nil
}

// Remove removes l from the registry. Tolerates l already having been
// popped by dispatchReadiness; removing an already-removed listener is a
// harmless no-op.
func (h *Hub) Remove(l *Listener) {
	removed, fdEmpty := h.listeners.remove(l)
	if !removed {
		return
	}
	if fdEmpty {
		_ = h.poller.UnregisterFD(l.FD)
		h.userIOFDCount.Add(-1)
		return
	}
	read, write := h.listeners.eventMask(l.FD)
	_ = h.poller.ModifyFD(l.FD, eventMaskFor(read, write))
}

func eventMaskFor(read, write bool) IOEvents {
	var events IOEvents
	if read {
		events |= EventRead
	}
	if write {
		events |= EventWrite
	}
	return events
}

// dispatchReadiness pops the listener for (fd, dir implied by ev) and
// invokes its Resume callback. The listener is detached from the registry
// BEFORE the callback runs, so a callback that removes its own listener
// (the common case, via Trampoline's deferred cleanup) is a safe no-op.
func (h *Hub) dispatchReadiness(fd int, ev IOEvents) {
	if ev&(EventRead|EventError|EventHangup) != 0 {
		if l, fdEmpty := h.listeners.pop(fd, Read); l != nil {
			logListenerDispatch(h.logger, h.id, fd, Read)
			h.reconcileFD(fd, fdEmpty)
			h.safeExecuteFn(l.Resume)
		}
	}
	if ev&EventWrite != 0 {
		if l, fdEmpty := h.listeners.pop(fd, Write); l != nil {
			logListenerDispatch(h.logger, h.id, fd, Write)
			h.reconcileFD(fd, fdEmpty)
			h.safeExecuteFn(l.Resume)
		}
	}
}

func (h *Hub) reconcileFD(fd int, fdEmpty bool) {
	if fdEmpty {
		_ = h.poller.UnregisterFD(fd)
		h.userIOFDCount.Add(-1)
		return
	}
	read, write := h.listeners.eventMask(fd)
	_ = h.poller.ModifyFD(fd, eventMaskFor(read, write))
}

// CurrentTickTime returns the cached time for the current tick, using the
// monotonic clock anchored at Run's start.
func (h *Hub) CurrentTickTime() time.Time {
	h.tickAnchorMu.RLock()
	anchor := h.tickAnchor
	h.tickAnchorMu.RUnlock()

	if anchor.IsZero() {
		return time.Now()
	}
	elapsed := time.Duration(h.tickElapsedTime.Load())
	return anchor.Add(elapsed)
}

// State returns the current hub state.
func (h *Hub) State() HubState {
	return h.state.Load()
}

// LiveTasks returns the number of goroutine-backed Tasks currently spawned
// on this hub and not yet finished.
func (h *Hub) LiveTasks() int64 {
	return h.liveTaskCount.Load()
}

func (h *Hub) calculateTimeout() int {
	maxDelay := 10 * time.Second

	if len(h.timers) > 0 {
		now := h.CurrentTickTime()
		delay := h.timers[0].when.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}

	if maxDelay > 0 && maxDelay < time.Millisecond {
		return 1
	}

	return int(maxDelay.Milliseconds())
}

// runTimers executes all timers due at or before the current tick time,
// skipping any that were tombstoned by CancelTimer since being armed.
func (h *Hub) runTimers() {
	now := h.CurrentTickTime()
	for len(h.timers) > 0 {
		if h.timers[0].when.After(now) {
			break
		}
		t := heap.Pop(&h.timers).(timer)

		if _, cancelled := h.timerCancelled.LoadAndDelete(t.id); cancelled {
			logTimerCanceled(h.logger, h.id, uint64(t.id))
			continue
		}

		logTimerFired(h.logger, h.id, uint64(t.id))
		h.safeExecute(t.job)

		if h.StrictMicrotaskOrdering {
			h.drainMicrotasks()
		}
	}
}

// scheduleTimerAt arms a timer job to run delay after the moment of the call
// (not the cached tick time, which lags while the hub sleeps or a task runs)
// and returns its TimerID, used by CancelTimer for idempotent,
// tombstone-based cancellation (mark-and-skip rather than heap-delete, to
// stay O(log n) per the min-heap discipline).
func (h *Hub) scheduleTimerAt(delay time.Duration, job func()) (TimerID, error) {
	id := TimerID(h.nextTimerID.Add(1))
	when := time.Now().Add(delay)
	t := timer{id: id, when: when, job: job}

	if err := h.SubmitInternal(func() {
		heap.Push(&h.timers, t)
	}); err != nil {
		return 0, err
	}
	return id, nil
}

// safeExecute runs job with panic recovery, logging any recovered value.
func (h *Hub) safeExecute(job func()) {
	if job == nil {
		return
	}
	h.safeExecuteFn(job)
}

// safeExecuteFn runs fn with panic recovery, logging any recovered value.
func (h *Hub) safeExecuteFn(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r}
			if h.debugExceptions {
				pe.Stack = capturePanicStack()
			}
			logTaskPanicked(h.logger, h.id, 0, pe)
		}
	}()

	if h.metricsEnabled.Load() {
		start := time.Now()
		defer func() {
			h.metrics.Latency.Record(time.Since(start))
			h.tps.Increment()
		}()
	}

	fn()
}

func capturePanicStack() []byte {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// closeFDs closes the hub's own fds exactly once, regardless of whether
// shutdown or a poll error triggers it.
func (h *Hub) closeFDs() {
	h.closeOnce.Do(func() {
		_ = h.poller.Close()
		if h.wakePipe >= 0 {
			_ = closeFD(h.wakePipe)
		}
		if h.wakePipeWrite >= 0 && h.wakePipeWrite != h.wakePipe {
			_ = closeFD(h.wakePipeWrite)
		}
	})
}

// isHubThread reports whether the calling goroutine is the hub's own run
// loop goroutine.
func (h *Hub) isHubThread() bool {
	id := h.hubGoroutineID.Load()
	if id == 0 {
		return false
	}
	return getGoroutineID() == id
}

// getGoroutineID returns the current goroutine's ID, parsed from the
// "goroutine N [...]" header that runtime.Stack always writes first.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// ensureRootTask returns the hub's root task, creating it on first use or
// replacing it if the previous one has died. Top-level Spawn/SpawnN calls
// (made from outside any task) are parented to the root task, so there is
// always a live ancestor for in-flight children to report results to, per
// the source's hub-resurrection invariant: a dead root task is
// transparently replaced rather than leaving its children orphaned.
// The hub's own run loop never actually executes the root task's body (it
// has none); safeExecute/safeExecuteFn already guarantee panics inside
// dispatched callbacks can't kill the loop itself, so in this goroutine-
// per-task model the root task exists purely as a stable parent handle.
func (h *Hub) ensureRootTask() *Task {
	h.rootTaskMu.Lock()
	defer h.rootTaskMu.Unlock()

	if h.rootTask == nil || h.rootTask.State() == TaskDead {
		old := h.rootTask
		h.rootTask = newTask(h, nil)
		h.rootTask.state.Store(int32(TaskRunning))
		close(h.rootTask.doneCh) // the root task never itself "finishes" work; Wait is meaningless on it

		if old != nil {
			reparentChildren(old, h.rootTask)
		}
	}
	return h.rootTask
}

// reparentChildren walks the live task registry and points any task whose
// parent was oldRoot at newRoot instead.
func reparentChildren(oldRoot, newRoot *Task) {
	taskRegistry.Range(func(_, v any) bool {
		child, _ := v.(*Task)
		if child != nil && child.parent == oldRoot {
			child.parent = newRoot
		}
		return true
	})
}

// liveTasks returns every Task currently registered as running on h, for
// bulk operations like shutdown's KillAll. A task only appears here between
// registerCurrentTask and unregisterCurrentTask in runEntry, so this is a
// snapshot, not a durable list: tasks that finish concurrently with the
// scan simply won't be killed (they're already done).
func (h *Hub) liveTasks() []*Task {
	var tasks []*Task
	taskRegistry.Range(func(_, v any) bool {
		t, _ := v.(*Task)
		if t != nil && t.hub == h {
			tasks = append(tasks, t)
		}
		return true
	})
	return tasks
}

// Abort immediately terminates the hub without waiting for graceful shutdown.
func (h *Hub) Abort() error {
	for {
		currentState := h.state.Load()
		if currentState == StateTerminated {
			return ErrHubTerminated
		}

		if h.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				h.state.Store(StateTerminated)
				h.closeFDs()
				return nil
			}
			if currentState == StateSleeping {
				_ = h.submitWakeup()
			}
			return nil
		}
	}
}
