//go:build windows

package guv

// EFD_CLOEXEC and EFD_NONBLOCK are Unix eventfd flags, defined as zero here
// so NewHub's createWakeFd(0, EFD_CLOEXEC|EFD_NONBLOCK) call compiles on
// all platforms; Windows ignores them entirely.
const (
	EFD_CLOEXEC  = 0
	EFD_NONBLOCK = 0
)

// createWakeFd returns -1, -1: Windows IOCP has no fd-based wake mechanism.
// Wakeup rides PostQueuedCompletionStatus instead, via pollerWakeup.
func createWakeFd(initval uint, flags int) (int, int, error) {
	return -1, -1, nil
}

// pollerWakeup wakes the hub's IOCP-based poller directly, since Windows
// has no wake fd to write to.
func (h *Hub) pollerWakeup() error {
	return h.poller.Wakeup()
}
