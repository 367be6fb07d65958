package handlermgr

import (
	"sync"
	"sync/atomic"
	"time"
)

// Watchdog runs a heartbeat goroutine and a check goroutine (§4.D,
// EXT-8): the heartbeat sets a flag at half the check interval; the
// checker clears it every interval and, if it finds the flag already
// clear, concludes the manager has wedged and drops every registered
// thread to non-RT scheduling — all of them, not just the one that
// stalled, since a wedged poll loop on one direction can starve the
// other (grounded on libutil/Watchdog.cpp's rescheduleThreads()).
type Watchdog struct {
	interval time.Duration
	heartbeat atomic.Bool

	mu        sync.Mutex
	dropFuncs []func()

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatchdog creates a Watchdog that fires its check every interval.
func NewWatchdog(interval time.Duration) *Watchdog {
	w := &Watchdog{interval: interval, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	w.heartbeat.Store(true)

	return w
}

// Register adds a callback invoked when the watchdog trips. Typically
// one callback per RT-scheduled goroutine (the tx task, the rx task),
// each dropping just its own thread's priority; Watchdog invokes all
// of them together.
func (w *Watchdog) Register(dropToNonRT func()) {
	if dropToNonRT == nil {
		return
	}

	w.mu.Lock()
	w.dropFuncs = append(w.dropFuncs, dropToNonRT)
	w.mu.Unlock()
}

// Start launches the heartbeat and check goroutines.
func (w *Watchdog) Start() {
	go w.runHeartbeat()
	go w.runCheck()
}

// Stop terminates both goroutines.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	<-w.doneCh
	<-w.doneCh
}

func (w *Watchdog) runHeartbeat() {
	ticker := time.NewTicker(w.interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.doneCh <- struct{}{}
			return
		case <-ticker.C:
			w.heartbeat.Store(true)
		}
	}
}

func (w *Watchdog) runCheck() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.doneCh <- struct{}{}
			return
		case <-ticker.C:
			if w.heartbeat.Swap(false) {
				continue
			}
			w.rescheduleThreads()
		}
	}
}

func (w *Watchdog) rescheduleThreads() {
	w.mu.Lock()
	funcs := append([]func(){}, w.dropFuncs...)
	w.mu.Unlock()

	for _, fn := range funcs {
		fn()
	}
}
