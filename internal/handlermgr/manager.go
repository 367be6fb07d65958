// Package handlermgr implements the HandlerManager (§4.D): two
// cooperatively scheduled direction threads that poll a shadow copy of
// the registered IsoHandlers' descriptors and iterate whichever ones
// the kernel (or, for the synthetic backend, the scheduler) says are
// ready.
package handlermgr

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ffado/isoengine/internal/isohandler"
	"github.com/ffado/isoengine/internal/isotransport"
)

// maxShadowHandlers mirrors ISOHANDLERMANAGER_MAX_ISO_HANDLERS_PER_PORT,
// a compile-time cap on how many handlers one direction thread serves.
const maxShadowHandlers = 64

// State is the manager's own lifecycle, distinct from any one
// handler's (§4.D).
type State int

const (
	Created State = iota
	Running
	Error
)

// ErrTooManyHandlers is returned by RegisterHandler when a direction's
// shadow map would exceed maxShadowHandlers.
var ErrTooManyHandlers = errors.New("handlermgr: too many handlers for one direction")

// ErrWrongState is returned when a lifecycle method runs out of order.
var ErrWrongState = errors.New("handlermgr: incorrect state for this operation")

// Params are the §6 handler-manager tunables.
type Params struct {
	PollTimeout       time.Duration
	ActivityTimeout   time.Duration
	RunawayIterations int
	RunawayWindow     time.Duration

	// RTBasePriority, IsoPrioDelta, XmitPrioDelta, and RecvPrioDelta
	// compose the startup priority budget manager_rt_prio = base +
	// Δ_iso + Δ_dir (§4.D).
	RTBasePriority int
	IsoPrioDelta   int
	XmitPrioDelta  int
	RecvPrioDelta  int

	// MaxShadowHandlers caps how many handlers one direction thread
	// serves; zero means use maxShadowHandlers.
	MaxShadowHandlers int
}

// DefaultParams returns the §6 documented effective defaults.
func DefaultParams() Params {
	return Params{
		PollTimeout:       10 * time.Millisecond,
		ActivityTimeout:   100 * time.Millisecond,
		RunawayIterations: 10000,
		RunawayWindow:     100 * time.Microsecond,
		RTBasePriority:    60,
		IsoPrioDelta:      4,
		XmitPrioDelta:     1,
		RecvPrioDelta:     0,
	}
}

// Manager owns every registered IsoHandler and runs the transmit and
// receive direction threads.
type Manager struct {
	params Params

	mu       sync.Mutex
	state    State
	handlers []*isohandler.Handler

	tx *task
	rx *task

	watchdog *Watchdog
}

// New creates a Manager in the Created state.
func New(params Params) *Manager {
	m := &Manager{params: params, state: Created}
	m.tx = newTask(m, isotransport.Transmit)
	m.rx = newTask(m, isotransport.Receive)

	return m
}

// RegisterHandler adds h to the manager's handler vector and requests
// a shadow-map rebuild on its direction's task (§4.D step 1).
func (m *Manager) RegisterHandler(h *isohandler.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, existing := range m.handlers {
		if existing.Type() == h.Type() {
			count++
		}
	}
	limit := m.params.MaxShadowHandlers
	if limit <= 0 {
		limit = maxShadowHandlers
	}
	if count >= limit {
		return ErrTooManyHandlers
	}

	m.handlers = append(m.handlers, h)
	h.SetOnBusReset(m.RequestShadowMapUpdate)
	m.requestUpdateLocked(h.Type())

	return nil
}

// UnregisterHandler removes h and requests a shadow-map rebuild.
func (m *Manager) UnregisterHandler(h *isohandler.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.handlers {
		if existing == h {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			break
		}
	}
	m.requestUpdateLocked(h.Type())
}

// RequestShadowMapUpdate is the lock-free (atomically counted) request
// both direction tasks check at the top of their loop (§4.D "pending_updates").
func (m *Manager) RequestShadowMapUpdate() {
	m.requestUpdateLocked(isotransport.Transmit)
	m.requestUpdateLocked(isotransport.Receive)
}

func (m *Manager) requestUpdateLocked(dir isotransport.Direction) {
	if dir == isotransport.Transmit {
		m.tx.pendingUpdates.Add(1)
	} else {
		m.rx.pendingUpdates.Add(1)
	}
}

func (m *Manager) snapshotHandlers(dir isotransport.Direction) []*isohandler.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*isohandler.Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		if h.Type() == dir && h.IsEnabled() {
			out = append(out, h)
		}
	}

	return out
}

// Start launches the transmit and receive direction threads and the
// watchdog, transitioning Created→Running.
func (m *Manager) Start(watchdogInterval time.Duration, dropAllToNonRT func()) error {
	m.mu.Lock()
	if m.state != Created {
		m.mu.Unlock()
		return ErrWrongState
	}
	m.state = Running
	m.mu.Unlock()

	if watchdogInterval > 0 {
		m.watchdog = NewWatchdog(watchdogInterval)
		m.watchdog.Register(dropAllToNonRT)
		m.watchdog.Start()
	}

	m.tx.start()
	m.rx.start()

	return nil
}

// Stop cooperatively shuts down both direction threads and the
// watchdog.
func (m *Manager) Stop() {
	m.tx.stop()
	m.rx.stop()
	if m.watchdog != nil {
		m.watchdog.Stop()
	}

	m.mu.Lock()
	m.state = Created
	m.mu.Unlock()
}

// SignalActivityTransmit/SignalActivityReceive post the per-direction
// activity semaphore so a sleeping task re-checks client readiness
// (§4.D "signal_activity_{tx,rx}").
func (m *Manager) SignalActivityTransmit() { m.tx.signalActivity() }
func (m *Manager) SignalActivityReceive()  { m.rx.signalActivity() }

// task is one direction's poll loop (the Go analogue of IsoTask).
type task struct {
	manager *Manager
	dir     isotransport.Direction

	pendingUpdates atomic.Int32
	activity       chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}

	shadow []*isohandler.Handler

	successiveShortLoops int
	lastLoopEntry         time.Time
}

func newTask(m *Manager, dir isotransport.Direction) *task {
	return &task{
		manager:  m,
		dir:      dir,
		activity: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (t *task) signalActivity() {
	select {
	case t.activity <- struct{}{}:
	default:
	}
}

func (t *task) start() {
	t.pendingUpdates.Add(1)
	go t.run()
}

func (t *task) stop() {
	close(t.stopCh)
	<-t.doneCh
}

// run is Execute()'s loop (§4.D), repeated until Stop or a runaway/
// poll error terminates it.
func (t *task) run() {
	defer close(t.doneCh)

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		if !t.iterateOnce() {
			return
		}
	}
}

// iterateOnce is one Execute() body. It returns false when the loop
// should terminate (runaway guard or unrecoverable poll error).
func (t *task) iterateOnce() bool {
	now := time.Now()
	if !t.lastLoopEntry.IsZero() {
		diff := now.Sub(t.lastLoopEntry)
		if diff < t.manager.params.RunawayWindow {
			t.successiveShortLoops++
			if t.successiveShortLoops > t.manager.params.RunawayIterations {
				return false
			}
		} else {
			t.successiveShortLoops = 0
		}
	}
	t.lastLoopEntry = now

	if t.pendingUpdates.Load() > 0 {
		t.shadow = t.manager.snapshotHandlers(t.dir)
		t.pendingUpdates.Store(0)
	}

	if len(t.shadow) == 0 {
		time.Sleep(t.manager.params.PollTimeout)
		return true
	}

	pollable := t.pollableHandlers()
	if len(pollable) == 0 {
		t.waitForActivity()
		return true
	}

	return t.pollAndIterate(pollable)
}

// pollableHandlers returns the shadow handlers whose client can
// currently take part in an iteration, arming each one's "keep
// iterating until asked to stop" flag as it's selected (§4.D step 3,
// mirroring IsoTask::Execute's allowIterateLoop call).
func (t *task) pollableHandlers() []*isohandler.Handler {
	out := make([]*isohandler.Handler, 0, len(t.shadow))
	for _, h := range t.shadow {
		if h.CanIterateClient() {
			h.AllowIterateLoop()
			out = append(out, h)
		}
	}

	return out
}

func (t *task) waitForActivity() {
	timer := time.NewTimer(t.manager.params.ActivityTimeout)
	defer timer.Stop()

	select {
	case <-t.activity:
	case <-timer.C:
	case <-t.stopCh:
	}
}

// pollAndIterate runs poll(2) over the pollable handlers' real
// descriptors (when they have one) and iterates every one that's
// ready. Handlers with no descriptor (FD()==-1, the synthetic
// backend) are treated as always ready, since there's nothing to wait
// on at the OS level (§4.D step 4-5).
func (t *task) pollAndIterate(pollable []*isohandler.Handler) bool {
	pollFDs := make([]unix.PollFd, 0, len(pollable))
	indexOf := make([]int, 0, len(pollable))
	alwaysReady := make([]*isohandler.Handler, 0)

	for i, h := range pollable {
		fd := h.FD()
		if fd < 0 {
			alwaysReady = append(alwaysReady, h)
			continue
		}
		pollFDs = append(pollFDs, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI})
		indexOf = append(indexOf, i)
	}

	for _, h := range alwaysReady {
		_ = h.Iterate()
	}

	if len(pollFDs) == 0 {
		return true
	}

	n, err := unix.Poll(pollFDs, int(t.manager.params.PollTimeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return true
		}

		return false
	}
	if n == 0 {
		return true
	}

	for i, pfd := range pollFDs {
		if pfd.Revents&unix.POLLIN != 0 {
			_ = pollable[indexOf[i]].Iterate()
		}
	}

	return true
}
