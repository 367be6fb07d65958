// Package spmanager implements the StreamProcessorManager (§4.H): it
// owns every registered stream processor, nominates one as the sync
// source, and runs the period scheduler that sleeps until the next
// period boundary, verifies every SP can transfer, and hands control
// to the client's period callback.
package spmanager

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/streamproc"
	"github.com/ffado/isoengine/internal/tick"
)

// ErrWrongState is returned when Start/Stop or registration happens
// out of order.
var ErrWrongState = errors.New("spmanager: incorrect state for this operation")

// ErrNoSyncSource is returned by Start when no stream processor has
// been registered yet (§4.H nomination requires at least one SP).
var ErrNoSyncSource = errors.New("spmanager: no stream processor registered to nominate as sync source")

// Clock is the monotonic tick source the scheduler sleeps against. The
// engine and this package's tests both supply a wall clock (ticks
// elapsed since a fixed epoch), not the bus cycle timer.
type Clock interface {
	NowTicks() tick.Tick
}

// PeriodCallback is invoked once per period, after every SP has been
// verified ready to transfer; the client is expected to call
// GetFrames/PutFrames on each SP from inside it (§4.H step 4).
type PeriodCallback func()

// Params are the §6 manager-level tunables.
type Params struct {
	PeriodFrames int
	// SyncDelay overrides the sync source's own GetSyncDelay when
	// non-zero; leave zero to use the sync source's default
	// (SYT_INTERVAL*2*ticks_per_frame, set at SP Prepare time).
	SyncDelay tick.Tick
	// TransferTimeout bounds how long can_transfer is retried before
	// the period is failed as an xrun (§4.H step 3).
	TransferTimeout time.Duration
}

// DefaultParams returns the §6 documented effective defaults.
func DefaultParams() Params {
	return Params{
		PeriodFrames:    512,
		TransferTimeout: 10 * time.Millisecond,
	}
}

// Stats are the free-running counters an operator tool reads back.
type Stats struct {
	XRuns  atomic.Uint64
	Period atomic.Uint64
}

// Manager owns the registered stream processors and runs the period
// scheduler thread.
type Manager struct {
	params Params
	clock  Clock

	mu         sync.Mutex
	streams    []*streamproc.StreamProcessor
	syncSource *streamproc.StreamProcessor
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}

	callback PeriodCallback

	Stats Stats
}

// New creates a Manager bound to the given tick clock.
func New(clock Clock, params Params) *Manager {
	return &Manager{clock: clock, params: params}
}

// RegisterStream adds a stream processor (§4.H, §6 register_stream).
// Valid only while stopped.
func (m *Manager) RegisterStream(sp *streamproc.StreamProcessor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrWrongState
	}

	m.streams = append(m.streams, sp)

	return nil
}

// UnregisterStream removes a previously registered stream processor.
// Valid only while stopped.
func (m *Manager) UnregisterStream(sp *streamproc.StreamProcessor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrWrongState
	}

	for i, s := range m.streams {
		if s == sp {
			m.streams = append(m.streams[:i], m.streams[i+1:]...)
			return nil
		}
	}

	return errors.New("spmanager: stream processor not registered")
}

// nominateSyncSourceLocked picks the first transmit SP, falling back to the
// first receive SP (§4.H: "by default the first transmit SP; if none,
// the first receive SP"). Must be called with m.mu held.
func (m *Manager) nominateSyncSourceLocked() *streamproc.StreamProcessor {
	for _, s := range m.streams {
		if s.Direction() == isotransport.Transmit {
			return s
		}
	}

	for _, s := range m.streams {
		if s.Direction() == isotransport.Receive {
			return s
		}
	}

	return nil
}

// Start nominates the sync source and launches the period scheduler
// goroutine (§4.H, §5: "exactly three long-lived core threads ...
// (c) period scheduler").
func (m *Manager) Start(callback PeriodCallback) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrWrongState
	}

	sync := m.nominateSyncSourceLocked()
	if sync == nil {
		m.mu.Unlock()
		return ErrNoSyncSource
	}

	m.syncSource = sync
	m.callback = callback
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run()

	return nil
}

// Stop signals the period scheduler to exit and waits for it.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// XRunCount and PeriodCount read the free-running counters without
// copying the Stats struct, since its fields are atomics (go vet
// flags copying a struct containing an atomic.Uint64 by value).
func (m *Manager) XRunCount() uint64   { return m.Stats.XRuns.Load() }
func (m *Manager) PeriodCount() uint64 { return m.Stats.Period.Load() }

func (m *Manager) syncDelay() tick.Tick {
	if m.params.SyncDelay != 0 {
		return m.params.SyncDelay
	}

	return m.syncSource.GetSyncDelay()
}

func (m *Manager) run() {
	defer close(m.doneCh)

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		headTS, _ := m.syncSource.BufferHeadTimestamp()
		wakeupAt := tick.Add(headTS, int64(m.syncDelay()))

		if !sleepUntilOrStop(m.clock, wakeupAt, m.stopCh) {
			return
		}

		if !m.verifyTransfer() {
			m.Stats.XRuns.Add(1)
			continue
		}

		m.Stats.Period.Add(1)
		if m.callback != nil {
			m.callback()
		}
	}
}

// verifyTransfer polls can_transfer across every registered SP until
// all of them are ready or the transfer timeout elapses (§4.H step 3,
// §7 buffer xrun).
func (m *Manager) verifyTransfer() bool {
	m.mu.Lock()
	streams := append([]*streamproc.StreamProcessor(nil), m.streams...)
	m.mu.Unlock()

	n := m.params.PeriodFrames
	deadline := time.Now().Add(m.params.TransferTimeout)

	for {
		ready := true
		for _, s := range streams {
			if s.Direction() == isotransport.Transmit {
				if !s.CanConsumePeriod(n) {
					ready = false
					break
				}
			} else if !s.CanProducePeriod(n) {
				ready = false
				break
			}
		}

		if ready {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(time.Millisecond)
	}
}

// sleepUntilOrStop blocks until clock reaches target or stop closes,
// re-checking stop at least every 50ms so shutdown never waits for a
// full, possibly very long, period (§5 cancellation).
func sleepUntilOrStop(clock Clock, target tick.Tick, stop <-chan struct{}) bool {
	const maxSlice = 50 * time.Millisecond

	for {
		now := clock.NowTicks()
		remaining := tick.Diff(target, now)
		if remaining <= 0 {
			return true
		}

		wait := ticksToDuration(remaining)
		if wait > maxSlice {
			wait = maxSlice
		}

		select {
		case <-stop:
			return false
		case <-time.After(wait):
		}
	}
}

func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * time.Second / time.Duration(tick.TicksPerSecond)
}
