// Package streamproc implements the AMDTP StreamProcessor (§3, §4.G):
// the component that multiplexes a timestamped ring buffer of
// already-encoded wire frames into outgoing iso packets, or
// demultiplexes incoming packets into that buffer, and exposes the
// client-facing per-port transfer API
// (get_frames/put_frames/drop_frames/put_silence_frames/shift_stream)
// on top of it. It implements isohandler.Client so it can be
// registered directly on an isohandler.Handler.
package streamproc

import (
	"errors"
	"sync"
	"time"

	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/tick"
	"github.com/ffado/isoengine/internal/tsbuffer"
)

// State is a position in the §4.G state machine.
type State int

const (
	Created State = iota
	Stopped
	WaitingForStream
	DryRunning
	WaitingForStreamEnable
	Running
	WaitingForStreamDisable
	Error
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Stopped:
		return "stopped"
	case WaitingForStream:
		return "waiting-for-stream"
	case DryRunning:
		return "dry-running"
	case WaitingForStreamEnable:
		return "waiting-for-stream-enable"
	case Running:
		return "running"
	case WaitingForStreamDisable:
		return "waiting-for-stream-disable"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ErrWrongState is returned when a lifecycle or scheduling method is
// called out of order.
var ErrWrongState = errors.New("streamproc: incorrect state for this operation")

// ErrTimeout is returned by StartDryRunning/StartRunning/StopDryRunning/
// StopRunning when the scheduled transition doesn't land before the
// deadline (§5 wait_for_state, §7 state-machine timeout).
var ErrTimeout = errors.New("streamproc: timed out waiting for scheduled state transition")

// Params are the §6 per-SP tunables.
type Params struct {
	Rate           amdtp.Rate
	PeriodFrames   int
	CapacityFrames int // ring buffer depth; a handful of periods

	DLLBandwidthHz float64

	Window amdtp.TransferWindow // transmit only

	SID uint8 // local node ID the header's sid field carries (transmit)

	WaitTimeout time.Duration // default wait_for_state timeout
}

// DefaultParams returns the §6 documented effective defaults.
func DefaultParams(rate amdtp.Rate) Params {
	return Params{
		Rate:           rate,
		PeriodFrames:   512,
		CapacityFrames: 512 * 4,
		DLLBandwidthHz: 0.1,
		Window:         amdtp.DefaultTransferWindow(),
		WaitTimeout:    time.Second,
	}
}

type pendingTransition struct {
	armed  bool
	target State
	at     tick.Tick
}

// StreamProcessor is one AMDTP receive or transmit stream, bound to a
// single isohandler.Handler via the isohandler.Client interface.
type StreamProcessor struct {
	dir     isotransport.Direction
	channel uint8
	params  Params

	sytInterval uint32
	fdf         byte

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	pending pendingTransition

	ports      []*amdtp.Port
	layout     amdtp.AudioLayout
	midiPorts  []*amdtp.Port
	eventSize  int
	dbc        uint8 // transmit rolling data block count

	buffer *tsbuffer.Buffer

	lastCycle  int32
	syncDelay  tick.Tick

	Stats Stats
}

// Stats are the free-running counters a period scheduler or operator
// tool reads back (EXT-8).
type Stats struct {
	mu            sync.Mutex
	InvalidHeader uint64
	XRuns         uint64
	PacketsIn     uint64
	PacketsOut    uint64
}

func (s *Stats) bumpInvalid()  { s.mu.Lock(); s.InvalidHeader++; s.mu.Unlock() }
func (s *Stats) bumpXRun()     { s.mu.Lock(); s.XRuns++; s.mu.Unlock() }
func (s *Stats) bumpIn()       { s.mu.Lock(); s.PacketsIn++; s.mu.Unlock() }
func (s *Stats) bumpOut()      { s.mu.Lock(); s.PacketsOut++; s.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{InvalidHeader: s.InvalidHeader, XRuns: s.XRuns, PacketsIn: s.PacketsIn, PacketsOut: s.PacketsOut}
}

// New creates a StreamProcessor in the Created state for the given
// direction and channel.
func New(dir isotransport.Direction, channel uint8, params Params) *StreamProcessor {
	sp := &StreamProcessor{
		dir:       dir,
		channel:   channel,
		params:    params,
		state:     Created,
		lastCycle: -1,
	}
	sp.cond = sync.NewCond(&sp.mu)

	return sp
}

// AddPort registers a port with this processor; valid only before
// Prepare (§3 Port lifecycle).
func (sp *StreamProcessor) AddPort(p *amdtp.Port) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.state != Created {
		return ErrWrongState
	}

	sp.ports = append(sp.ports, p)

	return nil
}

// Prepare computes the port layout, allocates the ring buffer, and
// transitions Created->Stopped (§4.G prepareChild, §4.E buffer
// allocation).
func (sp *StreamProcessor) Prepare() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.state != Created {
		return ErrWrongState
	}

	fdf, ok := amdtp.FDF(sp.params.Rate)
	if !ok {
		return errors.New("streamproc: unsupported rate")
	}
	sp.fdf = fdf
	sp.sytInterval = amdtp.SYTInterval(sp.params.Rate)

	sp.layout = amdtp.NewAudioLayout(sp.ports)
	for _, p := range sp.ports {
		if !p.IsPeriodScoped() && p.Kind == amdtp.KindMIDI {
			sp.midiPorts = append(sp.midiPorts, p)
		}
		p.Init()
		p.Prepare()
	}

	sp.eventSize = int(sp.layout.DBS()) * 4
	if sp.eventSize == 0 {
		sp.eventSize = 4 // at least room for an empty data block
	}

	nominalRate := float64(sp.params.Rate) / float64(tick.TicksPerSecond)
	sp.buffer = tsbuffer.New(sp.eventSize, sp.params.CapacityFrames, nominalRate, sp.params.DLLBandwidthHz)

	sp.syncDelay = tick.Tick(float64(sp.sytInterval) * 2 * (1 / nominalRate))

	sp.state = Stopped

	return nil
}

// Ports returns the period-scoped (audio) ports registered on this
// processor, in layout order, for a client to size and bind its own
// buffers against (§6 Client API: "Ports are discovered by iterating
// the SPs and their enabled ports").
func (sp *StreamProcessor) Ports() []*amdtp.Port {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	ports := sp.layout.Ports()
	out := make([]*amdtp.Port, len(ports))
	copy(out, ports)

	return out
}

// Channel implements isohandler.Client.
func (sp *StreamProcessor) Channel() uint8 { return sp.channel }

// Direction reports whether this is a receive or transmit SP, used by
// the stream processor manager to nominate a sync source and to pick
// the right can_transfer direction per SP (§4.H).
func (sp *StreamProcessor) Direction() isotransport.Direction { return sp.dir }

// CanProducePacket implements isohandler.Client for a receive SP: ready
// to take another packet whenever it has left Created/Error.
func (sp *StreamProcessor) CanProducePacket() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.state != Created && sp.state != Error
}

// CanConsumePacket implements isohandler.Client for a transmit SP: the
// mirror of CanProducePacket.
func (sp *StreamProcessor) CanConsumePacket() bool {
	return sp.CanProducePacket()
}

// HandlerDied implements isohandler.Client: a bus reset or fatal
// transport error moves the SP straight to Error (§7 fatal transport
// error).
func (sp *StreamProcessor) HandlerDied() {
	sp.mu.Lock()
	sp.state = Error
	sp.pending.armed = false
	sp.cond.Broadcast()
	sp.mu.Unlock()
}

// State returns the current lifecycle state.
func (sp *StreamProcessor) State() State {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.state
}

// GetSyncDelay returns the additive sync delay (§4.H) used by the
// period scheduler to compute its wakeup instant when this SP is the
// sync source.
func (sp *StreamProcessor) GetSyncDelay() tick.Tick {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.syncDelay
}

// updateStateLocked advances a scheduled transition once now has reached it
// (§4.G: "the SP consults now on each iterate tick"). Must be called
// with sp.mu held.
func (sp *StreamProcessor) updateStateLocked(now tick.Tick) {
	if !sp.pending.armed {
		return
	}

	if tick.Diff(sp.pending.at, now) > 0 {
		return
	}

	sp.state = sp.pending.target
	sp.pending.armed = false
	sp.cond.Broadcast()
}

func (sp *StreamProcessor) scheduleLocked(from []State, target State, at tick.Tick, setNow State) error {
	ok := false
	for _, f := range from {
		if sp.state == f {
			ok = true
			break
		}
	}
	if !ok {
		return ErrWrongState
	}

	sp.state = setNow
	sp.pending = pendingTransition{armed: true, target: target, at: at}

	return nil
}

// ScheduleStartDryRunning arms a Stopped->DryRunning transition at the
// given absolute tick, immediately entering WaitingForStream.
func (sp *StreamProcessor) ScheduleStartDryRunning(at tick.Tick) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.scheduleLocked([]State{Stopped}, DryRunning, at, WaitingForStream)
}

// ScheduleStartRunning arms a ->Running transition at the given
// absolute tick, immediately entering WaitingForStreamEnable.
func (sp *StreamProcessor) ScheduleStartRunning(at tick.Tick) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.scheduleLocked([]State{DryRunning}, Running, at, WaitingForStreamEnable)
}

// ScheduleStopRunning arms a ->Stopped transition at the given
// absolute tick, immediately entering WaitingForStreamDisable.
func (sp *StreamProcessor) ScheduleStopRunning(at tick.Tick) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.scheduleLocked([]State{Running}, Stopped, at, WaitingForStreamDisable)
}

// ScheduleStopDryRunning arms a DryRunning->Stopped transition at the
// given absolute tick; dry running has no separate disable substate.
func (sp *StreamProcessor) ScheduleStopDryRunning(at tick.Tick) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.scheduleLocked([]State{DryRunning}, Stopped, at, DryRunning)
}

// WaitForState blocks until the SP reports target or timeout elapses
// (§5 wait_for_state). Returns ErrTimeout on expiry.
func (sp *StreamProcessor) WaitForState(target State, timeout time.Duration) error {
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		close(done)
		sp.mu.Lock()
		sp.cond.Broadcast()
		sp.mu.Unlock()
	})
	defer timer.Stop()

	sp.mu.Lock()
	defer sp.mu.Unlock()

	for sp.state != target && sp.state != Error {
		select {
		case <-done:
			return ErrTimeout
		default:
		}
		sp.cond.Wait()
	}

	if sp.state == Error && target != Error {
		return ErrTimeout
	}

	return nil
}

func (sp *StreamProcessor) waitTimeout() time.Duration {
	if sp.params.WaitTimeout <= 0 {
		return time.Second
	}
	return sp.params.WaitTimeout
}

// StartDryRunning schedules and waits for the Stopped->DryRunning
// transition.
func (sp *StreamProcessor) StartDryRunning(at tick.Tick) error {
	if err := sp.ScheduleStartDryRunning(at); err != nil {
		return err
	}
	return sp.WaitForState(DryRunning, sp.waitTimeout())
}

// StartRunning schedules and waits for the ->Running transition.
func (sp *StreamProcessor) StartRunning(at tick.Tick) error {
	if err := sp.ScheduleStartRunning(at); err != nil {
		return err
	}
	return sp.WaitForState(Running, sp.waitTimeout())
}

// StopRunning schedules and waits for the Running->Stopped transition.
func (sp *StreamProcessor) StopRunning(at tick.Tick) error {
	if err := sp.ScheduleStopRunning(at); err != nil {
		return err
	}
	return sp.WaitForState(Stopped, sp.waitTimeout())
}

// StopDryRunning schedules and waits for the DryRunning->Stopped
// transition.
func (sp *StreamProcessor) StopDryRunning(at tick.Tick) error {
	if err := sp.ScheduleStopDryRunning(at); err != nil {
		return err
	}
	return sp.WaitForState(Stopped, sp.waitTimeout())
}
