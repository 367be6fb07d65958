// Package isohandler implements the IsoHandler state machine (§3
// IsoHandler, §4.C): it owns one open isotransport.Handle and turns
// each transport packet callback into a dropped-cycle-annotated
// delivery to a single registered client stream processor.
package isohandler

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/tick"
)

// State is a position in the Created→Initialized→Prepared→Running→Error
// lifecycle (§3 IsoHandler).
type State int

const (
	Created State = iota
	Initialized
	Prepared
	Running
	Error
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initialized:
		return "initialized"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ErrWrongState is returned when a lifecycle method is called out of
// order.
var ErrWrongState = errors.New("isohandler: incorrect state for this operation")

// ErrClientAlreadyRegistered enforces the single-client constraint (§3:
// "Generic IsoHandlers can have only one client").
var ErrClientAlreadyRegistered = errors.New("isohandler: a client is already registered")

// ErrNoSuchClient is returned by UnregisterStream when the given
// client isn't the one currently registered.
var ErrNoSuchClient = errors.New("isohandler: client not registered on this handler")

// Client is the single collaborator an IsoHandler delivers packets to
// (a stream processor). PutPacket/GetPacket mirror the transport
// callback shapes but receive an already-reconstructed packet CTR
// instead of a raw cycle number.
type Client interface {
	Channel() uint8

	// CanProducePacket/CanConsumePacket answer CanIterateClient for the
	// receive/transmit directions respectively.
	CanProducePacket() bool
	CanConsumePacket() bool

	PutPacket(data []byte, channel, tag, sy uint8, pktCTR tick.CTR, droppedCycles int32, skipped uint32) isotransport.Disposition

	// GetPacket is asked to fill a transmit packet. pktCTR is the
	// packet's own assembled CTR (seconds field not reconstructed for
	// transmit, matching the original's getPacket — see DESIGN.md);
	// now is the handler's last Iterate snapshot, with a correct
	// seconds field, and is what transmit packet-generation window
	// decisions must compare against.
	GetPacket(pktCTR, now tick.CTR, droppedCycles int32, skipped uint32, maxPacketSize int) (data []byte, tag, sy uint8, disposition isotransport.Disposition)

	// HandlerDied notifies the client that its handler has entered the
	// Error state (bus reset, I/O failure).
	HandlerDied()
}

// Stats are free-running counters kept for every handler regardless of
// build mode (EXT-8: these are the production observability surface
// the original gates behind a debug build).
type Stats struct {
	Packets  atomic.Uint64
	Dropped  atomic.Uint64
	MinAhead atomic.Int64
}

// Handler drives one open isotransport.Handle through its lifecycle
// and fans its packets to a single registered Client (§3 IsoHandler).
type Handler struct {
	dir    isotransport.Direction
	handle isotransport.Handle

	bufPackets    int
	maxPacketSize int
	irqInterval   int
	speed         isotransport.Speed
	prebuffers    int

	mu      sync.Mutex
	state   State
	client  Client
	lastCycle int32 // -1 means "no packet seen yet"
	lastNow   tick.CTR

	// dontExitIterateLoop is the one-shot "keep iterating" flag (§4.C):
	// true means an OK from the client is passed straight through,
	// false means the next OK is converted to Defer and the flag reset
	// to true. RequestIterateLoopExit arms it.
	dontExitIterateLoop bool

	onBusReset func()

	Stats Stats
}

// New creates a Handler in the Created state over an already-opened
// transport handle.
func New(dir isotransport.Direction, handle isotransport.Handle) *Handler {
	h := &Handler{
		dir:                 dir,
		handle:              handle,
		bufPackets:          400,
		maxPacketSize:       1024,
		irqInterval:         -1,
		speed:               isotransport.Speed(2), // S400
		lastCycle:           -1,
		dontExitIterateLoop: true,
	}
	h.Stats.MinAhead.Store(7999)

	return h
}

// Type returns the handler's iso direction.
func (h *Handler) Type() isotransport.Direction { return h.dir }

// IsEnabled reports whether the handler is in the Running state, the
// condition the handler manager uses to decide whether a handler
// belongs in its poll shadow map (§4.D).
func (h *Handler) IsEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state == Running
}

// FD returns the transport handle's pollable descriptor, or -1 if the
// backend has none (§4.B).
func (h *Handler) FD() int { return h.handle.FD() }

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// SetOnBusReset installs the callback invoked when HandleBusReset runs;
// the handler manager uses this to schedule a shadow-map rebuild (§4.D).
func (h *Handler) SetOnBusReset(fn func()) { h.onBusReset = fn }

// Configure sets the buffer/packet tunables consulted by Prepare.
// Valid only in the Created or Initialized state.
func (h *Handler) Configure(bufPackets, maxPacketSize, irqInterval int, speed isotransport.Speed, prebuffers int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Created && h.state != Initialized {
		return ErrWrongState
	}

	h.bufPackets = bufPackets
	h.maxPacketSize = maxPacketSize
	h.irqInterval = irqInterval
	h.speed = speed
	h.prebuffers = prebuffers

	return nil
}

// Init transitions Created→Initialized.
func (h *Handler) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Created {
		return ErrWrongState
	}

	h.state = Initialized

	return nil
}

// RegisterStream attaches the single client this handler delivers
// packets to (§3: one client at a time).
func (h *Handler) RegisterStream(c Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return ErrClientAlreadyRegistered
	}

	h.client = c

	return nil
}

// UnregisterStream detaches c, failing if it isn't the registered
// client.
func (h *Handler) UnregisterStream(c Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != c {
		return ErrNoSuchClient
	}

	h.client = nil

	return nil
}

// Prepare binds the transport callbacks and transitions
// Initialized→Prepared.
func (h *Handler) Prepare() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Initialized {
		return ErrWrongState
	}

	if h.client == nil {
		return errors.New("isohandler: cannot prepare without a registered client")
	}

	var err error
	if h.dir == isotransport.Receive {
		err = h.handle.RecvInit(h.handleRecv, h.bufPackets, h.maxPacketSize, h.client.Channel(), isotransport.BufferFill, h.irqInterval)
	} else {
		err = h.handle.XmitInit(h.handleXmit, h.bufPackets, h.maxPacketSize, h.client.Channel(), h.speed, h.irqInterval)
	}
	if err != nil {
		return err
	}

	h.state = Prepared

	return nil
}

// Enable starts iso traffic at the given cycle (-1 lets the transport
// pick one) and transitions Prepared→Running. If the handler is still
// Initialized, it prepares first (mirrors the original's lazy-prepare
// convenience on enable).
func (h *Handler) Enable(startCycle int) error {
	h.mu.Lock()
	if h.state == Initialized {
		h.mu.Unlock()
		if err := h.Prepare(); err != nil {
			return err
		}
		h.mu.Lock()
	}
	if h.state != Prepared {
		h.mu.Unlock()
		return ErrWrongState
	}
	h.mu.Unlock()

	if err := h.handle.Start(startCycle, h.prebuffers); err != nil {
		return err
	}

	h.mu.Lock()
	h.state = Running
	h.Stats.MinAhead.Store(7999)
	h.mu.Unlock()

	return nil
}

// Disable stops iso traffic and transitions Running→Prepared. Calling
// Disable while already Prepared is a no-op success, matching the
// original's idempotent disable.
func (h *Handler) Disable() error {
	h.mu.Lock()
	if h.state == Prepared {
		h.mu.Unlock()
		return nil
	}
	if h.state != Running {
		h.mu.Unlock()
		return ErrWrongState
	}
	h.mu.Unlock()

	if err := h.handle.Stop(); err != nil {
		return err
	}

	h.mu.Lock()
	h.state = Prepared
	h.mu.Unlock()

	return nil
}

// Flush synchronously drains the kernel receive queue; a no-op for
// transmit handlers (§4.C).
func (h *Handler) Flush() error {
	if h.dir != isotransport.Receive {
		return nil
	}

	return h.handle.Flush()
}

// CanIterateClient reports whether the registered client is ready to
// take part in another iteration (§3 canIterateClient).
func (h *Handler) CanIterateClient() bool {
	h.mu.Lock()
	c := h.client
	dir := h.dir
	h.mu.Unlock()

	if c == nil {
		return false
	}

	if dir == isotransport.Receive {
		return c.CanProducePacket()
	}

	return c.CanConsumePacket()
}

// Iterate snapshots the current cycle timer as "now" and runs one
// batch of transport I/O, which invokes handleRecv/handleXmit inline
// (§4.C). It is only valid while Running.
func (h *Handler) Iterate() error {
	h.mu.Lock()
	if h.state != Running {
		h.mu.Unlock()
		return ErrWrongState
	}
	h.mu.Unlock()

	now, _, err := h.handle.ReadCycleTimer()
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.lastNow = now
	h.mu.Unlock()

	return h.handle.Iterate()
}

// RequestIterateLoopExit arms the one-shot flag that converts the next
// OK disposition from the client into Defer, so the surrounding
// transport iterate loop returns control after this packet (§4.C).
func (h *Handler) RequestIterateLoopExit() {
	h.mu.Lock()
	h.dontExitIterateLoop = false
	h.mu.Unlock()
}

// AllowIterateLoop resets the flag RequestIterateLoopExit set.
func (h *Handler) AllowIterateLoop() {
	h.mu.Lock()
	h.dontExitIterateLoop = true
	h.mu.Unlock()
}

// GetLastCycle returns the most recently seen packet cycle, or -1 if
// none has been seen yet.
func (h *Handler) GetLastCycle() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lastCycle
}

// GetLastIterateTime returns the CTR snapshot taken at the start of the
// most recent Iterate call.
func (h *Handler) GetLastIterateTime() tick.CTR {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lastNow
}

// HandleBusReset notifies the client that the handler has died,
// disables the handler, and asks the handler manager (via the
// onBusReset hook) to rebuild its shadow map (§4.D).
func (h *Handler) HandleBusReset() {
	h.mu.Lock()
	c := h.client
	h.state = Error
	h.mu.Unlock()

	if c != nil {
		c.HandlerDied()
	}

	_ = h.handle.Stop()

	if h.onBusReset != nil {
		h.onBusReset()
	}
}

// applyExitPolicy implements the one-shot DEFER conversion shared by
// handleRecv and handleXmit: an OK from the client is passed through
// unless a loop exit was requested, in which case this one OK becomes
// a Defer and the request is consumed.
func (h *Handler) applyExitPolicy(retval isotransport.Disposition) isotransport.Disposition {
	if retval != isotransport.OK {
		return retval
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dontExitIterateLoop {
		return isotransport.OK
	}

	h.dontExitIterateLoop = true

	return isotransport.Defer
}

// handleRecv is bound to the transport as the RecvCallback; it
// reconstructs the packet's full CTR from the cycle number and the
// "now" snapshot taken by Iterate, tracks dropped cycles, and forwards
// to the client (§4.C putPacket).
func (h *Handler) handleRecv(data []byte, channel, tag, sy uint8, cycle int, skipped uint32) isotransport.Disposition {
	h.mu.Lock()
	pktCTR := tick.AssembleRecvCTR(h.lastNow, uint32(cycle))

	var dropped int32
	if h.lastCycle != int32(cycle) && h.lastCycle != -1 {
		dropped = tick.DiffCycles(int32(cycle), h.lastCycle) - 1
	}
	h.lastCycle = int32(cycle)
	c := h.client
	h.mu.Unlock()

	h.Stats.Packets.Add(1)
	if dropped > 0 {
		h.Stats.Dropped.Add(uint64(dropped))
	}

	if c == nil {
		return isotransport.OK
	}

	retval := c.PutPacket(data, channel, tag, sy, pktCTR, dropped, skipped)

	return h.applyExitPolicy(retval)
}

// invalidXmitCTR marks a transmit packet whose cycle the transport
// could not align (§4.C getPacket, cycle<0 case).
const invalidXmitCTR = tick.CTR(0xFFFFFFFF)

// handleXmit is bound to the transport as the XmitCallback; it mirrors
// handleRecv for the transmit direction, correcting the dropped-cycle
// count for cycles the transport itself reports as merely skipped
// rather than lost (§4.C getPacket).
func (h *Handler) handleXmit(data []byte, cycle int, skipped uint32) (int, uint8, uint8, isotransport.Disposition) {
	h.mu.Lock()
	var pktCTR tick.CTR
	if cycle < 0 {
		pktCTR = invalidXmitCTR
	} else {
		pktCTR = tick.NewCTR(0, uint32(cycle), 0)
	}

	var dropped int32
	if cycle >= 0 && h.lastCycle != int32(cycle) && h.lastCycle != -1 {
		dropped = tick.DiffCycles(int32(cycle), h.lastCycle) - 1 - int32(skipped)
	}
	if cycle >= 0 {
		h.lastCycle = int32(cycle)
	}
	c := h.client
	maxSize := h.maxPacketSize
	now := h.lastNow
	h.mu.Unlock()

	h.Stats.Packets.Add(1)
	if dropped > 0 {
		h.Stats.Dropped.Add(uint64(dropped))
	}

	if c == nil {
		return 0, 0, 0, isotransport.OK
	}

	payload, tag, sy, retval := c.GetPacket(pktCTR, now, dropped, skipped, maxSize)
	retval = h.applyExitPolicy(retval)

	n := copy(data, payload)

	return n, tag, sy, retval
}
