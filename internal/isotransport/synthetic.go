package isotransport

import (
	"fmt"
	"sync"

	"github.com/ffado/isoengine/internal/tick"
)

// Clock is a free-running virtual 1394 bus cycle timer shared by every
// handle opened against the same Bus, so that transmit and receive
// sides agree on "now" the way two nodes on a real 1394 bus do.
type Clock struct {
	mu    sync.Mutex
	ticks tick.Tick
}

// NewClock creates a clock starting at the given tick value.
func NewClock(start tick.Tick) *Clock { return &Clock{ticks: start} }

// Now returns the current time as a CTR.
func (c *Clock) Now() tick.CTR {
	c.mu.Lock()
	defer c.mu.Unlock()

	return tick.ToCTR(c.ticks)
}

// NowTicks returns the current time as a Tick.
func (c *Clock) NowTicks() tick.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ticks
}

// Advance moves the clock forward by n whole cycles, as happens once
// per Iterate call on either side of the loopback.
func (c *Clock) Advance(cycles int) {
	c.mu.Lock()
	c.ticks = tick.Add(c.ticks, int64(cycles)*tick.TicksPerCycle)
	c.mu.Unlock()
}

type wireFrame struct {
	data    []byte
	channel uint8
	tag     uint8
	sy      uint8
	cycle   int
}

// Bus is the synthetic in-memory "wire": a set of per-channel FIFOs
// that transmit handles push packets onto and receive handles drain,
// standing in for libraw1394's kernel-mediated packet delivery. It
// implements the S1 loopback scenario's "synthetic transport that
// mirrors packets" directly.
type Bus struct {
	Clock *Clock

	mu    sync.Mutex
	queue map[uint8][]wireFrame
}

// NewBus creates a synthetic bus with its own clock starting at 0.
func NewBus() *Bus {
	return &Bus{
		Clock: NewClock(0),
		queue: make(map[uint8][]wireFrame),
	}
}

func (b *Bus) push(f wireFrame) {
	b.mu.Lock()
	b.queue[f.channel] = append(b.queue[f.channel], f)
	b.mu.Unlock()
}

func (b *Bus) popAll(channel uint8) []wireFrame {
	b.mu.Lock()
	frames := b.queue[channel]
	b.queue[channel] = nil
	b.mu.Unlock()

	return frames
}

// SyntheticTransport opens Handles bound to a Bus; "port" is ignored
// (there is only one synthetic bus per Transport instance).
type SyntheticTransport struct {
	Bus *Bus
}

// NewSyntheticTransport creates a transport over a fresh Bus.
func NewSyntheticTransport() *SyntheticTransport {
	return &SyntheticTransport{Bus: NewBus()}
}

func (t *SyntheticTransport) Open(port string) (Handle, error) {
	return &syntheticHandle{bus: t.Bus, maxPacketSize: 512}, nil
}

type syntheticHandle struct {
	bus *Bus

	dir     Direction
	channel uint8
	maxPacketSize int

	recvCB RecvCallback
	xmitCB XmitCallback

	running bool
	woken   chan struct{}
}

func (h *syntheticHandle) Close() error { return nil }

func (h *syntheticHandle) RecvInit(cb RecvCallback, nPackets, maxPacketSize int, channel uint8, mode Mode, irqInterval int) error {
	h.dir = Receive
	h.recvCB = cb
	h.channel = channel
	h.maxPacketSize = maxPacketSize
	h.woken = make(chan struct{}, 1)

	return nil
}

func (h *syntheticHandle) XmitInit(cb XmitCallback, nPackets, maxPacketSize int, channel uint8, speed Speed, irqInterval int) error {
	h.dir = Transmit
	h.xmitCB = cb
	h.channel = channel
	h.maxPacketSize = maxPacketSize
	h.woken = make(chan struct{}, 1)

	return nil
}

func (h *syntheticHandle) Start(startCycle int, prebuffers int) error {
	h.running = true
	return nil
}

func (h *syntheticHandle) Stop() error {
	h.running = false
	return nil
}

// Iterate advances the shared bus clock by one cycle and either fills
// and pushes one packet (transmit) or drains and delivers every packet
// currently queued for this channel (receive).
func (h *syntheticHandle) Iterate() error {
	if !h.running {
		return fmt.Errorf("isotransport: iterate on non-running handle")
	}

	switch h.dir {
	case Transmit:
		return h.iterateXmit()
	case Receive:
		return h.iterateRecv()
	default:
		return fmt.Errorf("isotransport: handle has no direction configured")
	}
}

func (h *syntheticHandle) iterateXmit() error {
	now := h.bus.Clock.Now()
	cycle := int(now.Cycles())

	buf := make([]byte, h.maxPacketSize)
	n, tag, sy, disp := h.xmitCB(buf, cycle, 0)

	h.bus.Clock.Advance(1)

	if disp == Defer {
		return nil
	}

	if n > 0 {
		h.bus.push(wireFrame{data: buf[:n], channel: h.channel, tag: tag, sy: sy, cycle: cycle})
	}

	return nil
}

func (h *syntheticHandle) iterateRecv() error {
	frames := h.bus.popAll(h.channel)
	h.bus.Clock.Advance(1)

	for _, f := range frames {
		disp := h.recvCB(f.data, f.channel, f.tag, f.sy, f.cycle, 0)
		if disp == Defer {
			return nil
		}
	}

	return nil
}

func (h *syntheticHandle) FD() int { return -1 }

func (h *syntheticHandle) ReadCycleTimer() (tick.CTR, uint64, error) {
	now := h.bus.Clock.Now()
	return now, uint64(h.bus.Clock.NowTicks()) / (tick.TicksPerSecond / 1_000_000), nil
}

func (h *syntheticHandle) Wake() {
	select {
	case h.woken <- struct{}{}:
	default:
	}
}

func (h *syntheticHandle) Flush() error {
	if h.dir == Receive {
		h.bus.popAll(h.channel)
	}

	return nil
}
