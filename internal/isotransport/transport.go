// Package isotransport defines the abstract iso transport ABI the
// engine core consumes (§4.B) — the boundary between this module and
// whatever platform-specific kernel/library binding actually talks to
// 1394 hardware (libraw1394-equivalent) — plus a synthetic in-memory
// implementation used by tests and demos in place of real hardware.
package isotransport

import "github.com/ffado/isoengine/internal/tick"

// Direction is a handler's iso direction (§3 IsoHandler attributes).
type Direction int

const (
	Receive Direction = iota
	Transmit
)

func (d Direction) String() string {
	if d == Receive {
		return "receive"
	}

	return "transmit"
}

// Mode selects how a receive handler delivers data to its callback
// (§4.B).
type Mode int

const (
	PacketPerBuffer Mode = iota
	BufferFill
)

// Speed is the 1394 transmit speed code (S100/S200/.../S3200); the
// transport only needs to thread it through to the kernel, the engine
// never interprets it.
type Speed int

// Disposition is the three-way outcome a packet callback can request
// from the transport's iterate loop (§4.B, EXT-8): continue (OK), stop
// iterating this batch (Defer), or retry the same packet later
// (Again).
type Disposition int

const (
	OK Disposition = iota
	Defer
	Again
)

func (d Disposition) String() string {
	switch d {
	case OK:
		return "OK"
	case Defer:
		return "DEFER"
	case Again:
		return "AGAIN"
	default:
		return "unknown"
	}
}

// RecvCallback is invoked once per received packet. cycle is the
// packet's full 0..7999 bus cycle; dropped is the transport's own
// count of packets it skipped before this one.
type RecvCallback func(data []byte, channel, tag, sy uint8, cycle int, dropped uint32) Disposition

// XmitCallback is asked to fill data for the given cycle; a negative
// cycle means the transport could not align a cycle for this packet
// (§4.C transmit invalid-cycle case). It returns the number of bytes
// written, the tag/sy to put in the packet header, and a disposition.
type XmitCallback func(data []byte, cycle int, dropped uint32) (n int, tag, sy uint8, disposition Disposition)

// Handle is one open iso channel, receive or transmit (§4.B).
type Handle interface {
	Close() error

	RecvInit(cb RecvCallback, nPackets, maxPacketSize int, channel uint8, mode Mode, irqInterval int) error
	XmitInit(cb XmitCallback, nPackets, maxPacketSize int, channel uint8, speed Speed, irqInterval int) error

	Start(startCycle int, prebuffers int) error
	Stop() error

	// Iterate processes one batch of packets; registered callbacks run
	// inline before Iterate returns.
	Iterate() error

	// FD returns a descriptor pollable for POLLIN, or -1 if this
	// backend has no such descriptor (e.g. the synthetic transport,
	// which is driven directly instead of polled).
	FD() int

	// ReadCycleTimer reads the 1394 cycle timer CSR and a host-side
	// microsecond timestamp taken at the same instant (§4.A).
	ReadCycleTimer() (tick.CTR, uint64, error)

	// Wake causes an in-progress Iterate to return promptly (§4.D
	// cancellation).
	Wake()

	// Flush synchronously drains the kernel receive queue (§4.C,
	// receive only); a no-op for transmit handles.
	Flush() error
}

// Transport opens Handles bound to a physical or virtual 1394 port.
type Transport interface {
	Open(port string) (Handle, error)
}
