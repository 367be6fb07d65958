// Package tick implements the cycle-clock arithmetic at the base of the
// streaming engine: conversion between the 1394 bus cycle timer (a
// wrapping {seconds, cycles, offset} composite) and a monotonic tick
// timeline, plus the wrap-safe differencing that every other component
// builds on.
package tick

import "fmt"

// Tick is a monotonic counter in units of 1/24576000 s (8000 cycles/s *
// 3072 ticks/cycle). All timestamps in the engine live in this unit.
type Tick uint64

const (
	// CyclesPerSecond is the 1394 bus cycle rate.
	CyclesPerSecond = 8000
	// TicksPerCycle is the tick resolution within one bus cycle.
	TicksPerCycle = 3072
	// TicksPerSecond is the tick rate: 8000 * 3072.
	TicksPerSecond = CyclesPerSecond * TicksPerCycle

	// secondsBits is the width of the CTR seconds field; it wraps at 128.
	secondsBits = 7
	secondsMod  = 1 << secondsBits // 128

	cyclesBits = 13
	cyclesMod  = 1 << cyclesBits // 8192, though only 0..7999 are valid

	offsetBits = 12
	offsetMod  = 1 << offsetBits // 4096, though only 0..3071 are valid

	// WrapTicks is the tick value at which the composite CTR wraps:
	// 128 seconds worth of ticks.
	WrapTicks = uint64(secondsMod) * TicksPerSecond
)

// CTR is the 32-bit composite cycle timer register: {seconds:7,
// cycles:13, offset:12}, as read from the 1394 CSR at 0xFFFFF0000200.
type CTR uint32

// NewCTR packs a {seconds, cycles, offset} triple into a CTR. Inputs
// are masked to their field widths; callers that need strict validation
// should check ranges themselves (seconds<128, cycles<8000, offset<3072).
func NewCTR(seconds, cycles, offset uint32) CTR {
	return CTR((seconds&(secondsMod-1))<<25 | (cycles&(cyclesMod-1))<<12 | (offset & (offsetMod - 1)))
}

// Seconds returns the 7-bit seconds field.
func (c CTR) Seconds() uint32 { return uint32(c>>25) & (secondsMod - 1) }

// Cycles returns the 13-bit cycles field (0..8191, only 0..7999 valid on
// the wire).
func (c CTR) Cycles() uint32 { return uint32(c>>12) & (cyclesMod - 1) }

// Offset returns the 12-bit offset field (0..4095, only 0..3071 valid).
func (c CTR) Offset() uint32 { return uint32(c) & (offsetMod - 1) }

func (c CTR) String() string {
	return fmt.Sprintf("CTR{s=%d c=%d o=%d}", c.Seconds(), c.Cycles(), c.Offset())
}

// ToTicks converts a CTR snapshot to the tick timeline. The result is
// only meaningful modulo WrapTicks; it does not carry absolute epoch
// information across 128-second wraps on its own — callers reconstruct
// continuity via Diff/DiffCycles against a known-recent reference.
func (c CTR) ToTicks() Tick {
	return Tick(uint64(c.Seconds())*TicksPerSecond + uint64(c.Cycles())*TicksPerCycle + uint64(c.Offset()))
}

// ToCTR converts a tick value back to its CTR representation. Ticks
// outside [0, WrapTicks) are reduced modulo WrapTicks first, matching
// the wrap behaviour of the hardware register itself.
func ToCTR(t Tick) CTR {
	v := uint64(t) % WrapTicks
	seconds := uint32(v / TicksPerSecond)
	rem := v % TicksPerSecond
	cycles := uint32(rem / TicksPerCycle)
	offset := uint32(rem % TicksPerCycle)

	return NewCTR(seconds, cycles, offset)
}

// Diff returns a ticks-b, interpreted as a signed value within a ±64 s
// window (half of the 128 s wrap period). This is the wrap-safe
// subtraction every timestamp comparison in the engine must use instead
// of naive arithmetic.
func Diff(a, b Tick) int64 {
	const half = int64(WrapTicks / 2)

	d := int64(uint64(a)-uint64(b)) % int64(WrapTicks)
	if d > half {
		d -= int64(WrapTicks)
	} else if d < -half {
		d += int64(WrapTicks)
	}

	return d
}

// Add advances a tick value by a signed delta, staying within the
// unsigned 64-bit tick representation. Negative deltas larger than t
// wrap as expected for uint64 arithmetic; callers that need modulo-wrap
// semantics reduce with ToCTR/ToTicks as needed.
func Add(t Tick, delta int64) Tick {
	return Tick(int64(t) + delta)
}

// AssembleRecvCTR reconstructs a full packet CTR from a bare 13-bit
// cycle number (as carried in an iso packet header) and a nearby "now"
// CTR snapshot, for the receive direction (§4.C putPacket). Causality
// means "now" is always at or after the packet's cycle; if now's cycle
// field reads lower than the packet's, the packet belongs to the
// second before now's, so the seconds field is decremented (wrapping
// 0->127). The offset field is left zero: a bare cycle number carries
// no sub-cycle information.
func AssembleRecvCTR(now CTR, cycle uint32) CTR {
	secs := now.Seconds()
	if now.Cycles() < cycle {
		if secs == 0 {
			secs = secondsMod - 1
		} else {
			secs--
		}
	}

	return NewCTR(secs, cycle, 0)
}

// DiffCycles returns the signed cycle distance a-b, wrap-aware at the
// 8000-cycle second boundary, in the range ±4000 cycles (half a
// second). Used to compare 13-bit cycle counters (0..7999) taken from
// packet headers against a reference "now" cycle without needing the
// full CTR.
func DiffCycles(a, b int32) int32 {
	const cyclesPerWrap = int32(CyclesPerSecond)
	const half = cyclesPerWrap / 2

	d := (a - b) % cyclesPerWrap
	if d > half {
		d -= cyclesPerWrap
	} else if d < -half {
		d += cyclesPerWrap
	}

	return d
}
