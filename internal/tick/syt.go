package tick

// SYT is the 16-bit CIP timestamp field: the low 4 bits of a target
// cycle number packed with a 12-bit cycle offset (syt = cycles<<12 |
// offset). It identifies a presentation instant without saying which
// 128-second "era" or even which of the 500 possible 16-cycle blocks
// within the current second it falls in; reconstructing a full Tick
// requires a nearby reference CTR ("now").
type SYT uint16

// NoData marks a CIP no-data packet (§4.F); it is never a valid
// timestamp.
const NoData SYT = 0xFFFF

func (s SYT) cycleLow4() uint32 { return uint32(s>>12) & 0xF }
func (s SYT) offset() uint32    { return uint32(s) & (offsetMod - 1) }

// assembleCycle reconstructs the first full 0..7999 cycle number at or
// after refCycle (at most 15 cycles later) whose low 4 bits equal the
// SYT's cycle nibble, plus a
// seconds delta (0 or 1) to apply when that reconstruction pushes the
// cycle past the second boundary. refCycle is expected to be the
// reception (or last known) cycle that the SYT's block is anchored to.
func (s SYT) assembleCycle(refCycle uint32) (cycle uint32, secondsDelta int32) {
	block := refCycle >> 4
	refLow4 := refCycle & 0xF
	sytLow4 := s.cycleLow4()

	if sytLow4 < refLow4 {
		block++
	}

	total := block<<4 | sytLow4
	if total >= CyclesPerSecond {
		total -= CyclesPerSecond
		secondsDelta = 1
	}

	return total, secondsDelta
}

// RecvToFull reconstructs a full tick timestamp from a receive-side
// SYT, the cycle the packet carrying it was received on, and the
// current CTR ("now"). Only a one-second era mismatch is corrected: a
// result more than half a second after now is moved back one second.
// A smaller lead over now is returned unchanged, so the result is not
// guaranteed to be <= now (§4.A, §8 property 3).
func RecvToFull(syt SYT, recvCycle uint32, now CTR) Tick {
	return reconstruct(syt, recvCycle, now, false)
}

// XmitToFull reconstructs a full tick timestamp from a transmit-side
// SYT, the cycle it is being scheduled against, and the current CTR
// ("now"). Only a one-second era mismatch is corrected: a result more
// than half a second before now is moved forward one second. A smaller
// lag behind now is returned unchanged, so the result is not
// guaranteed to be >= now.
func XmitToFull(syt SYT, xmitCycle uint32, now CTR) Tick {
	return reconstruct(syt, xmitCycle, now, true)
}

// ToSYT is the packet-generation inverse of RecvToFull/XmitToFull: given
// a full presentation tick, it extracts the 16-bit field a transmitted
// packet carries for it (cycle low 4 bits, 12-bit offset). The caller
// is responsible for tracking which 16-cycle block that nibble refers
// to; ToSYT only encodes the bits the wire format has room for.
func ToSYT(t Tick) SYT {
	ctr := ToCTR(t)
	return SYT((ctr.Cycles()&0xF)<<12 | ctr.Offset())
}

func reconstruct(syt SYT, refCycle uint32, now CTR, xmit bool) Tick {
	cycle, secondsDelta := syt.assembleCycle(refCycle)
	seconds := (now.Seconds() + uint32(secondsDelta)) % secondsMod

	ticks := Tick(uint64(seconds)*TicksPerSecond + uint64(cycle)*TicksPerCycle + uint64(syt.offset()))

	// The block/low4 assembly above only ever disagrees with "now" by a
	// handful of cycles of scheduling jitter in the common case; that's
	// expected and not a causality violation worth correcting (receive
	// SYTs legitimately land a few cycles either side of a "now" read
	// taken after a batch of packets was processed). A full one-second
	// era mismatch shows up as roughly TicksPerSecond of disagreement,
	// far outside that jitter band — only that case gets corrected.
	const eraMismatchThreshold = int64(TicksPerSecond / 2)

	nowTicks := now.ToTicks()
	d := Diff(ticks, nowTicks)

	if !xmit && d > eraMismatchThreshold {
		ticks = Tick((uint64(ticks) + WrapTicks - TicksPerSecond) % WrapTicks)
	} else if xmit && d < -eraMismatchThreshold {
		ticks = Tick((uint64(ticks) + TicksPerSecond) % WrapTicks)
	}

	return ticks
}
