package streamproc

import (
	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/tick"
)

// PutPacket implements isohandler.Client for the receive direction
// (§4.C putPacket, §4.F packet reception policy, §4.G per-iteration
// contract). pktCTR carries the packet's reconstructed seconds field
// from the handler's last Iterate snapshot and the packet's own cycle
// and is used directly as the "now" reference for SYT reconstruction:
// its cycle is the packet's own cycle, which is exactly the refCycle
// sytRecvToFullTicks expects, and its seconds field is as fresh as the
// handler's last cycle-timer read.
func (sp *StreamProcessor) PutPacket(data []byte, channel, tag, sy uint8, pktCTR tick.CTR, dropped int32, skipped uint32) isotransport.Disposition {
	sp.mu.Lock()
	sp.updateStateLocked(pktCTR.ToTicks())
	state := sp.state
	sp.mu.Unlock()

	sp.Stats.bumpIn()

	header, err := amdtp.ParseCIPHeader(data)
	if err != nil || !amdtp.IsValidDataPacket(tag, header, len(data)) {
		sp.Stats.bumpInvalid()
		return isotransport.OK
	}

	recvCycle := pktCTR.Cycles()
	full := tick.RecvToFull(header.SYT, recvCycle, pktCTR)

	payload := data[8:]
	nEvents := 0
	if header.DBS > 0 {
		nEvents = (len(payload) / 4) / int(header.DBS)
	}

	switch state {
	case WaitingForStream:
		sp.mu.Lock()
		sp.state = DryRunning
		sp.pending.armed = false
		sp.cond.Broadcast()
		sp.mu.Unlock()

	case DryRunning:
		// header decoded above for timestamp tracking only; payload
		// discarded while dry running (§4.G).

	case Running:
		if err := sp.buffer.WriteFrames(nEvents, payload, full); err != nil {
			sp.Stats.bumpXRun()
			return isotransport.OK
		}
		sp.decodePacketPorts(payload, nEvents, int(header.DBS), header.DBC)

	default:
		// Stopped, WaitingForStreamEnable (never entered on receive),
		// WaitingForStreamDisable, Error: ignore.
	}

	return isotransport.OK
}

// decodePacketPorts extracts MIDI bytes from their packet-scoped time
// slots, located via the DataBlockCount (§4.F, §4.G port encoding).
// dbs is the packet's own header.DBS, the wire's authoritative quadlet
// width per data block, not the local audio-only layout width: a
// remote transmitter may interleave MIDI slots the local AudioLayout
// never allocated.
func (sp *StreamProcessor) decodePacketPorts(payload []byte, nEvents, dbs int, dbc uint8) {
	if len(sp.midiPorts) == 0 || dbs == 0 {
		return
	}

	for _, p := range sp.midiPorts {
		for frame := amdtp.MIDISlot(dbc, p.Location); frame < nEvents; frame += 8 {
			off := frame*dbs*4 + p.Position*4
			if off+4 > len(payload) {
				continue
			}

			quadlet := uint32(payload[off])<<24 | uint32(payload[off+1])<<16 | uint32(payload[off+2])<<8 | uint32(payload[off+3])
			if b, ok := amdtp.IsMIDIByte(quadlet); ok && frame < len(p.Buffer) {
				p.Buffer[frame] = float64(b)
			}
		}
	}
}
