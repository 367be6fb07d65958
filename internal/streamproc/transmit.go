package streamproc

import (
	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/tick"
)

// GetPacket implements isohandler.Client for the transmit direction
// (§4.C getPacket, §4.F transmit packet generation policy, §4.G
// per-iteration contract). now is the handler's last Iterate snapshot
// (a real cycle-timer read, unlike pktCTR which carries no seconds
// field on this side — see isohandler.Client's doc comment) and is
// what every tick-level window decision below is taken against.
func (sp *StreamProcessor) GetPacket(pktCTR, now tick.CTR, dropped int32, skipped uint32, maxPacketSize int) ([]byte, uint8, uint8, isotransport.Disposition) {
	sp.mu.Lock()
	sp.updateStateLocked(now.ToTicks())
	state := sp.state

	var data []byte
	switch state {
	case DryRunning, WaitingForStreamEnable:
		data = sp.silentPacketLocked()

	case Running, WaitingForStreamDisable:
		data = sp.runningPacketLocked(now)

	default: // Stopped, WaitingForStream, Error
		data = sp.noDataPacketLocked()
	}
	sp.mu.Unlock()

	sp.Stats.bumpOut()

	if len(data) > maxPacketSize {
		data = data[:maxPacketSize]
	}

	return data, 1, 0, isotransport.OK
}

// noDataPacketLocked builds a header-only packet with SYT=NoData; dbc
// does not advance (§4.F "no-data packet"). sp.mu must be held.
func (sp *StreamProcessor) noDataPacketLocked() []byte {
	h := amdtp.CIPHeader{
		SID: sp.params.SID,
		DBS: sp.layout.DBS(),
		DBC: sp.dbc,
		FMT: amdtp.FMT,
		FDF: sp.fdf,
		SYT: tick.NoData,
	}

	buf := make([]byte, 8)
	h.Encode(buf)

	return buf
}

// silentPacketLocked builds a header plus sytInterval muted frames,
// advancing dbc by sytInterval: used while dry running or waiting for
// the exact enable cycle, so downstream devices see a continuous,
// correctly time-stamped (if mute) stream. sp.mu must be held.
func (sp *StreamProcessor) silentPacketLocked() []byte {
	n := int(sp.sytInterval)

	payload := sp.layout.EncodeDataBlocks(n, func(*amdtp.Port, int) uint32 {
		return amdtp.MutedAudioQuadlet()
	})

	ts, _ := sp.buffer.GetTailTS()
	h := amdtp.CIPHeader{
		SID: sp.params.SID,
		DBS: sp.layout.DBS(),
		DBC: sp.dbc,
		FMT: amdtp.FMT,
		FDF: sp.fdf,
		SYT: tick.ToSYT(ts),
	}
	sp.dbc += uint8(n)

	buf := make([]byte, 8+len(payload))
	h.Encode(buf)
	copy(buf[8:], payload)

	return buf
}

// runningPacketLocked applies the §4.F transfer window decision against
// the buffer's head timestamp and either sends real data, a no-data
// marker, or falls back to a silent packet on underrun (reported as an
// xrun, §7). sp.mu must be held.
func (sp *StreamProcessor) runningPacketLocked(now tick.CTR) []byte {
	presentTick, fc := sp.buffer.GetHeadTS()

	switch sp.params.Window.Decide(presentTick, fc, sp.sytInterval, now) {
	case amdtp.Underrun:
		sp.Stats.bumpXRun()
		return sp.silentPacketLocked()

	case amdtp.SendNoData:
		return sp.noDataPacketLocked()

	default: // SendData
		n := int(sp.sytInterval)
		payload := make([]byte, n*sp.eventSize)
		if err := sp.buffer.ReadFrames(n, payload); err != nil {
			sp.Stats.bumpXRun()
			return sp.silentPacketLocked()
		}

		h := amdtp.CIPHeader{
			SID: sp.params.SID,
			DBS: sp.layout.DBS(),
			DBC: sp.dbc,
			FMT: amdtp.FMT,
			FDF: sp.fdf,
			SYT: tick.ToSYT(presentTick),
		}
		sp.dbc += uint8(n)

		buf := make([]byte, 8+len(payload))
		h.Encode(buf)
		copy(buf[8:], payload)

		return buf
	}
}
