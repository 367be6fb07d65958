package streamproc

import (
	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/tick"
	"github.com/ffado/isoengine/internal/tsbuffer"
)

// CanProducePeriod reports whether a capture SP's buffer holds at
// least nFrames, i.e. a period transfer can read from it (§4.G).
func (sp *StreamProcessor) CanProducePeriod(nFrames int) bool {
	return sp.buffer.Fill() >= nFrames
}

// CanConsumePeriod reports whether a playback SP's buffer has room for
// at least nFrames (§4.G).
func (sp *StreamProcessor) CanConsumePeriod(nFrames int) bool {
	return sp.buffer.FreeSpace() >= nFrames
}

// GetFrames copies nFrames from the SP buffer into each registered
// port's client-facing Buffer (capture direction, §4.G get_frames). It
// returns the presentation timestamp of the first frame copied.
func (sp *StreamProcessor) GetFrames(nFrames int) (tick.Tick, error) {
	ts, _ := sp.buffer.GetHeadTS()

	raw := make([]byte, nFrames*sp.eventSize)
	if err := sp.buffer.ReadFrames(nFrames, raw); err != nil {
		return ts, err
	}

	sp.layout.DecodeDataBlocks(raw, nFrames, func(p *amdtp.Port, frame int, quadlet uint32) {
		if frame < len(p.Buffer) {
			p.Buffer[frame] = amdtp.DecodeEventFor(p, quadlet)
		}
	})

	return ts, nil
}

// PutFrames encodes nFrames from each registered port's client-facing
// Buffer into the SP buffer at tail timestamp ts, the presentation
// instant those frames should leave the device at (playback direction,
// §4.G put_frames).
func (sp *StreamProcessor) PutFrames(nFrames int, ts tick.Tick) error {
	raw := sp.layout.EncodeDataBlocks(nFrames, func(p *amdtp.Port, frame int) uint32 {
		if frame < len(p.Buffer) {
			return amdtp.EncodeEventFor(p, p.Buffer[frame], false)
		}
		return amdtp.MutedAudioQuadlet()
	})

	return sp.buffer.WriteFrames(nFrames, raw, ts)
}

// DropFrames discards nFrames from the SP buffer without handing them
// to the client, used for alignment (§4.G drop_frames).
func (sp *StreamProcessor) DropFrames(nFrames int) error {
	return sp.buffer.DropFrames(nFrames)
}

// PutSilenceFrames writes nFrames of muted data into the SP buffer at
// tail timestamp ts, used to prime a playback SP before the client has
// real data ready (§4.G put_silence_frames).
func (sp *StreamProcessor) PutSilenceFrames(nFrames int, ts tick.Tick) error {
	raw := sp.layout.EncodeDataBlocks(nFrames, func(*amdtp.Port, int) uint32 {
		return amdtp.MutedAudioQuadlet()
	})

	return sp.buffer.WriteFrames(nFrames, raw, ts)
}

// ShiftStream realigns this SP's buffer by nframes relative to its
// current position, used to resync a slave SP to the chosen sync
// source (§4.G shift_stream). A positive shift drops frames from the
// head; a negative shift is not recoverable without re-buffering and
// returns an error.
func (sp *StreamProcessor) ShiftStream(nframes int) error {
	if nframes < 0 {
		return tsbuffer.ErrUnderflow
	}
	if nframes == 0 {
		return nil
	}

	return sp.buffer.DropFrames(nframes)
}

// BufferHeadTimestamp returns the SP buffer's head timestamp and fill
// level, used by the manager to nominate and poll the sync source.
func (sp *StreamProcessor) BufferHeadTimestamp() (tick.Tick, int) {
	return sp.buffer.GetHeadTS()
}

// Flush tries to sink/fill the SP buffer as far as possible without
// blocking (§4.G flush): for a capture SP this drops everything
// buffered; for a playback SP this tops it up with silence.
func (sp *StreamProcessor) Flush() {
	if sp.dir.String() == "receive" {
		_ = sp.buffer.DropFrames(sp.buffer.Fill())
		return
	}

	ts, _ := sp.buffer.GetTailTS()
	_ = sp.PutSilenceFrames(sp.buffer.FreeSpace(), ts)
}
