// Package tsbuffer implements the timestamped ring buffer at the heart
// of every stream processor (§4.E / §3 TimestampedBuffer): a
// single-producer/single-consumer ring of frames, each implicitly
// timestamped by a head/tail tick counter that advances by
// ticks_per_frame per frame, refined by a digital locked loop (DLL).
package tsbuffer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ffado/isoengine/internal/tick"
)

// ErrOverflow is returned by WriteFrames when there isn't enough free
// space; the caller treats this as a buffer xrun (§7).
var ErrOverflow = errors.New("tsbuffer: write would overflow buffer")

// ErrUnderflow is returned by ReadFrames/DropFrames when there isn't
// enough filled data; the caller treats this as a buffer xrun (§7).
var ErrUnderflow = errors.New("tsbuffer: read would underflow buffer")

// ErrUnrecoverableRate is returned by the DLL update when the
// estimated rate has drifted outside the tolerated band (§4.E: ±2% of
// nominal) and the stream must be treated as unrecoverably glitched.
var ErrUnrecoverableRate = errors.New("tsbuffer: rate estimate outside tolerance, unrecoverable")

// Buffer is a fixed-capacity ring of eventSize-byte frames with
// timestamped head/tail, backed by a DLL-smoothed frames/tick rate.
//
// Concurrency: designed for exactly one writer goroutine and one
// reader goroutine (§5), matching the iso-thread/client-thread split.
// headFrames/tailFrames are atomics so fill-level queries from either
// side never need the data mutex; the data mutex only guards the byte
// storage and DLL state, which a single side at a time ever mutates
// (writer updates tail+DLL, reader updates head).
type Buffer struct {
	eventSize int
	capacity  int // frames

	mu   sync.Mutex
	data []byte

	headFrames atomic.Uint64 // total frames ever read
	tailFrames atomic.Uint64 // total frames ever written

	headTS atomic.Uint64 // tick.Tick of the oldest unread frame
	tailTS atomic.Uint64 // tick.Tick one frame past the newest written frame

	dll DLL
}

// New allocates a Buffer with the given per-event size (bytes) and
// capacity (frames), seeded with a DLL at nominalRate frames/tick and
// the given bandwidth (§4.E: ~0.1 Hz receive, configurable transmit).
func New(eventSize, capacityFrames int, nominalRate float64, bandwidthHz float64) *Buffer {
	b := &Buffer{
		eventSize: eventSize,
		capacity:  capacityFrames,
		data:      make([]byte, capacityFrames*eventSize),
		dll:       NewDLL(nominalRate, bandwidthHz),
	}

	return b
}

// Fill returns the number of frames currently buffered.
func (b *Buffer) Fill() int {
	return int(b.tailFrames.Load() - b.headFrames.Load())
}

// FreeSpace returns the number of frames that can still be written
// before the buffer is full.
func (b *Buffer) FreeSpace() int {
	return b.capacity - b.Fill()
}

// Rate returns the DLL's current frames/tick estimate.
func (b *Buffer) Rate() float64 {
	return b.dll.Rate()
}

// GetHeadTS returns the timestamp of the oldest unread frame and the
// current fill level.
func (b *Buffer) GetHeadTS() (tick.Tick, int) {
	return tick.Tick(b.headTS.Load()), b.Fill()
}

// GetTailTS returns the timestamp one frame past the newest written
// frame and the current fill level.
func (b *Buffer) GetTailTS() (tick.Tick, int) {
	return tick.Tick(b.tailTS.Load()), b.Fill()
}

// SetHeadTS sets the head timestamp directly, used at enable-time
// alignment (§4.E).
func (b *Buffer) SetHeadTS(ts tick.Tick) { b.headTS.Store(uint64(ts)) }

// SetTailTS sets the tail timestamp directly, used at enable-time
// alignment (§4.E).
func (b *Buffer) SetTailTS(ts tick.Tick) { b.tailTS.Store(uint64(ts)) }

// ticksPerFrame is 1/rate, the DLL's current period estimate.
func (b *Buffer) ticksPerFrame() float64 {
	r := b.dll.Rate()
	if r <= 0 {
		return 0
	}

	return 1 / r
}

func (b *Buffer) ringOffset(frameIndex uint64) int {
	return int(frameIndex%uint64(b.capacity)) * b.eventSize
}

// WriteFrames appends n frames from src (n*eventSize bytes) at the
// producer side, advances the tail timestamp by n*ticks_per_frame from
// tsTail, and feeds the DLL with (tsTail, n) to refine the rate
// estimate (§4.E). Returns ErrOverflow if there isn't room, and
// ErrUnrecoverableRate if the DLL update pushes the rate estimate
// outside its tolerance band.
func (b *Buffer) WriteFrames(n int, src []byte, tsTail tick.Tick) error {
	if n <= 0 {
		return nil
	}

	if n > b.FreeSpace() {
		return ErrOverflow
	}

	if len(src) < n*b.eventSize {
		return errors.New("tsbuffer: source shorter than n frames")
	}

	b.mu.Lock()
	start := b.tailFrames.Load()

	for i := 0; i < n; i++ {
		off := b.ringOffset(start + uint64(i))
		copy(b.data[off:off+b.eventSize], src[i*b.eventSize:(i+1)*b.eventSize])
	}

	tpf, err := b.dll.Update(tsTail, n)
	b.mu.Unlock()

	if err != nil {
		return err
	}

	if start == b.headFrames.Load() {
		b.headTS.Store(uint64(tsTail))
	}

	newTail := tick.Add(tsTail, int64(float64(n)*tpf))
	b.tailTS.Store(uint64(newTail))
	b.tailFrames.Add(uint64(n))

	return nil
}

// ReadFrames pops n frames from the head into dst and advances the
// head timestamp by n*ticks_per_frame.
func (b *Buffer) ReadFrames(n int, dst []byte) error {
	if n <= 0 {
		return nil
	}

	if n > b.Fill() {
		return ErrUnderflow
	}

	if len(dst) < n*b.eventSize {
		return errors.New("tsbuffer: destination shorter than n frames")
	}

	b.mu.Lock()
	start := b.headFrames.Load()

	for i := 0; i < n; i++ {
		off := b.ringOffset(start + uint64(i))
		copy(dst[i*b.eventSize:(i+1)*b.eventSize], b.data[off:off+b.eventSize])
	}
	b.mu.Unlock()

	b.advanceHead(n)

	return nil
}

// DropFrames discards n frames from the head without copying them out,
// used to realign a stream (§4.G shift_stream/drop_frames).
func (b *Buffer) DropFrames(n int) error {
	if n <= 0 {
		return nil
	}

	if n > b.Fill() {
		return ErrUnderflow
	}

	b.advanceHead(n)

	return nil
}

func (b *Buffer) advanceHead(n int) {
	cur := tick.Tick(b.headTS.Load())
	next := tick.Add(cur, int64(float64(n)*b.ticksPerFrame()))
	b.headTS.Store(uint64(next))
	b.headFrames.Add(uint64(n))
}
