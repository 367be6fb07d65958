// Package clientaudio implements the client side of the §6 Client
// API against a real sound card: it opens a portaudio duplex stream
// and, on every portaudio callback, copies samples between the
// card's interleaved float32 buffers and the registered stream
// processors' Ports. This is the concrete "host audio server that
// wakes every N frames" collaborator named in §1; tests elsewhere use
// the synthetic transport directly and never import this package.
package clientaudio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/streamproc"
)

// Binding owns a duplex portaudio stream and the registered stream
// processors it feeds on every callback.
type Binding struct {
	stream       *portaudio.Stream
	periodFrames int

	capture  []*streamproc.StreamProcessor // receive direction: FireWire -> speakers
	playback []*streamproc.StreamProcessor // transmit direction: microphone -> FireWire

	in  []float32
	out []float32

	xruns uint64
}

// Open opens the default portaudio duplex device at sampleRate and
// periodFrames granularity. streams is every SP the binding should
// service each callback; its direction determines whether it's fed
// from the capture side or drained to the playback side.
func Open(sampleRate float64, periodFrames int, streams []*streamproc.StreamProcessor) (*Binding, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("clientaudio: portaudio init: %w", err)
	}

	b := &Binding{periodFrames: periodFrames}
	for _, sp := range streams {
		switch sp.Direction() {
		case isotransport.Receive:
			b.capture = append(b.capture, sp)
		case isotransport.Transmit:
			b.playback = append(b.playback, sp)
		}
	}

	channels := b.totalChannels()
	b.in = make([]float32, periodFrames*channels)
	b.out = make([]float32, periodFrames*channels)

	stream, err := portaudio.OpenDefaultStream(channels, channels, sampleRate, periodFrames, b.callback)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("clientaudio: open stream: %w", err)
	}
	b.stream = stream

	return b, nil
}

func (b *Binding) totalChannels() int {
	n := 0
	for _, sp := range b.capture {
		n += len(sp.Ports())
	}
	for _, sp := range b.playback {
		if c := len(sp.Ports()); c > n {
			n = c
		}
	}
	if n == 0 {
		n = 2
	}
	return n
}

// Start begins streaming; portaudio calls b.callback from its own
// real-time thread at period granularity from here on.
func (b *Binding) Start() error {
	return b.stream.Start()
}

// Stop halts streaming and releases the portaudio device.
func (b *Binding) Stop() error {
	if err := b.stream.Stop(); err != nil {
		return err
	}
	if err := b.stream.Close(); err != nil {
		return err
	}
	portaudio.Terminate()
	return nil
}

// XRuns reports how many callbacks found a stream processor not
// ready to transfer (§7 buffer xrun, client-side half).
func (b *Binding) XRuns() uint64 {
	return b.xruns
}

// callback runs on portaudio's real-time audio thread: wait_period
// has already happened implicitly (portaudio only calls this when it
// needs the next period), so this is the §6 transfer() step.
func (b *Binding) callback(in, out []float32) {
	n := len(out) / max1(b.channelsOut())
	if n > b.periodFrames {
		n = b.periodFrames
	}

	base := 0
	for _, sp := range b.capture {
		off := base
		base += len(sp.Ports())

		if !sp.CanProducePeriod(n) {
			b.xruns++
			continue
		}

		if _, err := sp.GetFrames(n); err != nil {
			b.xruns++
			continue
		}

		deinterleaveReceive(sp, out[min(off, len(out)):], n, b.channelsOut())
	}

	for _, sp := range b.playback {
		if !sp.CanConsumePeriod(n) {
			b.xruns++
			continue
		}

		interleaveTransmit(sp, in, n)

		if err := sp.PutFrames(n, 0); err != nil {
			b.xruns++
		}
	}
}

func (b *Binding) channelsOut() int {
	n := 0
	for _, sp := range b.capture {
		n += len(sp.Ports())
	}
	if n == 0 {
		return 1
	}
	return n
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// deinterleaveReceive copies a receive SP's decoded port buffers into
// their slice of the portaudio interleaved output buffer.
func deinterleaveReceive(sp *streamproc.StreamProcessor, out []float32, n, channels int) {
	ports := sp.Ports()
	for ci, p := range ports {
		for f := 0; f < n && f < len(p.Buffer); f++ {
			idx := f*channels + ci
			if idx < len(out) {
				out[idx] = float32(p.Buffer[f])
			}
		}
	}
}

// interleaveTransmit copies the portaudio interleaved input buffer
// into a transmit SP's port buffers, ready for PutFrames to encode.
func interleaveTransmit(sp *streamproc.StreamProcessor, in []float32, n int) {
	ports := sp.Ports()
	channels := len(ports)
	if channels == 0 {
		return
	}

	for ci, p := range ports {
		if len(p.Buffer) < n {
			p.Buffer = make([]float64, n)
		}
		for f := 0; f < n; f++ {
			idx := f*channels + ci
			if idx < len(in) {
				p.Buffer[f] = float64(in[idx])
			}
		}
	}
}
