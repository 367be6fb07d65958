package tsbuffer

import (
	"math"

	"github.com/ffado/isoengine/internal/tick"
)

// maxRateError is the §4.E tolerance band: the DLL-estimated
// ticks/frame may drift at most 2% from the nominal value before the
// stream is declared unrecoverably glitched.
const maxRateError = 0.02

// DLL is a second-order digital locked loop that smooths a
// frames/tick rate estimate from a sequence of (timestamp, frame
// count) observations (§4.E).
type DLL struct {
	nominalTicksPerFrame float64
	ticksPerFrame        float64 // T
	omega                float64 // 2*pi*bandwidth
	zeta                 float64

	predicted tick.Tick
	primed    bool
}

// zetaDefault is the classic critically-damped-ish DLL damping factor
// (1/sqrt(2)) used throughout audio DLL implementations (JACK, ALSA's
// adaptive resampling, etc.) absent a spec-given value.
const zetaDefault = 0.7071067811865476

// NewDLL seeds a DLL at nominalRate frames/tick with the given
// bandwidth in Hz (§6: receive_dll_bw_hz ~0.1, transmit_dll_bw_hz
// configurable).
func NewDLL(nominalRate, bandwidthHz float64) DLL {
	tpf := 1 / nominalRate

	return DLL{
		nominalTicksPerFrame: tpf,
		ticksPerFrame:        tpf,
		omega:                2 * math.Pi * bandwidthHz,
		zeta:                 zetaDefault,
	}
}

// Rate returns the current frames/tick estimate (inverse of T).
func (d DLL) Rate() float64 {
	if d.ticksPerFrame <= 0 {
		return 0
	}

	return 1 / d.ticksPerFrame
}

// Update feeds one (tsTail, n) observation into the loop and returns
// the refined ticks/frame estimate. The very first call just primes
// the predictor with the observed timestamp (there is no error to
// correct against yet).
func (d *DLL) Update(tsTail tick.Tick, n int) (float64, error) {
	if !d.primed {
		d.predicted = tsTail
		d.primed = true

		return d.ticksPerFrame, nil
	}

	errTicks := float64(tick.Diff(tsTail, d.predicted))

	nextPredicted := float64(tsTail) + float64(n)*d.ticksPerFrame + 2*d.zeta*d.omega*errTicks
	d.ticksPerFrame += d.omega * d.omega * errTicks / float64(n)

	lo := d.nominalTicksPerFrame * (1 - maxRateError)
	hi := d.nominalTicksPerFrame * (1 + maxRateError)

	if d.ticksPerFrame < lo || d.ticksPerFrame > hi {
		d.ticksPerFrame = clamp(d.ticksPerFrame, lo, hi)

		return d.ticksPerFrame, ErrUnrecoverableRate
	}

	d.predicted = tick.Tick(nextPredicted)

	return d.ticksPerFrame, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
