package amdtp

import "github.com/ffado/isoengine/internal/tick"

// SendDecision is the outcome of the §4.F transmit packet generation
// policy for one outgoing cycle.
type SendDecision int

const (
	// SendData emits a data packet with a valid SYT.
	SendData SendDecision = iota
	// SendNoData emits a no-data packet (SYT=NoData); the presentation
	// instant is still too far in the future to commit to yet.
	SendNoData
	// Underrun reports an xrun: there isn't enough buffered data to
	// reach the next presentation instant in time.
	Underrun
)

// TransferWindow holds the tunables of the §4.F packet generation
// policy (§6 configuration): transfer_delay_cycles,
// min_cycles_before_presentation, max_cycles_to_transmit_early.
type TransferWindow struct {
	TransferDelayCycles     int32
	MinCyclesBeforePresent  int32
	MaxCyclesToTransmitEarly int32
}

// DefaultTransferWindow returns the §6 documented effective defaults.
func DefaultTransferWindow() TransferWindow {
	return TransferWindow{
		TransferDelayCycles:      9,
		MinCyclesBeforePresent:   1,
		MaxCyclesToTransmitEarly: 2,
	}
}

// Decide implements the §4.F transmit packet generation policy.
//
//   - presentTick is T: the head timestamp of the outgoing buffer,
//     the instant at which the first enqueued frame should be presented.
//   - fc is the number of frames currently buffered (fill count).
//   - sytInterval is the rate's SYT interval (§4.F table).
//   - now is the current CTR.
//
// cyclesUntil converts a tick delta to whole cycles via integer
// division, matching the "cycles_until(X)" notation in spec §4.F.
func (w TransferWindow) Decide(presentTick tick.Tick, fc int, sytInterval uint32, now tick.CTR) SendDecision {
	nowTicks := now.ToTicks()
	transmitAt := tick.Add(presentTick, -int64(w.TransferDelayCycles)*tick.TicksPerCycle)

	cyclesUntilPresent := cyclesUntil(presentTick, nowTicks)
	cyclesUntilTransmit := cyclesUntil(transmitAt, nowTicks)

	if int(fc) < int(sytInterval) && cyclesUntilPresent <= w.MinCyclesBeforePresent {
		return Underrun
	}

	if cyclesUntilTransmit < 0 && cyclesUntilPresent >= w.MinCyclesBeforePresent {
		// Late, but the presentation instant hasn't passed yet: still
		// presentable, so send now with SYT=T.
		return SendData
	}

	if cyclesUntilTransmit >= 0 && cyclesUntilTransmit <= w.MaxCyclesToTransmitEarly {
		return SendData
	}

	return SendNoData
}

func cyclesUntil(target, now tick.Tick) int32 {
	return int32(tick.Diff(target, now) / tick.TicksPerCycle)
}
