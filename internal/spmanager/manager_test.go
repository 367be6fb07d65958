package spmanager

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/streamproc"
	"github.com/ffado/isoengine/internal/tick"
)

type wallClock struct{ epoch time.Time }

func newWallClock() wallClock { return wallClock{epoch: time.Now()} }

func (w wallClock) NowTicks() tick.Tick {
	return tick.Tick(time.Since(w.epoch).Seconds() * float64(tick.TicksPerSecond))
}

func newBareSP(t *testing.T, dir isotransport.Direction) *streamproc.StreamProcessor {
	t.Helper()

	sp := streamproc.New(dir, 0, streamproc.DefaultParams(amdtp.Rate48000))
	require.NoError(t, sp.Prepare())

	return sp
}

func TestManagerNominatesFirstTransmitAsSyncSource(t *testing.T) {
	m := New(newWallClock(), DefaultParams())

	rsp := newBareSP(t, isotransport.Receive)
	xsp := newBareSP(t, isotransport.Transmit)

	require.NoError(t, m.RegisterStream(rsp))
	require.NoError(t, m.RegisterStream(xsp))

	params := DefaultParams()
	params.PeriodFrames = 0
	m.params = params

	done := make(chan struct{})
	var closeOnce int32
	cb := func() {
		if atomic.CompareAndSwapInt32(&closeOnce, 0, 1) {
			close(done)
		}
	}

	require.NoError(t, m.Start(cb))
	<-done
	m.Stop()

	assert.Same(t, xsp, m.syncSource)
	assert.GreaterOrEqual(t, m.Stats.Period.Load(), uint64(1))
}

func TestManagerStartFailsWithoutRegisteredStream(t *testing.T) {
	m := New(newWallClock(), DefaultParams())
	assert.ErrorIs(t, m.Start(func() {}), ErrNoSyncSource)
}

func TestManagerStartRejectsDoubleStart(t *testing.T) {
	m := New(newWallClock(), DefaultParams())
	require.NoError(t, m.RegisterStream(newBareSP(t, isotransport.Transmit)))

	params := DefaultParams()
	params.PeriodFrames = 0
	m.params = params

	require.NoError(t, m.Start(func() {}))
	defer m.Stop()

	assert.ErrorIs(t, m.Start(func() {}), ErrWrongState)
}

func TestManagerRegisterStreamRejectedWhileRunning(t *testing.T) {
	m := New(newWallClock(), DefaultParams())
	require.NoError(t, m.RegisterStream(newBareSP(t, isotransport.Transmit)))

	params := DefaultParams()
	params.PeriodFrames = 0
	m.params = params

	require.NoError(t, m.Start(func() {}))
	defer m.Stop()

	assert.ErrorIs(t, m.RegisterStream(newBareSP(t, isotransport.Receive)), ErrWrongState)
}
