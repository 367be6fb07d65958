package streamproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/isohandler"
	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/tick"
)

func newTestSP(t *testing.T, dir isotransport.Direction, nPorts int) *StreamProcessor {
	t.Helper()

	params := DefaultParams(amdtp.Rate48000)
	sp := New(dir, 0, params)

	for i := 0; i < nPorts; i++ {
		require.NoError(t, sp.AddPort(&amdtp.Port{
			Name:      "audio",
			Direction: amdtp.Capture,
			Kind:      amdtp.KindAudio,
			DataType:  amdtp.Float,
			Position:  i,
			Buffer:    make([]float64, params.PeriodFrames),
		}))
	}

	require.NoError(t, sp.Prepare())

	return sp
}

func TestStreamProcessorLifecycleScheduling(t *testing.T) {
	sp := newTestSP(t, isotransport.Transmit, 2)
	assert.Equal(t, Stopped, sp.State())

	assert.ErrorIs(t, sp.ScheduleStartRunning(tick.Tick(100)), ErrWrongState)

	require.NoError(t, sp.ScheduleStartDryRunning(tick.Tick(100)))
	assert.Equal(t, WaitingForStream, sp.State())

	sp.mu.Lock()
	sp.updateStateLocked(tick.Tick(50))
	sp.mu.Unlock()
	assert.Equal(t, WaitingForStream, sp.State(), "transition not due yet")

	sp.mu.Lock()
	sp.updateStateLocked(tick.Tick(100))
	sp.mu.Unlock()
	assert.Equal(t, DryRunning, sp.State())

	require.NoError(t, sp.ScheduleStartRunning(tick.Tick(200)))
	assert.Equal(t, WaitingForStreamEnable, sp.State())

	sp.mu.Lock()
	sp.updateStateLocked(tick.Tick(200))
	sp.mu.Unlock()
	assert.Equal(t, Running, sp.State())
}

func TestStreamProcessorWaitForStateTimesOut(t *testing.T) {
	sp := newTestSP(t, isotransport.Transmit, 1)
	sp.params.WaitTimeout = 30 * time.Millisecond

	require.NoError(t, sp.ScheduleStartDryRunning(tick.Tick(1_000_000_000)))
	err := sp.WaitForState(DryRunning, sp.params.WaitTimeout)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStreamProcessorHandlerDiedMovesToError(t *testing.T) {
	sp := newTestSP(t, isotransport.Receive, 1)
	sp.HandlerDied()
	assert.Equal(t, Error, sp.State())
	assert.False(t, sp.CanProducePacket())
}

func TestStreamProcessorPutFramesGetFramesRoundTrip(t *testing.T) {
	sp := newTestSP(t, isotransport.Transmit, 2)

	in0 := &amdtp.Port{Name: "ch0"}
	in1 := &amdtp.Port{Name: "ch1"}
	_ = in0
	_ = in1

	n := 16
	sp.ports[0].Buffer = make([]float64, n)
	sp.ports[1].Buffer = make([]float64, n)
	for i := 0; i < n; i++ {
		sp.ports[0].Buffer[i] = float64(i) / 100
		sp.ports[1].Buffer[i] = -float64(i) / 100
	}

	require.NoError(t, sp.PutFrames(n, tick.Tick(0)))

	out0 := make([]float64, n)
	out1 := make([]float64, n)
	sp.ports[0].Buffer = out0
	sp.ports[1].Buffer = out1

	_, err := sp.GetFrames(n)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		assert.InDelta(t, float64(i)/100, out0[i], 1e-4)
		assert.InDelta(t, -float64(i)/100, out1[i], 1e-4)
	}
}

func TestStreamProcessorRunsOverIsoHandlerLoopback(t *testing.T) {
	transport := isotransport.NewSyntheticTransport()

	xmitHandle, err := transport.Open("synthetic0")
	require.NoError(t, err)
	recvHandle, err := transport.Open("synthetic0")
	require.NoError(t, err)

	xsp := newTestSP(t, isotransport.Transmit, 2)
	rsp := newTestSP(t, isotransport.Receive, 2)

	require.NoError(t, xsp.ScheduleStartDryRunning(tick.Tick(0)))
	xsp.mu.Lock()
	xsp.updateStateLocked(tick.Tick(0))
	xsp.mu.Unlock()
	require.NoError(t, xsp.ScheduleStartRunning(tick.Tick(0)))
	xsp.mu.Lock()
	xsp.updateStateLocked(tick.Tick(0))
	xsp.mu.Unlock()
	require.Equal(t, Running, xsp.State())

	require.NoError(t, rsp.ScheduleStartDryRunning(tick.Tick(0)))

	xh := isohandler.New(isotransport.Transmit, xmitHandle)
	require.NoError(t, xh.Init())
	require.NoError(t, xh.RegisterStream(xsp))
	require.NoError(t, xh.Prepare())
	require.NoError(t, xh.Enable(-1))

	rh := isohandler.New(isotransport.Receive, recvHandle)
	require.NoError(t, rh.Init())
	require.NoError(t, rh.RegisterStream(rsp))
	require.NoError(t, rh.Prepare())
	require.NoError(t, rh.Enable(-1))

	for i := 0; i < 200; i++ {
		require.NoError(t, xh.Iterate())
		require.NoError(t, rh.Iterate())
	}

	assert.Greater(t, rsp.Stats.Snapshot().PacketsIn, uint64(0))
}
