package isohandler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/tick"
)

// fakeClient is a minimal Client that records every packet it's
// handed and can be told to request a one-shot loop exit.
type fakeClient struct {
	channel uint8

	canProduce bool
	canConsume bool

	recvCalls []recvCall
	xmitFrame []byte
	xmitCTR   tick.CTR

	died bool
}

type recvCall struct {
	pktCTR  tick.CTR
	dropped int32
	skipped uint32
}

func (c *fakeClient) Channel() uint8         { return c.channel }
func (c *fakeClient) CanProducePacket() bool { return c.canProduce }
func (c *fakeClient) CanConsumePacket() bool { return c.canConsume }

func (c *fakeClient) PutPacket(data []byte, channel, tag, sy uint8, pktCTR tick.CTR, dropped int32, skipped uint32) isotransport.Disposition {
	c.recvCalls = append(c.recvCalls, recvCall{pktCTR: pktCTR, dropped: dropped, skipped: skipped})
	return isotransport.OK
}

func (c *fakeClient) GetPacket(pktCTR, now tick.CTR, dropped int32, skipped uint32, maxPacketSize int) ([]byte, uint8, uint8, isotransport.Disposition) {
	c.xmitCTR = pktCTR
	return c.xmitFrame, 0, 0, isotransport.OK
}

func (c *fakeClient) HandlerDied() { c.died = true }

func newRunningReceiveHandler(t *testing.T, client *fakeClient) (*Handler, *isotransport.SyntheticTransport) {
	t.Helper()

	transport := isotransport.NewSyntheticTransport()
	handle, err := transport.Open("synthetic0")
	require.NoError(t, err)

	h := New(isotransport.Receive, handle)
	require.NoError(t, h.Init())
	require.NoError(t, h.RegisterStream(client))
	require.NoError(t, h.Prepare())
	require.NoError(t, h.Enable(-1))

	return h, transport
}

func TestHandlerLifecycleOrdering(t *testing.T) {
	transport := isotransport.NewSyntheticTransport()
	handle, err := transport.Open("synthetic0")
	require.NoError(t, err)

	h := New(isotransport.Transmit, handle)

	assert.Equal(t, Created, h.State())
	assert.ErrorIs(t, h.Prepare(), ErrWrongState)

	require.NoError(t, h.Init())
	assert.Equal(t, Initialized, h.State())
	assert.ErrorIs(t, h.Init(), ErrWrongState)

	require.Error(t, h.Prepare()) // no client registered yet

	client := &fakeClient{canConsume: true}
	require.NoError(t, h.RegisterStream(client))
	assert.ErrorIs(t, h.RegisterStream(client), ErrClientAlreadyRegistered)

	require.NoError(t, h.Prepare())
	assert.Equal(t, Prepared, h.State())

	require.NoError(t, h.Enable(-1))
	assert.Equal(t, Running, h.State())

	require.NoError(t, h.Disable())
	assert.Equal(t, Prepared, h.State())
	require.NoError(t, h.Disable()) // idempotent

	require.NoError(t, h.UnregisterStream(client))
	assert.ErrorIs(t, h.UnregisterStream(client), ErrNoSuchClient)
}

func TestHandlerReceiveTracksDroppedCycles(t *testing.T) {
	client := &fakeClient{canProduce: true}
	h, transport := newRunningReceiveHandler(t, client)

	// Deliver three packets straight to the receive callback at cycles 10, 11, 14,
	// simulating two lost cycles (12, 13) before cycle 14 arrives.
	push := func(cycle int) {
		transport.Bus.Clock.Advance(0) // no-op, keeps intent explicit
		_ = h.handleRecv([]byte{0xAA}, 0, 0, 0, cycle, 0)
	}

	push(10)
	push(11)
	push(14)

	require.Len(t, client.recvCalls, 3)
	assert.Equal(t, int32(0), client.recvCalls[0].dropped)
	assert.Equal(t, int32(0), client.recvCalls[1].dropped)
	assert.Equal(t, int32(2), client.recvCalls[2].dropped)

	assert.Equal(t, uint64(3), h.Stats.Packets.Load())
	assert.Equal(t, uint64(2), h.Stats.Dropped.Load())
	assert.Equal(t, int32(14), h.GetLastCycle())
}

func TestHandlerRequestIterateLoopExitConvertsOneOKToDefer(t *testing.T) {
	client := &fakeClient{canProduce: true}
	h, _ := newRunningReceiveHandler(t, client)

	disp := h.handleRecv([]byte{0x01}, 0, 0, 0, 1, 0)
	assert.Equal(t, isotransport.OK, disp)

	h.RequestIterateLoopExit()

	disp = h.handleRecv([]byte{0x02}, 0, 0, 0, 2, 0)
	assert.Equal(t, isotransport.Defer, disp)

	// the flag is self-resetting: the next packet goes back to OK.
	disp = h.handleRecv([]byte{0x03}, 0, 0, 0, 3, 0)
	assert.Equal(t, isotransport.OK, disp)
}

func TestHandlerTransmitInvalidCycleUsesSentinelCTR(t *testing.T) {
	client := &fakeClient{canConsume: true, xmitFrame: []byte{0x7E}}

	transport := isotransport.NewSyntheticTransport()
	handle, err := transport.Open("synthetic0")
	require.NoError(t, err)

	h := New(isotransport.Transmit, handle)
	require.NoError(t, h.Init())
	require.NoError(t, h.RegisterStream(client))
	require.NoError(t, h.Prepare())
	require.NoError(t, h.Enable(-1))

	buf := make([]byte, 16)
	n, _, _, disp := h.handleXmit(buf, -1, 0)

	assert.Equal(t, isotransport.OK, disp)
	assert.Equal(t, 1, n)
	assert.Equal(t, tick.CTR(0xFFFFFFFF), client.xmitCTR)
}

func TestHandlerBusResetNotifiesClientAndDisables(t *testing.T) {
	client := &fakeClient{canProduce: true}
	h, _ := newRunningReceiveHandler(t, client)

	rebuildRequested := false
	h.SetOnBusReset(func() { rebuildRequested = true })

	h.HandleBusReset()

	assert.True(t, client.died)
	assert.True(t, rebuildRequested)
	assert.Equal(t, Error, h.State())
}

func TestHandlerCanIterateClientTracksDirection(t *testing.T) {
	client := &fakeClient{canProduce: true, canConsume: false}
	h, _ := newRunningReceiveHandler(t, client)

	assert.True(t, h.CanIterateClient())

	client.canProduce = false
	assert.False(t, h.CanIterateClient())
}
