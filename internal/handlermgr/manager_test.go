package handlermgr

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffado/isoengine/internal/isohandler"
	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/tick"
)

type xmitClient struct{ channel uint8 }

func (c *xmitClient) Channel() uint8         { return c.channel }
func (c *xmitClient) CanProducePacket() bool { return false }
func (c *xmitClient) CanConsumePacket() bool { return true }
func (c *xmitClient) PutPacket([]byte, uint8, uint8, uint8, tick.CTR, int32, uint32) isotransport.Disposition {
	return isotransport.OK
}
func (c *xmitClient) GetPacket(tick.CTR, tick.CTR, int32, uint32, int) ([]byte, uint8, uint8, isotransport.Disposition) {
	return []byte{0x42}, 0, 0, isotransport.OK
}
func (c *xmitClient) HandlerDied() {}

type recvClient struct {
	channel uint8
	packets atomic.Int64
}

func (c *recvClient) Channel() uint8         { return c.channel }
func (c *recvClient) CanProducePacket() bool { return true }
func (c *recvClient) CanConsumePacket() bool { return false }
func (c *recvClient) PutPacket(data []byte, channel, tag, sy uint8, pktCTR tick.CTR, dropped int32, skipped uint32) isotransport.Disposition {
	c.packets.Add(1)
	return isotransport.OK
}
func (c *recvClient) GetPacket(tick.CTR, tick.CTR, int32, uint32, int) ([]byte, uint8, uint8, isotransport.Disposition) {
	return nil, 0, 0, isotransport.OK
}
func (c *recvClient) HandlerDied() {}

func TestManagerRunsLoopbackTrafficEndToEnd(t *testing.T) {
	transport := isotransport.NewSyntheticTransport()

	xmitHandle, err := transport.Open("synthetic0")
	require.NoError(t, err)
	recvHandle, err := transport.Open("synthetic0")
	require.NoError(t, err)

	xc := &xmitClient{channel: 0}
	rc := &recvClient{channel: 0}

	xh := isohandler.New(isotransport.Transmit, xmitHandle)
	require.NoError(t, xh.Init())
	require.NoError(t, xh.RegisterStream(xc))
	require.NoError(t, xh.Prepare())
	require.NoError(t, xh.Enable(-1))

	rh := isohandler.New(isotransport.Receive, recvHandle)
	require.NoError(t, rh.Init())
	require.NoError(t, rh.RegisterStream(rc))
	require.NoError(t, rh.Prepare())
	require.NoError(t, rh.Enable(-1))

	m := New(DefaultParams())
	require.NoError(t, m.RegisterHandler(xh))
	require.NoError(t, m.RegisterHandler(rh))

	require.NoError(t, m.Start(0, nil))
	time.Sleep(200 * time.Millisecond)
	m.Stop()

	assert.Greater(t, xh.Stats.Packets.Load(), uint64(0))
	assert.Greater(t, rc.packets.Load(), int64(0))
}

func TestManagerRegisterHandlerEnforcesCap(t *testing.T) {
	m := New(DefaultParams())
	transport := isotransport.NewSyntheticTransport()

	for i := 0; i < maxShadowHandlers; i++ {
		handle, err := transport.Open("synthetic0")
		require.NoError(t, err)

		h := isohandler.New(isotransport.Transmit, handle)
		require.NoError(t, m.RegisterHandler(h))
	}

	handle, err := transport.Open("synthetic0")
	require.NoError(t, err)
	extra := isohandler.New(isotransport.Transmit, handle)

	assert.ErrorIs(t, m.RegisterHandler(extra), ErrTooManyHandlers)
}

func TestManagerStartRejectsDoubleStart(t *testing.T) {
	m := New(DefaultParams())
	require.NoError(t, m.Start(0, nil))
	defer m.Stop()

	assert.ErrorIs(t, m.Start(0, nil), ErrWrongState)
}
