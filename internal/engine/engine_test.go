package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/engineconfig"
	"github.com/ffado/isoengine/internal/isotransport"
)

func TestEngineRunsAPeriodAndCountsPeriods(t *testing.T) {
	cfg := engineconfig.Default()
	cfg.PeriodFrames = 16

	e := New(cfg)

	_, err := e.AddStream(StreamSpec{
		Direction: isotransport.Receive,
		Channel:   0,
		Ports:     []*amdtp.Port{{Name: "in-1", Kind: amdtp.KindAudio, Position: 0}},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	var once bool
	require.NoError(t, e.Start(func() {
		if !once {
			once = true
			close(done)
		}
	}))
	defer e.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a period")
	}

	assert.GreaterOrEqual(t, e.PeriodCount(), uint64(1))
	assert.Len(t, e.Streams(), 1)
}
