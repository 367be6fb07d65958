package handlermgr

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogTripsAllRegisteredDropFuncsOnStaleHeartbeat(t *testing.T) {
	w := NewWatchdog(time.Hour) // long enough that its own tickers never fire during the test

	var dropped1, dropped2 atomic.Bool
	w.Register(func() { dropped1.Store(true) })
	w.Register(func() { dropped2.Store(true) })

	w.heartbeat.Store(false)
	w.rescheduleThreads()

	assert.True(t, dropped1.Load())
	assert.True(t, dropped2.Load())
}

func TestWatchdogHeartbeatKeepsItAlive(t *testing.T) {
	w := NewWatchdog(20 * time.Millisecond)

	var dropped atomic.Bool
	w.Register(func() { dropped.Store(true) })

	w.Start()
	time.Sleep(120 * time.Millisecond)
	w.Stop()

	assert.False(t, dropped.Load())
}
