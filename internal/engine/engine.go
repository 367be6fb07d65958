// Package engine assembles the core components (§4.A-H) into one
// runnable unit over the synthetic transport: it is the composition
// root every cmd/ tool imports instead of wiring streamproc,
// isohandler, handlermgr and spmanager by hand, mirroring how
// cmd/direwolf/main.go sequences the TNC's subsystems into a single
// running process.
package engine

import (
	"fmt"
	"time"

	"github.com/ffado/isoengine/internal/amdtp"
	"github.com/ffado/isoengine/internal/engineconfig"
	"github.com/ffado/isoengine/internal/handlermgr"
	"github.com/ffado/isoengine/internal/isohandler"
	"github.com/ffado/isoengine/internal/isotransport"
	"github.com/ffado/isoengine/internal/spmanager"
	"github.com/ffado/isoengine/internal/streamproc"
	"github.com/ffado/isoengine/internal/tick"
)

// wallClock adapts time.Now to spmanager.Clock for production use;
// spmanager's own tests use an equivalent wall clock.
type wallClock struct{ epoch time.Time }

func (w wallClock) NowTicks() tick.Tick {
	return tick.Tick(time.Since(w.epoch).Seconds() * float64(tick.TicksPerSecond))
}

// StreamSpec describes one stream processor a caller wants the engine
// to run, in terms of the client-visible ports it carries.
type StreamSpec struct {
	Direction isotransport.Direction
	Channel   uint8
	Ports     []*amdtp.Port
}

// Engine owns the synthetic transport, the handler manager, the SP
// manager, and every stream processor registered on both, presenting
// the narrow Start/Stop/XRunCount surface control.Server expects
// (control.Engine).
type Engine struct {
	cfg       engineconfig.Config
	transport *isotransport.SyntheticTransport
	handlers  *handlermgr.Manager
	spm       *spmanager.Manager
	streams   []*streamproc.StreamProcessor
}

// New builds an Engine from a validated configuration. It does not
// start anything; callers add streams with AddStream before Start.
func New(cfg engineconfig.Config) *Engine {
	hmParams := handlermgr.DefaultParams()
	hmParams.PollTimeout = cfg.PollTimeout()
	hmParams.RunawayIterations = cfg.RunawayIterations
	hmParams.RunawayWindow = cfg.RunawayWindow()
	hmParams.MaxShadowHandlers = cfg.MaxShadowHandlers

	spParams := spmanager.DefaultParams()
	spParams.PeriodFrames = cfg.PeriodFrames

	return &Engine{
		cfg:       cfg,
		transport: isotransport.NewSyntheticTransport(),
		handlers:  handlermgr.New(hmParams),
		spm:       spmanager.New(wallClock{epoch: time.Now()}, spParams),
	}
}

// AddStream creates a stream processor for spec, wires it through an
// isohandler.Handler bound to a freshly opened transport handle, and
// registers it on both the handler manager and the SP manager. It
// must be called before Start.
func (e *Engine) AddStream(spec StreamSpec) (*streamproc.StreamProcessor, error) {
	params := streamproc.DefaultParams(e.cfg.Rate())
	params.PeriodFrames = e.cfg.PeriodFrames

	sp := streamproc.New(spec.Direction, spec.Channel, params)
	for _, p := range spec.Ports {
		if err := sp.AddPort(p); err != nil {
			return nil, fmt.Errorf("engine: add port %s: %w", p.Name, err)
		}
	}

	if err := sp.Prepare(); err != nil {
		return nil, fmt.Errorf("engine: prepare stream processor: %w", err)
	}

	handle, err := e.transport.Open("synthetic")
	if err != nil {
		return nil, fmt.Errorf("engine: open transport handle: %w", err)
	}

	h := isohandler.New(spec.Direction, handle)
	if err := h.Init(); err != nil {
		return nil, fmt.Errorf("engine: init handler: %w", err)
	}
	if err := h.RegisterStream(sp); err != nil {
		return nil, fmt.Errorf("engine: register handler client: %w", err)
	}
	if err := h.Prepare(); err != nil {
		return nil, fmt.Errorf("engine: prepare handler: %w", err)
	}
	if err := h.Enable(-1); err != nil {
		return nil, fmt.Errorf("engine: enable handler: %w", err)
	}

	if err := e.handlers.RegisterHandler(h); err != nil {
		return nil, fmt.Errorf("engine: register handler: %w", err)
	}
	if err := e.spm.RegisterStream(sp); err != nil {
		return nil, fmt.Errorf("engine: register stream: %w", err)
	}

	e.streams = append(e.streams, sp)

	return sp, nil
}

// Streams returns every stream processor registered so far, for a
// client-side binding (clientaudio.Open) to size its buffers against.
func (e *Engine) Streams() []*streamproc.StreamProcessor {
	return e.streams
}

// Start launches the handler manager's direction threads and the SP
// manager's period scheduler, which invokes callback once per period
// (control.Engine).
func (e *Engine) Start(callback spmanager.PeriodCallback) error {
	var watchdogInterval time.Duration
	if e.cfg.WatchdogEnabled {
		watchdogInterval = e.cfg.WatchdogInterval()
	}

	if err := e.handlers.Start(watchdogInterval, func() {}); err != nil {
		return fmt.Errorf("engine: start handler manager: %w", err)
	}

	if err := e.spm.Start(callback); err != nil {
		e.handlers.Stop()
		return fmt.Errorf("engine: start stream processor manager: %w", err)
	}

	return nil
}

// Stop halts the SP manager and the handler manager (control.Engine).
func (e *Engine) Stop() {
	e.spm.Stop()
	e.handlers.Stop()
}

// XRunCount reports the SP manager's free-running xrun counter
// (control.Engine).
func (e *Engine) XRunCount() uint64 {
	return e.spm.XRunCount()
}

// PeriodCount reports the SP manager's free-running period counter.
func (e *Engine) PeriodCount() uint64 {
	return e.spm.PeriodCount()
}
