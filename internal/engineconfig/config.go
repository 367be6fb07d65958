// Package engineconfig reads the engine's YAML configuration file and
// turns it into the tunables each core component expects (§6).
package engineconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ffado/isoengine/internal/amdtp"
)

// Config is the top-level YAML document shape. Fields mirror §6's
// enumerated configuration knobs one-for-one; yaml tags use the same
// snake_case names so an operator's config file reads like the spec
// text.
type Config struct {
	PeriodFrames    int  `yaml:"period_frames"`
	NominalRate     int  `yaml:"nominal_rate"`
	ReceiveDLLBWHz  float64 `yaml:"receive_dll_bw_hz"`
	TransmitDLLBWHz float64 `yaml:"transmit_dll_bw_hz"`

	TransferDelayCycles        int  `yaml:"transfer_delay_cycles"`
	MinCyclesBeforePresentation int `yaml:"min_cycles_before_presentation"`
	MaxCyclesToTransmitEarly   int  `yaml:"max_cycles_to_transmit_early"`
	SnoopMode                  bool `yaml:"snoop_mode"`

	RTPriority          int  `yaml:"rt_priority"`
	WatchdogIntervalUS  int  `yaml:"watchdog_interval_us"`
	WatchdogEnabled     bool `yaml:"watchdog_enabled"`

	PollTimeoutMS     int `yaml:"poll_timeout_ms"`
	MaxShadowHandlers int `yaml:"max_shadow_handlers"`
	RunawayIterations int `yaml:"runaway_iterations"`
	RunawayWindowUS   int `yaml:"runaway_window_us"`

	// SyncSource is parsed from the config file but no component reads
	// it: the period scheduler always nominates the §4.H default (first
	// transmit stream, else first receive stream).
	SyncSource string `yaml:"sync_source"`
}

// rtPriorityCap mirrors the §6 "capped at a safe maximum" note; the
// teacher's own RT priority handling (src/audio.go's SCHED_FIFO setup)
// never lets a configured value exceed what the platform considers
// sane for a non-root-owned scheduler class.
const rtPriorityCap = 80

// Default returns the §6 documented effective values.
func Default() Config {
	return Config{
		PeriodFrames:                512,
		NominalRate:                 48000,
		ReceiveDLLBWHz:              0.1,
		TransmitDLLBWHz:             0.1,
		TransferDelayCycles:         9,
		MinCyclesBeforePresentation: 1,
		MaxCyclesToTransmitEarly:    2,
		SnoopMode:                   false,
		RTPriority:                  60,
		WatchdogIntervalUS:          100_000,
		WatchdogEnabled:             true,
		PollTimeoutMS:               10,
		MaxShadowHandlers:           64,
		RunawayIterations:           10000,
		RunawayWindowUS:             100,
	}
}

// Load reads and validates a YAML config file, applying Default()
// first so a partial file only overrides what it mentions.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("engineconfig: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("engineconfig: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("engineconfig: %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects invalid configuration combinations at load time
// rather than at stream-start time (§6).
func (c Config) Validate() error {
	if _, ok := amdtp.FDF(amdtp.Rate(c.NominalRate)); !ok {
		return fmt.Errorf("nominal_rate %d is not one of the supported AMDTP rates", c.NominalRate)
	}

	if c.PeriodFrames <= 0 {
		return fmt.Errorf("period_frames must be positive, got %d", c.PeriodFrames)
	}

	if c.ReceiveDLLBWHz <= 0 || c.TransmitDLLBWHz <= 0 {
		return fmt.Errorf("dll bandwidth must be positive")
	}

	if c.RTPriority < 0 || c.RTPriority > rtPriorityCap {
		return fmt.Errorf("rt_priority %d out of range 0-%d", c.RTPriority, rtPriorityCap)
	}

	if c.WatchdogEnabled && c.WatchdogIntervalUS <= 0 {
		return fmt.Errorf("watchdog_interval_us must be positive when watchdog_enabled is true")
	}

	return nil
}

// Rate returns the validated nominal rate as an amdtp.Rate.
func (c Config) Rate() amdtp.Rate {
	return amdtp.Rate(c.NominalRate)
}

// PollTimeout returns the handler-manager poll timeout as a Duration.
func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

// RunawayWindow returns the runaway-loop detection window as a Duration.
func (c Config) RunawayWindow() time.Duration {
	return time.Duration(c.RunawayWindowUS) * time.Microsecond
}

// WatchdogInterval returns the watchdog poll interval as a Duration.
func (c Config) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalUS) * time.Microsecond
}
