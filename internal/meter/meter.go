// Package meter draws a one-line-per-port VU bar graph plus running
// xrun, dropped-packet (invalid packets the stream processor discarded)
// and packet counters to the controlling terminal, polling the
// engine's exported stats at a fixed interval.
package meter

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/term"

	"github.com/ffado/isoengine/internal/streamproc"
)

// barWidth is how many characters wide each port's level bar is.
const barWidth = 40

// Display owns the raw-mode terminal and the set of stream processors
// it polls.
type Display struct {
	tty     *term.Term
	streams []*streamproc.StreamProcessor
	out     io.Writer
}

// Open puts the controlling terminal into raw mode, mirroring
// src/serial_port.go's term.Open(name, term.RawMode) call but against
// "/dev/tty" rather than a serial device, since the meter draws to
// the console rather than talking to external hardware.
func Open(streams []*streamproc.StreamProcessor) (*Display, error) {
	tty, err := term.Open("/dev/tty", term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("meter: open tty: %w", err)
	}

	return &Display{tty: tty, streams: streams, out: tty}, nil
}

// Close restores the terminal's original mode.
func (d *Display) Close() error {
	if d.tty == nil {
		return nil
	}
	if err := d.tty.Restore(); err != nil {
		return err
	}
	return d.tty.Close()
}

// Run repaints the meter every interval until stop is closed.
func (d *Display) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.paint()
		}
	}
}

func (d *Display) paint() {
	fmt.Fprint(d.out, "\x1b[H\x1b[2J")

	for i, sp := range d.streams {
		stats := sp.Stats.Snapshot()
		for _, p := range sp.Ports() {
			level := peakLevel(p.Buffer)
			fmt.Fprintf(d.out, "sp%d %-8s %s\r\n", i, p.Name, bar(level))
		}
		fmt.Fprintf(d.out, "sp%d xruns=%d dropped=%d packets_in=%d packets_out=%d\r\n",
			i, stats.XRuns, stats.InvalidHeader, stats.PacketsIn, stats.PacketsOut)
	}
}

func peakLevel(samples []float64) float64 {
	peak := 0.0
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak > 1 {
		peak = 1
	}
	return peak
}

func bar(level float64) string {
	n := int(level * float64(barWidth))
	if n > barWidth {
		n = barWidth
	}
	return "[" + strings.Repeat("#", n) + strings.Repeat(" ", barWidth-n) + "]"
}
