// Package enginelog provides the structured logger the cmd/ tools log
// through, plus a strftime-named rotating file writer for long-running
// deployments.
package enginelog

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// New returns a logger writing to w, with the given component field
// pre-attached. The cmd/ tools each build one (through Default); the
// core components (cycle clock, handler, manager, stream processor, SP
// manager) take no logger in their constructors and do not log.
func New(w io.Writer, component string) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})

	return logger.With("component", component)
}

// Default returns a logger writing to stderr, for callers that don't
// care about rotation (tests, short-lived CLI tools).
func Default(component string) *log.Logger {
	return New(os.Stderr, component)
}

// RotatingFile opens (creating if needed) a daily log file named by
// expanding a strftime pattern against the current time, mirroring
// the teacher's own daily log-file naming convention but handing the
// resulting writer to a structured logger instead of hand-rolled CSV.
type RotatingFile struct {
	pattern *strftime.Strftime
	dir     string

	current string
	file    *os.File
}

// NewRotatingFile compiles pattern (e.g. "ffado-engine-%Y%m%d.log")
// and resolves file names under dir.
func NewRotatingFile(dir, pattern string) (*RotatingFile, error) {
	p, err := strftime.New(pattern)
	if err != nil {
		return nil, err
	}

	return &RotatingFile{pattern: p, dir: dir}, nil
}

// Write implements io.Writer, opening a new file whenever the
// strftime-expanded name for "now" changes (i.e. at the rotation
// boundary the pattern encodes, typically midnight for a %Y%m%d
// pattern).
func (r *RotatingFile) Write(p []byte) (int, error) {
	name := r.dir + string(os.PathSeparator) + r.pattern.FormatString(time.Now())

	if name != r.current {
		if r.file != nil {
			r.file.Close()
		}

		f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}

		r.file = f
		r.current = name
	}

	return r.file.Write(p)
}

// Close closes the currently open file, if any.
func (r *RotatingFile) Close() error {
	if r.file == nil {
		return nil
	}

	return r.file.Close()
}
