package engineconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadAppliesDefaultsThenOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("period_frames: 256\nnominal_rate: 96000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.PeriodFrames)
	assert.Equal(t, 96000, cfg.NominalRate)
	// untouched fields keep the Default() value.
	assert.Equal(t, 0.1, cfg.ReceiveDLLBWHz)
	assert.Equal(t, 64, cfg.MaxShadowHandlers)
}

func TestLoadRejectsUnsupportedRate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nominal_rate: 12345\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsOutOfRangeRTPriority(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rt_priority: 999\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
