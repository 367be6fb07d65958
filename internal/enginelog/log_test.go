package enginelog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAttachesComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "isohandler")
	logger.Info("started", "channel", 4)

	out := buf.String()
	assert.Contains(t, out, "component=isohandler")
	assert.Contains(t, out, "channel=4")
	assert.Contains(t, out, "started")
}

func TestRotatingFileWritesUnderDir(t *testing.T) {
	dir := t.TempDir()
	rf, err := NewRotatingFile(dir, "ffado-engine-%Y%m%d.log")
	require.NoError(t, err)
	defer rf.Close()

	n, err := rf.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "ffado-engine-"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}
