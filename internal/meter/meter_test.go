package meter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeakLevelClampsToUnity(t *testing.T) {
	assert.Equal(t, 1.0, peakLevel([]float64{0.1, -2.5, 0.3}))
	assert.InDelta(t, 0.5, peakLevel([]float64{-0.5, 0.2}), 1e-9)
	assert.Equal(t, 0.0, peakLevel(nil))
}

func TestBarWidthMatchesLevel(t *testing.T) {
	assert.Equal(t, "["+repeat("#", 0)+repeat(" ", barWidth)+"]", bar(0))
	assert.Equal(t, "["+repeat("#", barWidth)+"]", bar(1))
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
