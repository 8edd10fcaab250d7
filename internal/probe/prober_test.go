package probe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRateValid(t *testing.T) {
	require.InDelta(t, 30.0, parseRate("30/1"), 0.001)
	require.InDelta(t, 29.97, parseRate("2997/100"), 0.01)
}

func TestParseRateInvalid(t *testing.T) {
	require.Equal(t, 0.0, parseRate("not-a-rate"))
	require.Equal(t, 0.0, parseRate("1/0"))
	require.Equal(t, 0.0, parseRate(""))
}

func TestCountFrameLines(t *testing.T) {
	out := "frame=   1 fps=0.0\nframe=   2 fps=25.0\nsome other line\nframe=   3 fps=25.0\n"
	require.Equal(t, 3, countFrameLines(out))
}

func TestCountFrameLinesNone(t *testing.T) {
	require.Equal(t, 0, countFrameLines("nothing relevant here\n"))
}
