package entity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStreamSource(t *testing.T) {
	src, err := ParseStreamSource("0")
	require.NoError(t, err)
	require.Equal(t, DeviceSource(0), src)

	src, err = ParseStreamSource(" resources/videos/forest_fire.mp4 ")
	require.NoError(t, err)
	require.Equal(t, SourceFile, src.Kind)
	require.Equal(t, "resources/videos/forest_fire.mp4", src.Path)

	src, err = ParseStreamSource("synthetic:ridge?frames=10")
	require.NoError(t, err)
	require.Equal(t, SourceSynthetic, src.Kind)
	require.Equal(t, "synthetic:ridge?frames=10", src.String())

	_, err = ParseStreamSource("")
	require.Error(t, err)

	_, err = ParseStreamSource("-1")
	require.Error(t, err)
}

func TestPipelineStateCanStart(t *testing.T) {
	require.True(t, StateIdle.CanStart())
	require.True(t, StateError.CanStart())
	require.False(t, StateRunning.CanStart())
	require.False(t, StateStopping.CanStart())
}
