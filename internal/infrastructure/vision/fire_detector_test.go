package vision

import (
	"context"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

var (
	forestGreen = color.RGBA{R: 30, G: 90, B: 30, A: 255}
	flameRed    = color.RGBA{R: 230, G: 40, B: 20, A: 255}
)

func paint(frame entity.Frame, x1, y1, x2, y2 int, c color.RGBA) {
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			frame.Image.SetRGBA(x, y, c)
		}
	}
}

func inferFrame(t *testing.T, d port.Detector, frame entity.Frame) (entity.RawPrediction, entity.Letterbox) {
	t.Helper()
	tensor, err := NewPreprocessor().Prepare(frame, 640, 32)
	require.NoError(t, err)
	pred, err := d.Infer(context.Background(), tensor)
	require.NoError(t, err)
	return pred, tensor.Letterbox
}

func TestHeuristicFireDetector_FindsFlame(t *testing.T) {
	frame := solidFrame(320, 240, forestGreen)
	paint(frame, 100, 100, 140, 140, flameRed)

	pred, lb := inferFrame(t, NewHeuristicFireDetector(), frame)
	require.Len(t, pred, 1)
	require.Equal(t, 0, pred[0].ClassID)
	require.Greater(t, pred[0].Confidence, 0.5)

	box := lb.Inverse(pred[0].Box)
	require.InDelta(t, 100, box.X1, 2)
	require.InDelta(t, 100, box.Y1, 2)
	require.InDelta(t, 140, box.X2, 2)
	require.InDelta(t, 140, box.Y2, 2)
}

func TestHeuristicFireDetector_NoFlame(t *testing.T) {
	pred, _ := inferFrame(t, NewHeuristicFireDetector(), solidFrame(320, 240, forestGreen))
	require.NotNil(t, pred)
	require.Empty(t, pred)
}

func TestHeuristicFireDetector_TooSmall(t *testing.T) {
	frame := solidFrame(320, 240, forestGreen)
	paint(frame, 10, 10, 15, 15, flameRed)

	pred, _ := inferFrame(t, NewHeuristicFireDetector(), frame)
	require.Empty(t, pred)
}

func TestHeuristicFireDetector_BadTensor(t *testing.T) {
	_, err := NewHeuristicFireDetector().Infer(context.Background(), entity.Tensor{Shape: [4]int{1, 1, 4, 4}})
	require.Error(t, err)
	require.True(t, port.IsReentrant(NewHeuristicFireDetector()))
}
