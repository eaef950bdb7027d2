package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forest-watch/internal/domain/entity"
)

func TestPipelineWorker_StartStop(t *testing.T) {
	ctx := context.Background()
	src := entity.FileSource("/data/a.mp4")
	fs := endlessSource()
	opener := newFakeOpener()
	opener.add(src, fs)
	sink := &recordingSink{}

	w := newTestWorker(t, opener, emptyDetector(), sink, nil)
	require.Equal(t, entity.StateIdle, w.State())

	require.NoError(t, w.Start(ctx, src))
	require.Equal(t, entity.StateRunning, w.State())
	require.ErrorIs(t, w.Start(ctx, src), entity.ErrAlreadyRunning)

	require.Eventually(t, func() bool { return sink.eventCount() >= 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, w.Stop())
	require.Equal(t, entity.StateIdle, w.State())
	require.Equal(t, int32(1), fs.closes.Load())

	after := sink.eventCount()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, sink.eventCount(), "no frames after stop returned")

	require.NoError(t, w.Stop(), "stop is idempotent")
	require.Equal(t, int32(1), fs.closes.Load())

	events, _, _ := sink.snapshot()
	for i, e := range events {
		require.Equal(t, "cam-1", e.StreamID)
		require.Equal(t, src, e.Source)
		require.NotEmpty(t, e.ID)
		require.NotNil(t, e.Detections)
		if i > 0 {
			require.Greater(t, e.Seq, events[i-1].Seq)
		}
	}
	require.Equal(t, []entity.PipelineState{entity.StateRunning, entity.StateIdle}, sink.statesOf())
}

func TestPipelineWorker_OpenErrorStaysIdle(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWorker(t, newFakeOpener(), emptyDetector(), sink, nil)

	err := w.Start(context.Background(), entity.FileSource("/missing.mp4"))
	var openErr *entity.OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, entity.StateIdle, w.State())
	require.Zero(t, sink.eventCount())
}

func TestPipelineWorker_ReadFailuresBelowThreshold(t *testing.T) {
	src := entity.DeviceSource(0)
	fs := newScriptedSource(func(n int) (entity.Frame, error) {
		if n <= 5 {
			return entity.Frame{}, errFlaky
		}
		return testFrame(), nil
	})
	opener := newFakeOpener()
	opener.add(src, fs)
	sink := &recordingSink{}

	w := newTestWorker(t, opener, emptyDetector(), sink, nil)
	require.NoError(t, w.Start(context.Background(), src))

	require.Eventually(t, func() bool { return sink.eventCount() >= 2 }, 2*time.Second, time.Millisecond)
	require.Equal(t, entity.StateRunning, w.State())
}

func TestPipelineWorker_ReadFailuresAboveThreshold(t *testing.T) {
	src := entity.DeviceSource(1)
	fs := newScriptedSource(func(int) (entity.Frame, error) { return entity.Frame{}, errFlaky })
	opener := newFakeOpener()
	opener.add(src, fs)
	sink := &recordingSink{}

	w := newTestWorker(t, opener, emptyDetector(), sink, nil)
	require.NoError(t, w.Start(context.Background(), src))

	waitState(t, w, entity.StateError)
	require.Eventually(t, func() bool { return fs.closes.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, int64(6), fs.n.Load())

	_, _, statuses := sink.snapshot()
	require.Len(t, statuses, 2)
	require.Equal(t, entity.StateError, statuses[1].State)
	require.Contains(t, statuses[1].Err, "6 consecutive errors")
	require.NotEmpty(t, w.Status().LastError)

	require.NoError(t, w.Stop())
	require.Equal(t, entity.StateError, w.State(), "stop leaves the error for an explicit reset")

	w.Reset()
	require.Equal(t, entity.StateIdle, w.State())
	require.Empty(t, w.Status().LastError)
}

func TestPipelineWorker_InferenceFailures(t *testing.T) {
	src := entity.FileSource("/data/b.mp4")
	fs := endlessSource()
	opener := newFakeOpener()
	opener.add(src, fs)
	sink := &recordingSink{}

	det := &fakeDetector{infer: func(n int) (entity.RawPrediction, error) {
		if n == 3 {
			return nil, nil
		}
		return nil, errFlaky
	}}
	w := newTestWorker(t, opener, det, sink, nil)
	require.NoError(t, w.Start(context.Background(), src))

	waitState(t, w, entity.StateError)
	require.Equal(t, int64(2+1+6), det.calls.Load(), "a success resets the counter")
	require.Equal(t, 1, sink.eventCount())
	require.Eventually(t, func() bool { return fs.closes.Load() == 1 }, time.Second, time.Millisecond)
}

func TestPipelineWorker_DetectorPanicIsSkippedFrame(t *testing.T) {
	src := entity.FileSource("/data/c.mp4")
	opener := newFakeOpener()
	opener.add(src, endlessSource())
	sink := &recordingSink{}

	det := &fakeDetector{infer: func(n int) (entity.RawPrediction, error) {
		if n == 1 {
			panic("bad tensor")
		}
		return nil, nil
	}}
	w := newTestWorker(t, opener, det, sink, nil)
	require.NoError(t, w.Start(context.Background(), src))

	require.Eventually(t, func() bool { return sink.eventCount() >= 2 }, 2*time.Second, time.Millisecond)
	require.Equal(t, entity.StateRunning, w.State())
}

func TestPipelineWorker_EndOfStreamTerminates(t *testing.T) {
	src := entity.FileSource("/data/short.mp4")
	fs := newScriptedSource(func(n int) (entity.Frame, error) {
		if n > 3 {
			return entity.Frame{}, entity.ErrEndOfStream
		}
		return testFrame(), nil
	})
	opener := newFakeOpener()
	opener.add(src, fs)
	sink := &recordingSink{}

	w := newTestWorker(t, opener, emptyDetector(), sink, nil)
	require.NoError(t, w.Start(context.Background(), src))

	waitState(t, w, entity.StateIdle)
	require.Equal(t, 3, sink.eventCount())
	require.Equal(t, int32(1), fs.closes.Load())
	require.Equal(t, []entity.PipelineState{entity.StateRunning, entity.StateIdle}, sink.statesOf())

	require.NoError(t, w.Start(context.Background(), src), "an ended stream can be started again")
}

func TestPipelineWorker_EndOfStreamLoops(t *testing.T) {
	src := entity.FileSource("/data/loop.mp4")
	fs := &rewindableSource{scriptedSource: newScriptedSource(func(n int) (entity.Frame, error) {
		if n > 2 {
			return entity.Frame{}, entity.ErrEndOfStream
		}
		return testFrame(), nil
	})}
	opener := newFakeOpener()
	opener.add(src, fs)
	sink := &recordingSink{}

	w := newTestWorker(t, opener, emptyDetector(), sink, func(cfg *PipelineConfig) { cfg.LoopAtEnd = true })
	require.NoError(t, w.Start(context.Background(), src))

	require.Eventually(t, func() bool { return fs.rewinds.Load() >= 2 }, 2*time.Second, time.Millisecond)
	require.Equal(t, entity.StateRunning, w.State())
	require.NoError(t, w.Stop())
	require.Equal(t, int32(1), fs.closes.Load())
}

func TestPipelineWorker_ChangeSource(t *testing.T) {
	ctx := context.Background()
	first, second := entity.FileSource("/data/a.mp4"), entity.DeviceSource(2)
	fsA, fsB := endlessSource(), endlessSource()
	opener := newFakeOpener()
	opener.add(first, fsA)
	opener.add(second, fsB)
	sink := &recordingSink{}

	w := newTestWorker(t, opener, emptyDetector(), sink, nil)
	require.NoError(t, w.Start(ctx, first))
	require.Eventually(t, func() bool { return sink.eventCount() >= 2 }, 2*time.Second, time.Millisecond)

	require.NoError(t, w.ChangeSource(ctx, second))
	require.Equal(t, int32(1), fsA.closes.Load())
	require.Equal(t, second, w.Status().Source)
	before := sink.eventCount()
	require.Eventually(t, func() bool { return sink.eventCount() >= before+2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	events, _, _ := sink.snapshot()
	switched := false
	for i, e := range events {
		if e.Source == second {
			switched = true
		} else {
			require.False(t, switched, "frame from the old source after the switch")
		}
		if i > 0 {
			require.Greater(t, e.Seq, events[i-1].Seq)
		}
	}
	require.True(t, switched)
	require.Equal(t, []entity.PipelineState{entity.StateRunning, entity.StateRunning, entity.StateIdle}, sink.statesOf())
}

func TestPipelineWorker_ChangeSourceFailure(t *testing.T) {
	ctx := context.Background()
	src := entity.FileSource("/data/a.mp4")
	fs := endlessSource()
	opener := newFakeOpener()
	opener.add(src, fs)
	sink := &recordingSink{}

	w := newTestWorker(t, opener, emptyDetector(), sink, nil)
	require.NoError(t, w.Start(ctx, src))

	err := w.ChangeSource(ctx, entity.FileSource("/missing.mp4"))
	var openErr *entity.OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, entity.StateIdle, w.State())
	require.Equal(t, int32(1), fs.closes.Load())

	_, _, statuses := sink.snapshot()
	last := statuses[len(statuses)-1]
	require.Equal(t, entity.StateIdle, last.State)
	require.NotEmpty(t, last.Err)
}

func TestPipelineWorker_FireAlert(t *testing.T) {
	src := entity.DeviceSource(0)
	opener := newFakeOpener()
	opener.add(src, endlessSource())
	sink := &recordingSink{}

	det := &fakeDetector{infer: func(int) (entity.RawPrediction, error) {
		return entity.RawPrediction{
			{ClassID: 0, Confidence: 0.92, Box: entity.BBox{X1: 10, Y1: 10, X2: 40, Y2: 40}},
			{ClassID: 2, Confidence: 0.8, Box: entity.BBox{X1: 100, Y1: 100, X2: 140, Y2: 140}},
		}, nil
	}}
	w := newTestWorker(t, opener, det, sink, nil)
	require.NoError(t, w.Start(context.Background(), src))

	require.Eventually(t, func() bool {
		_, alerts, _ := sink.snapshot()
		return len(alerts) > 0
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	events, alerts, _ := sink.snapshot()
	require.Equal(t, "north", alerts[0].Region)
	require.Equal(t, entity.CategoryFire, alerts[0].Detection.Category)
	require.NotEqual(t, events[0].ID, alerts[0].ID)
	require.Len(t, events[0].Detections, 2)
}

func TestPipelineWorker_SetThresholds(t *testing.T) {
	src := entity.DeviceSource(0)
	opener := newFakeOpener()
	opener.add(src, endlessSource())
	sink := &recordingSink{}

	det := &fakeDetector{infer: func(int) (entity.RawPrediction, error) {
		return entity.RawPrediction{{ClassID: 2, Confidence: 0.5, Box: entity.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}}}, nil
	}}
	w := newTestWorker(t, opener, det, sink, nil)
	require.ErrorIs(t, w.SetThresholds(2, 0.45), entity.ErrInvalidThreshold)
	require.InDelta(t, 0.25, w.Thresholds().Confidence, 1e-9)

	require.NoError(t, w.SetThresholds(0.9, 0.5))
	require.NoError(t, w.Start(context.Background(), src))
	require.Eventually(t, func() bool { return sink.eventCount() >= 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	events, _, _ := sink.snapshot()
	for _, e := range events {
		require.Empty(t, e.Detections)
	}
	require.InDelta(t, 0.5, w.Thresholds().IoU, 1e-9)
}

func TestPipelineWorker_PanickingSink(t *testing.T) {
	src := entity.DeviceSource(0)
	fs := endlessSource()
	opener := newFakeOpener()
	opener.add(src, fs)
	sink := &panickingSink{}

	w := newTestWorker(t, opener, emptyDetector(), sink, nil)
	require.NoError(t, w.Start(context.Background(), src))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.frames >= 3
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, entity.StateRunning, w.State())
	require.NoError(t, w.Stop())
}

func TestNewPipelineWorker_Validation(t *testing.T) {
	_, err := NewPipelineWorker(PipelineConfig{}, PipelineDeps{})
	require.Error(t, err)

	cfg := DefaultPipelineConfig("cam")
	cfg.Thresholds.FireConfidence = -1
	_, err = NewPipelineWorker(cfg, PipelineDeps{
		Opener:       newFakeOpener(),
		Detector:     emptyDetector(),
		Preprocessor: fakePreprocessor{},
		Annotator:    copyAnnotator{},
		Sink:         &recordingSink{},
	})
	require.ErrorIs(t, err, entity.ErrInvalidThreshold)
}
