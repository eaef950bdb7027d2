package app

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

var errFlaky = errors.New("flaky")

func testFrame() entity.Frame {
	return entity.Frame{Order: entity.ChannelOrderRGB, Image: image.NewRGBA(image.Rect(0, 0, 64, 48))}
}

// scriptedSource отдаёт кадры по функции от номера чтения (с единицы).
type scriptedSource struct {
	read   func(n int) (entity.Frame, error)
	n      atomic.Int64
	closes atomic.Int32
}

func newScriptedSource(read func(n int) (entity.Frame, error)) *scriptedSource {
	return &scriptedSource{read: read}
}

func endlessSource() *scriptedSource {
	return newScriptedSource(func(int) (entity.Frame, error) { return testFrame(), nil })
}

func (s *scriptedSource) Read(context.Context) (entity.Frame, error) {
	return s.read(int(s.n.Add(1)))
}

func (s *scriptedSource) Close() error {
	s.closes.Add(1)
	return nil
}

type rewindableSource struct {
	*scriptedSource
	rewinds atomic.Int32
}

func (s *rewindableSource) Rewind() error {
	s.rewinds.Add(1)
	s.n.Store(0)
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	sources map[string]port.FrameSource
	opened  []string
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{sources: make(map[string]port.FrameSource)}
}

func (o *fakeOpener) add(src entity.StreamSource, fs port.FrameSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[src.String()] = fs
}

func (o *fakeOpener) Open(_ context.Context, src entity.StreamSource) (port.FrameSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fs, ok := o.sources[src.String()]
	if !ok {
		return nil, &entity.OpenError{Source: src, Err: errors.New("no such file")}
	}
	o.opened = append(o.opened, src.String())
	return fs, nil
}

type fakePreprocessor struct{}

func (fakePreprocessor) Prepare(frame entity.Frame, targetSize, stride int) (entity.Tensor, error) {
	lb := entity.NewLetterbox(frame.Width(), frame.Height(), targetSize, stride)
	return entity.Tensor{Shape: [4]int{1, 3, lb.Size, lb.Size}, Letterbox: lb}, nil
}

type copyAnnotator struct{}

func (copyAnnotator) Draw(frame entity.Frame, _ []entity.Detection) entity.Frame {
	return frame.Clone()
}

// fakeDetector отвечает по функции от номера вызова.
type fakeDetector struct {
	infer func(n int) (entity.RawPrediction, error)
	calls atomic.Int64
	safe  bool
}

func emptyDetector() *fakeDetector {
	return &fakeDetector{infer: func(int) (entity.RawPrediction, error) { return nil, nil }}
}

func (d *fakeDetector) Infer(context.Context, entity.Tensor) (entity.RawPrediction, error) {
	return d.infer(int(d.calls.Add(1)))
}

func (d *fakeDetector) Labels() []string { return []string{"fire", "smoke", "deer"} }

func (d *fakeDetector) Reentrant() bool { return d.safe }

type recordingSink struct {
	mu       sync.Mutex
	events   []entity.DetectionEvent
	frames   int
	alerts   []entity.FireAlert
	statuses []entity.StatusEvent
}

func (s *recordingSink) Publish(e entity.DetectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e.Clone())
}

func (s *recordingSink) PublishFrame(string, entity.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
}

func (s *recordingSink) PublishFireAlert(a entity.FireAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) PublishStatus(st entity.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingSink) snapshot() ([]entity.DetectionEvent, []entity.FireAlert, []entity.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.DetectionEvent(nil), s.events...),
		append([]entity.FireAlert(nil), s.alerts...),
		append([]entity.StatusEvent(nil), s.statuses...)
}

func (s *recordingSink) statesOf() []entity.PipelineState {
	_, _, statuses := s.snapshot()
	out := make([]entity.PipelineState, len(statuses))
	for i, st := range statuses {
		out[i] = st.State
	}
	return out
}

// panickingSink падает на каждом событии обнаружения.
type panickingSink struct {
	recordingSink
}

func (s *panickingSink) Publish(entity.DetectionEvent) {
	panic("consumer is broken")
}

func newTestWorker(t *testing.T, opener port.SourceOpener, det port.Detector, sink port.EventSink, tune func(*PipelineConfig)) *PipelineWorker {
	t.Helper()

	cfg := DefaultPipelineConfig("cam-1")
	cfg.Region = "north"
	cfg.FrameInterval = time.Millisecond
	if tune != nil {
		tune(&cfg)
	}

	w, err := NewPipelineWorker(cfg, PipelineDeps{
		Opener:       opener,
		Detector:     det,
		Preprocessor: fakePreprocessor{},
		Annotator:    copyAnnotator{},
		Sink:         sink,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func waitState(t *testing.T, w *PipelineWorker, state entity.PipelineState) {
	t.Helper()
	require.Eventually(t, func() bool { return w.State() == state }, 2*time.Second, time.Millisecond,
		"want state %s, have %s", state, w.State())
}
