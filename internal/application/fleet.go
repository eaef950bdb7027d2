package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// FleetDeps общие зависимости всех конвейеров
type FleetDeps struct {
	Opener       port.SourceOpener
	NewDetector  port.DetectorFactory
	Preprocessor port.Preprocessor
	Annotator    port.Annotator
	Categories   CategoryTable
	Sink         port.EventSink
	Metrics      port.PipelineMetrics
	Logger       zerolog.Logger
}

// Fleet реестр конвейеров по идентификатору потока.
// Потокобезопасный детектор используется всеми конвейерами, иначе каждый получает свой экземпляр.
type Fleet struct {
	deps FleetDeps
	log  zerolog.Logger

	mu        sync.RWMutex
	workers   map[string]*PipelineWorker
	shared    port.Detector
	detectors []port.Detector
}

// NewFleet создаёт пустой реестр
func NewFleet(deps FleetDeps) *Fleet {
	if deps.Categories == nil {
		deps.Categories = DefaultCategoryTable()
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	return &Fleet{
		deps:    deps,
		log:     deps.Logger.With().Str("component", "fleet").Logger(),
		workers: make(map[string]*PipelineWorker),
	}
}

// Add регистрирует поток. Конвейер создаётся в состоянии Idle.
func (f *Fleet) Add(cfg PipelineConfig) (*PipelineWorker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.workers[cfg.StreamID]; exists {
		return nil, fmt.Errorf("%s: %w", cfg.StreamID, entity.ErrStreamExists)
	}

	detector, err := f.detectorLocked()
	if err != nil {
		return nil, fmt.Errorf("create detector for %s: %w", cfg.StreamID, err)
	}

	worker, err := NewPipelineWorker(cfg, PipelineDeps{
		Opener:        f.deps.Opener,
		Detector:      detector,
		Preprocessor:  f.deps.Preprocessor,
		PostProcessor: NewPostProcessor(detector.Labels(), f.deps.Categories),
		Annotator:     f.deps.Annotator,
		Sink:          f.deps.Sink,
		Metrics:       f.deps.Metrics,
		Logger:        f.deps.Logger.With().Str("component", "pipeline").Str("stream", cfg.StreamID).Logger(),
	})
	if err != nil {
		return nil, err
	}

	f.workers[cfg.StreamID] = worker
	f.log.Info().Str("stream", cfg.StreamID).Str("region", cfg.Region).Msg("stream registered")
	return worker, nil
}

func (f *Fleet) detectorLocked() (port.Detector, error) {
	if f.shared != nil {
		return f.shared, nil
	}
	if f.deps.NewDetector == nil {
		return nil, errors.New("detector factory is not configured")
	}
	d, err := f.deps.NewDetector()
	if err != nil {
		return nil, err
	}
	if port.IsReentrant(d) {
		f.shared = d
	}
	f.detectors = append(f.detectors, d)
	return d, nil
}

// Worker возвращает конвейер потока
func (f *Fleet) Worker(streamID string) (*PipelineWorker, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	w, ok := f.workers[streamID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", streamID, entity.ErrUnknownStream)
	}
	return w, nil
}

// Start запускает поток на источнике
func (f *Fleet) Start(ctx context.Context, streamID string, src entity.StreamSource) error {
	w, err := f.Worker(streamID)
	if err != nil {
		return err
	}
	return w.Start(ctx, src)
}

// Stop останавливает поток
func (f *Fleet) Stop(streamID string) error {
	w, err := f.Worker(streamID)
	if err != nil {
		return err
	}
	return w.Stop()
}

// ChangeSource переключает поток на другой источник
func (f *Fleet) ChangeSource(ctx context.Context, streamID string, src entity.StreamSource) error {
	w, err := f.Worker(streamID)
	if err != nil {
		return err
	}
	return w.ChangeSource(ctx, src)
}

// SetThresholds меняет пороги потока
func (f *Fleet) SetThresholds(streamID string, conf, iou float64) error {
	w, err := f.Worker(streamID)
	if err != nil {
		return err
	}
	return w.SetThresholds(conf, iou)
}

// Reset сбрасывает ошибку потока
func (f *Fleet) Reset(streamID string) error {
	w, err := f.Worker(streamID)
	if err != nil {
		return err
	}
	w.Reset()
	return nil
}

// Status возвращает состояние потока
func (f *Fleet) Status(streamID string) (WorkerStatus, error) {
	w, err := f.Worker(streamID)
	if err != nil {
		return WorkerStatus{}, err
	}
	return w.Status(), nil
}

// List возвращает состояния всех потоков, упорядоченные по идентификатору
func (f *Fleet) List() []WorkerStatus {
	f.mu.RLock()
	workers := make([]*PipelineWorker, 0, len(f.workers))
	for _, w := range f.workers {
		workers = append(workers, w)
	}
	f.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Remove останавливает поток и убирает его из реестра
func (f *Fleet) Remove(streamID string) error {
	f.mu.Lock()
	w, ok := f.workers[streamID]
	delete(f.workers, streamID)
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", streamID, entity.ErrUnknownStream)
	}
	return w.Stop()
}

// StartAll запускает потоки на заданных источниках параллельно.
// Ошибка одного потока не мешает запуску остальных.
func (f *Fleet) StartAll(ctx context.Context, sources map[string]entity.StreamSource) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for id, src := range sources {
		g.Go(func() error {
			if err := f.Start(ctx, id, src); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// StopAll останавливает все потоки параллельно.
func (f *Fleet) StopAll(ctx context.Context) error {
	f.mu.RLock()
	workers := make([]*PipelineWorker, 0, len(f.workers))
	for _, w := range f.workers {
		workers = append(workers, w)
	}
	f.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- w.Stop() }()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return fmt.Errorf("stop %s: %w", w.StreamID(), ctx.Err())
			}
		})
	}
	return g.Wait()
}

// Close останавливает все потоки и освобождает детекторы.
// Детектор конвейера, не успевшего остановиться до отмены ctx, остаётся открытым:
// его освободит следующий Close.
func (f *Fleet) Close(ctx context.Context) error {
	err := f.StopAll(ctx)

	f.mu.Lock()
	busy := make(map[port.Detector]bool)
	for _, w := range f.workers {
		if st := w.State(); st == entity.StateRunning || st == entity.StateStopping {
			busy[w.detector] = true
		}
	}
	var release, kept []port.Detector
	for _, d := range f.detectors {
		if busy[d] {
			kept = append(kept, d)
		} else {
			release = append(release, d)
		}
	}
	f.detectors = kept
	if f.shared != nil && !busy[f.shared] {
		f.shared = nil
	}
	f.mu.Unlock()

	if len(kept) > 0 {
		f.log.Warn().Int("detectors", len(kept)).Msg("detectors left open, streams are still stopping")
	}
	for _, d := range release {
		if c, ok := d.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	}
	return err
}
