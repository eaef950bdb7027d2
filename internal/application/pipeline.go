package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// PipelineConfig настройки конвейера одного потока
type PipelineConfig struct {
	StreamID               string
	Region                 string        // район наблюдения для оповещений о пожаре
	TargetSize             int           // сторона входа модели
	Stride                 int           // шаг сети, сторона выравнивается на него
	Thresholds             Thresholds    // начальные пороги
	LoopAtEnd              bool          // по концу файла начинать сначала, иначе остановиться
	FrameInterval          time.Duration // пауза между кадрами
	MaxConsecutiveFailures int           // после стольких сбоев подряд конвейер уходит в Error
}

// DefaultPipelineConfig настройки по умолчанию для потока
func DefaultPipelineConfig(streamID string) PipelineConfig {
	return PipelineConfig{
		StreamID:               streamID,
		TargetSize:             640,
		Stride:                 32,
		Thresholds:             DefaultThresholds(),
		FrameInterval:          10 * time.Millisecond,
		MaxConsecutiveFailures: 5,
	}
}

// PipelineDeps зависимости конвейера
type PipelineDeps struct {
	Opener        port.SourceOpener
	Detector      port.Detector
	Preprocessor  port.Preprocessor
	PostProcessor *PostProcessor
	Annotator     port.Annotator
	Sink          port.EventSink
	Metrics       port.PipelineMetrics
	Logger        zerolog.Logger
}

// WorkerStatus снимок состояния конвейера для панели управления
type WorkerStatus struct {
	StreamID   string
	Region     string
	State      entity.PipelineState
	Source     entity.StreamSource
	LastError  string
	Thresholds Thresholds
	Frames     uint64
}

// PipelineWorker читает кадры, прогоняет их через детектор и публикует результат.
// Каждый запуск обслуживает своя горутина; Stop выполняется кооперативно на границе кадра.
type PipelineWorker struct {
	cfg       PipelineConfig
	opener    port.SourceOpener
	detector  port.Detector
	pre       port.Preprocessor
	post      *PostProcessor
	annotator port.Annotator
	sink      port.EventSink
	metrics   port.PipelineMetrics
	log       zerolog.Logger

	now   func() time.Time
	newID func() string

	// control сериализует Start/Stop/ChangeSource, mu защищает поля состояния.
	control sync.Mutex
	mu      sync.Mutex
	state   entity.PipelineState
	source  entity.StreamSource
	lastErr error
	stopCh  chan struct{}
	done    chan struct{}

	thresholds atomic.Pointer[Thresholds]
	seq        atomic.Uint64
}

// NewPipelineWorker создаёт конвейер в состоянии Idle.
func NewPipelineWorker(cfg PipelineConfig, deps PipelineDeps) (*PipelineWorker, error) {
	if cfg.StreamID == "" {
		return nil, errors.New("stream id is required")
	}
	if deps.Opener == nil || deps.Detector == nil || deps.Preprocessor == nil || deps.Annotator == nil || deps.Sink == nil {
		return nil, errors.New("pipeline dependencies are not configured")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = 640
	}
	if cfg.Stride <= 0 {
		cfg.Stride = 32
	}

	post := deps.PostProcessor
	if post == nil {
		post = NewPostProcessor(deps.Detector.Labels(), nil)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}

	w := &PipelineWorker{
		cfg:       cfg,
		opener:    deps.Opener,
		detector:  deps.Detector,
		pre:       deps.Preprocessor,
		post:      post,
		annotator: deps.Annotator,
		sink:      deps.Sink,
		metrics:   metrics,
		log:       deps.Logger,
		now:       time.Now,
		newID:     uuid.NewString,
		state:     entity.StateIdle,
	}
	th := cfg.Thresholds
	w.thresholds.Store(&th)
	return w, nil
}

// StreamID возвращает идентификатор потока
func (w *PipelineWorker) StreamID() string {
	return w.cfg.StreamID
}

// State возвращает текущее состояние
func (w *PipelineWorker) State() entity.PipelineState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status возвращает снимок состояния
func (w *PipelineWorker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := WorkerStatus{
		StreamID:   w.cfg.StreamID,
		Region:     w.cfg.Region,
		State:      w.state,
		Source:     w.source,
		Thresholds: *w.thresholds.Load(),
		Frames:     w.seq.Load(),
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

// Thresholds возвращает действующие пороги
func (w *PipelineWorker) Thresholds() Thresholds {
	return *w.thresholds.Load()
}

// SetThresholds меняет общий порог уверенности и порог NMS; применяется со следующего кадра.
func (w *PipelineWorker) SetThresholds(conf, iou float64) error {
	th := *w.thresholds.Load()
	th.Confidence = conf
	th.IoU = iou
	return w.SetAllThresholds(th)
}

// SetAllThresholds заменяет все пороги разом.
func (w *PipelineWorker) SetAllThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	w.thresholds.Store(&th)
	w.log.Info().
		Float64("conf", th.Confidence).
		Float64("iou", th.IoU).
		Float64("fire_conf", th.FireConfidence).
		Msg("thresholds updated")
	return nil
}

// Start открывает источник и запускает цикл обработки.
// Ошибка открытия возвращается сразу, конвейер остаётся в Idle.
func (w *PipelineWorker) Start(ctx context.Context, src entity.StreamSource) error {
	w.control.Lock()
	defer w.control.Unlock()
	return w.start(ctx, src)
}

// Stop просит цикл завершиться и ждёт, пока источник будет закрыт.
// Для остановленного конвейера ничего не делает.
func (w *PipelineWorker) Stop() error {
	w.control.Lock()
	defer w.control.Unlock()
	w.stop(true)
	return nil
}

// ChangeSource останавливает текущий источник и запускает новый.
// Между ними потребители не получают ни кадров, ни статуса Idle.
func (w *PipelineWorker) ChangeSource(ctx context.Context, src entity.StreamSource) error {
	w.control.Lock()
	defer w.control.Unlock()

	w.stop(false)
	return w.start(ctx, src)
}

// Reset сбрасывает состояние Error в Idle.
func (w *PipelineWorker) Reset() {
	w.control.Lock()
	defer w.control.Unlock()

	w.mu.Lock()
	if w.state != entity.StateError {
		w.mu.Unlock()
		return
	}
	w.state = entity.StateIdle
	w.lastErr = nil
	src := w.source
	w.mu.Unlock()

	w.announce(entity.StateIdle, src, nil)
}

func (w *PipelineWorker) start(ctx context.Context, src entity.StreamSource) error {
	w.mu.Lock()
	if !w.state.CanStart() {
		w.mu.Unlock()
		return entity.ErrAlreadyRunning
	}
	if w.state == entity.StateError {
		w.state = entity.StateIdle
		w.lastErr = nil
	}
	w.mu.Unlock()

	fs, err := w.opener.Open(ctx, src)
	if err != nil {
		var openErr *entity.OpenError
		if !errors.As(err, &openErr) {
			err = &entity.OpenError{Source: src, Err: err}
		}
		w.log.Warn().Err(err).Str("source", src.String()).Msg("failed to open source")
		w.announce(entity.StateIdle, src, err)
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	w.mu.Lock()
	w.state = entity.StateRunning
	w.source = src
	w.stopCh = stop
	w.done = done
	w.mu.Unlock()

	w.log.Info().Str("source", src.String()).Msg("pipeline started")
	w.announce(entity.StateRunning, src, nil)

	go w.run(fs, src, stop, done)
	return nil
}

func (w *PipelineWorker) stop(announce bool) {
	w.mu.Lock()
	if w.state != entity.StateRunning {
		w.mu.Unlock()
		return
	}
	w.state = entity.StateStopping
	close(w.stopCh)
	done := w.done
	src := w.source
	w.mu.Unlock()

	w.metrics.StateChanged(w.cfg.StreamID, entity.StateStopping)
	<-done

	w.mu.Lock()
	w.state = entity.StateIdle
	w.mu.Unlock()

	w.log.Info().Str("source", src.String()).Msg("pipeline stopped")
	if announce {
		w.announce(entity.StateIdle, src, nil)
	} else {
		w.metrics.StateChanged(w.cfg.StreamID, entity.StateIdle)
	}
}

// run: тело цикла; единственное место, где источник закрывается.
func (w *PipelineWorker) run(fs port.FrameSource, src entity.StreamSource, stop <-chan struct{}, done chan<- struct{}) {
	var (
		final    entity.PipelineState
		finalErr error
	)
	defer func() {
		w.closeSource(fs, src)
		if final != "" {
			w.finish(final, src, finalErr)
		}
		close(done)
	}()

	// Stop не прерывает чтение и инференс: отмена проверяется только на границе кадра.
	ctx := context.Background()
	var readFailures, inferFailures int

	for {
		select {
		case <-stop:
			return
		default:
		}

		frame, err := w.readFrame(ctx, fs, src)
		if errors.Is(err, entity.ErrEndOfStream) {
			if w.rewind(fs, src) {
				continue
			}
			final = entity.StateIdle
			return
		}
		if err != nil {
			readFailures++
			w.metrics.ReadError(w.cfg.StreamID)
			w.log.Warn().Err(err).Int("consecutive", readFailures).Msg("frame read failed")
			if readFailures > w.cfg.MaxConsecutiveFailures {
				final = entity.StateError
				finalErr = &entity.FatalError{StreamID: w.cfg.StreamID, Failures: readFailures, Err: err}
				return
			}
			if !w.yield(stop) {
				return
			}
			continue
		}
		readFailures = 0

		if err := w.processFrame(ctx, frame, src); err != nil {
			inferFailures++
			w.metrics.InferenceError(w.cfg.StreamID)
			w.log.Warn().Err(err).Int("consecutive", inferFailures).Msg("frame skipped")
			if inferFailures > w.cfg.MaxConsecutiveFailures {
				final = entity.StateError
				finalErr = &entity.FatalError{StreamID: w.cfg.StreamID, Failures: inferFailures, Err: err}
				return
			}
		} else {
			inferFailures = 0
		}

		if !w.yield(stop) {
			return
		}
	}
}

func (w *PipelineWorker) readFrame(ctx context.Context, fs port.FrameSource, src entity.StreamSource) (entity.Frame, error) {
	frame, err := fs.Read(ctx)
	if err != nil {
		if errors.Is(err, entity.ErrEndOfStream) {
			return entity.Frame{}, err
		}
		var readErr *entity.ReadError
		if !errors.As(err, &readErr) {
			err = &entity.ReadError{Source: src, Err: err}
		}
		return entity.Frame{}, err
	}
	if frame.Empty() {
		return entity.Frame{}, &entity.ReadError{Source: src, Err: errors.New("empty frame")}
	}

	frame.StreamID = w.cfg.StreamID
	frame.Seq = w.seq.Add(1)
	if frame.Timestamp.IsZero() {
		frame.Timestamp = w.now()
	}
	w.metrics.FrameRead(w.cfg.StreamID)
	return frame, nil
}

func (w *PipelineWorker) processFrame(ctx context.Context, frame entity.Frame, src entity.StreamSource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &entity.InferenceError{Seq: frame.Seq, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	started := w.now()
	th := *w.thresholds.Load()

	tensor, err := w.pre.Prepare(frame, w.cfg.TargetSize, w.cfg.Stride)
	if err != nil {
		return &entity.InferenceError{Seq: frame.Seq, Err: fmt.Errorf("preprocess: %w", err)}
	}

	raw, err := w.detector.Infer(ctx, tensor)
	if err != nil {
		return &entity.InferenceError{Seq: frame.Seq, Err: err}
	}

	result := w.post.Filter(raw, tensor.Letterbox, th)
	display := w.annotator.Draw(frame, result.Detections)

	event := entity.DetectionEvent{
		ID:         w.newID(),
		Timestamp:  frame.Timestamp,
		StreamID:   w.cfg.StreamID,
		Seq:        frame.Seq,
		Source:     src,
		Detections: result.Detections,
	}

	w.publish("frame", func() { w.sink.PublishFrame(w.cfg.StreamID, display) })
	w.publish("detections", func() { w.sink.Publish(event) })

	for _, d := range result.Fire {
		alert := entity.FireAlert{
			ID:        w.newID(),
			Timestamp: frame.Timestamp,
			StreamID:  w.cfg.StreamID,
			Seq:       frame.Seq,
			Region:    w.cfg.Region,
			Detection: d,
		}
		w.log.Warn().
			Float64("confidence", d.Confidence).
			Str("region", w.cfg.Region).
			Uint64("seq", frame.Seq).
			Msg("fire detected")
		w.metrics.FireAlert(w.cfg.StreamID)
		w.publish("fire", func() { w.sink.PublishFireAlert(alert) })
	}

	w.metrics.FrameProcessed(w.cfg.StreamID, w.now().Sub(started), len(result.Detections))
	return nil
}

func (w *PipelineWorker) rewind(fs port.FrameSource, src entity.StreamSource) bool {
	if !w.cfg.LoopAtEnd {
		w.log.Info().Str("source", src.String()).Msg("end of stream")
		return false
	}
	r, ok := fs.(port.Rewinder)
	if !ok {
		w.log.Warn().Str("source", src.String()).Msg("end of stream: source cannot rewind")
		return false
	}
	if err := r.Rewind(); err != nil {
		w.log.Warn().Err(err).Str("source", src.String()).Msg("end of stream: rewind failed")
		return false
	}
	w.log.Debug().Str("source", src.String()).Msg("end of stream, playback restarted")
	return true
}

// yield выдерживает паузу между кадрами; false: пришёл Stop.
func (w *PipelineWorker) yield(stop <-chan struct{}) bool {
	if w.cfg.FrameInterval <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(w.cfg.FrameInterval)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

func (w *PipelineWorker) closeSource(fs port.FrameSource, src entity.StreamSource) {
	if err := fs.Close(); err != nil {
		w.log.Warn().Err(err).Str("source", src.String()).Msg("failed to close source")
	}
}

// finish фиксирует выход цикла по собственной причине (конец файла или сбой).
// Если в этот момент уже идёт Stop, переход оставляется ему.
func (w *PipelineWorker) finish(state entity.PipelineState, src entity.StreamSource, err error) {
	w.mu.Lock()
	if w.state != entity.StateRunning {
		w.mu.Unlock()
		return
	}
	w.state = state
	w.lastErr = err
	w.mu.Unlock()

	if err != nil {
		w.log.Error().Err(err).Msg("pipeline failed")
	}
	w.announce(state, src, err)
}

func (w *PipelineWorker) announce(state entity.PipelineState, src entity.StreamSource, err error) {
	w.metrics.StateChanged(w.cfg.StreamID, state)
	status := entity.StatusEvent{
		Timestamp: w.now(),
		StreamID:  w.cfg.StreamID,
		State:     state,
		Source:    src,
	}
	if err != nil {
		status.Err = err.Error()
	}
	w.publish("status", func() { w.sink.PublishStatus(status) })
}

// publish вызывает получателя и гасит его панику: сбой потребителя не должен ронять конвейер.
func (w *PipelineWorker) publish(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("kind", kind).Msg("event sink failed")
		}
	}()
	fn()
}

// NopMetrics реализация PipelineMetrics, которая ничего не считает
type NopMetrics struct{}

func (NopMetrics) FrameRead(string) {}
func (NopMetrics) ReadError(string) {}
func (NopMetrics) InferenceError(string) {}
func (NopMetrics) FrameProcessed(string, time.Duration, int) {}
func (NopMetrics) FireAlert(string) {}
func (NopMetrics) StateChanged(string, entity.PipelineState) {}

var _ port.PipelineMetrics = NopMetrics{}
