package vision

import (
	"context"
	"sync"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// ScriptStep ответ детектора на один вызов
type ScriptStep struct {
	Prediction entity.RawPrediction
	Err        error
}

// ScriptedDetector отдаёт заранее заданные ответы по кругу. Нужен для демонстраций и тестов.
type ScriptedDetector struct {
	labels []string

	mu    sync.Mutex
	steps []ScriptStep
	next  int
	calls int
}

// NewScriptedDetector создаёт детектор; без шагов отвечает пустым списком.
func NewScriptedDetector(labels []string, steps ...ScriptStep) *ScriptedDetector {
	return &ScriptedDetector{labels: append([]string(nil), labels...), steps: steps}
}

func (d *ScriptedDetector) Labels() []string {
	return append([]string(nil), d.labels...)
}

// Reentrant: состояние защищено мьютексом
func (d *ScriptedDetector) Reentrant() bool { return true }

func (d *ScriptedDetector) Infer(ctx context.Context, tensor entity.Tensor) (entity.RawPrediction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if len(d.steps) == 0 {
		return entity.RawPrediction{}, nil
	}
	step := d.steps[d.next%len(d.steps)]
	d.next++
	if step.Err != nil {
		return nil, step.Err
	}
	out := make(entity.RawPrediction, len(step.Prediction))
	copy(out, step.Prediction)
	return out, nil
}

// Calls возвращает число вызовов Infer
func (d *ScriptedDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

var _ port.Detector = (*ScriptedDetector)(nil)
