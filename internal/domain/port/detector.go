package port

import (
	"context"

	"forest-watch/internal/domain/entity"
)

// Detector интерфейс модели обнаружения объектов
type Detector interface {
	// Infer прогоняет подготовленный тензор через модель и возвращает кандидатов в координатах входа модели
	Infer(ctx context.Context, tensor entity.Tensor) (entity.RawPrediction, error)

	// Labels возвращает имена классов по их номерам
	Labels() []string
}

// Reentrant реализуют детекторы, которые можно вызывать из нескольких конвейеров одновременно.
type Reentrant interface {
	Reentrant() bool
}

// DetectorFactory создаёт отдельный экземпляр детектора для конвейера.
type DetectorFactory func() (Detector, error)

// IsReentrant сообщает, объявил ли детектор потокобезопасность
func IsReentrant(d Detector) bool {
	r, ok := d.(Reentrant)
	return ok && r.Reentrant()
}
