package port

import "forest-watch/internal/domain/entity"

// Preprocessor готовит кадр для модели. Реализация не должна иметь изменяемого состояния.
type Preprocessor interface {
	Prepare(frame entity.Frame, targetSize, stride int) (entity.Tensor, error)
}

// Annotator рисует находки на копии кадра
type Annotator interface {
	Draw(frame entity.Frame, detections []entity.Detection) entity.Frame
}
