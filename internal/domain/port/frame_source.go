package port

import (
	"context"

	"forest-watch/internal/domain/entity"
)

// FrameSource открытый источник кадров
type FrameSource interface {
	// Read возвращает следующий кадр, *entity.ReadError или entity.ErrEndOfStream
	Read(ctx context.Context) (entity.Frame, error)

	// Close освобождает устройство или файл; повторный вызов безопасен
	Close() error
}

// Rewinder реализуют источники, которые умеют возвращаться к первому кадру
type Rewinder interface {
	Rewind() error
}

// SourceOpener открывает источник; при неудаче возвращает *entity.OpenError
type SourceOpener interface {
	Open(ctx context.Context, src entity.StreamSource) (FrameSource, error)
}
