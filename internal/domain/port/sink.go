package port

import (
	"time"

	"forest-watch/internal/domain/entity"
)

// EventSink получатель результатов конвейера.
// Все методы не должны блокировать вызывающего.
type EventSink interface {
	Publish(event entity.DetectionEvent)
	PublishFrame(streamID string, frame entity.Frame)
	PublishFireAlert(alert entity.FireAlert)
	PublishStatus(status entity.StatusEvent)
}

// PipelineMetrics счётчики работы конвейера
type PipelineMetrics interface {
	FrameRead(streamID string)
	ReadError(streamID string)
	InferenceError(streamID string)
	FrameProcessed(streamID string, latency time.Duration, detections int)
	FireAlert(streamID string)
	StateChanged(streamID string, state entity.PipelineState)
}
