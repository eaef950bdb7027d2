package httpapi

import (
	"time"

	app "forest-watch/internal/application"
	"forest-watch/internal/domain/entity"
	"forest-watch/internal/infrastructure/eventbus"
)

type thresholdsDTO struct {
	Confidence     float64 `json:"confidence"`
	IoU            float64 `json:"iou"`
	FireConfidence float64 `json:"fire_confidence"`
	MaxDetections  int     `json:"max_detections"`
}

type statusDTO struct {
	StreamID   string        `json:"stream_id"`
	Region     string        `json:"region,omitempty"`
	State      string        `json:"state"`
	Source     string        `json:"source,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Frames     uint64        `json:"frames"`
	Thresholds thresholdsDTO `json:"thresholds"`
}

func toStatusDTO(s app.WorkerStatus) statusDTO {
	return statusDTO{
		StreamID:  s.StreamID,
		Region:    s.Region,
		State:     string(s.State),
		Source:    s.Source.String(),
		LastError: s.LastError,
		Frames:    s.Frames,
		Thresholds: thresholdsDTO{
			Confidence:     s.Thresholds.Confidence,
			IoU:            s.Thresholds.IoU,
			FireConfidence: s.Thresholds.FireConfidence,
			MaxDetections:  s.Thresholds.MaxDetections,
		},
	}
}

type detectionDTO struct {
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"bbox"`
	Category   string     `json:"category"`
	Subtype    string     `json:"subtype,omitempty"`
	Severity   string     `json:"severity,omitempty"`
}

func toDetectionDTO(d entity.Detection) detectionDTO {
	return detectionDTO{
		ClassID:    d.ClassID,
		ClassName:  d.ClassName,
		Confidence: d.Confidence,
		Box:        [4]float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
		Category:   string(d.Category),
		Subtype:    d.Subtype,
		Severity:   string(d.Severity),
	}
}

type eventDTO struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	StreamID   string         `json:"stream_id"`
	Seq        uint64         `json:"seq"`
	Source     string         `json:"source"`
	Detections []detectionDTO `json:"detections"`
}

func toEventDTO(e entity.DetectionEvent) eventDTO {
	out := eventDTO{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		StreamID:   e.StreamID,
		Seq:        e.Seq,
		Source:     e.Source.String(),
		Detections: make([]detectionDTO, 0, len(e.Detections)),
	}
	for _, d := range e.Detections {
		out.Detections = append(out.Detections, toDetectionDTO(d))
	}
	return out
}

type alertDTO struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	StreamID  string       `json:"stream_id"`
	Seq       uint64       `json:"seq"`
	Region    string       `json:"region,omitempty"`
	Detection detectionDTO `json:"detection"`
}

func toAlertDTO(a entity.FireAlert) alertDTO {
	return alertDTO{
		ID:        a.ID,
		Timestamp: a.Timestamp,
		StreamID:  a.StreamID,
		Seq:       a.Seq,
		Region:    a.Region,
		Detection: toDetectionDTO(a.Detection),
	}
}

type statusEventDTO struct {
	Timestamp time.Time `json:"timestamp"`
	StreamID  string    `json:"stream_id"`
	State     string    `json:"state"`
	Source    string    `json:"source,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// envelope сообщение websocket-потока
type envelope struct {
	Type   string          `json:"type"`
	Event  *eventDTO       `json:"event,omitempty"`
	Alert  *alertDTO       `json:"alert,omitempty"`
	Status *statusEventDTO `json:"status,omitempty"`
}

func toEnvelope(msg eventbus.Message) (envelope, bool) {
	switch msg.Kind {
	case eventbus.KindDetections:
		e := toEventDTO(msg.Event)
		return envelope{Type: string(msg.Kind), Event: &e}, true
	case eventbus.KindFire:
		a := toAlertDTO(msg.Alert)
		return envelope{Type: string(msg.Kind), Alert: &a}, true
	case eventbus.KindStatus:
		s := statusEventDTO{
			Timestamp: msg.Status.Timestamp,
			StreamID:  msg.Status.StreamID,
			State:     string(msg.Status.State),
			Source:    msg.Status.Source.String(),
			Error:     msg.Status.Err,
		}
		return envelope{Type: string(msg.Kind), Status: &s}, true
	default:
		return envelope{}, false
	}
}

type sourceRequest struct {
	Source string `json:"source"`
}

type thresholdsRequest struct {
	Confidence float64 `json:"confidence"`
	IoU        float64 `json:"iou"`
}
