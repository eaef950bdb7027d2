package entity

import "time"

// DetectionEvent публикуется один раз на каждый обработанный кадр.
// Пустой Detections означает «в кадре ничего нет», а не «конвейер остановлен».
type DetectionEvent struct {
	ID         string
	Timestamp  time.Time
	StreamID   string
	Seq        uint64
	Source     StreamSource
	Detections []Detection
}

// Clone возвращает копию события со своим срезом находок.
func (e DetectionEvent) Clone() DetectionEvent {
	e.Detections = CloneDetections(e.Detections)
	if e.Detections == nil {
		e.Detections = []Detection{}
	}
	return e
}

// FireAlert приоритетное оповещение о возгорании.
type FireAlert struct {
	ID        string
	Timestamp time.Time
	StreamID  string
	Seq       uint64
	Region    string // район наблюдения, к которому привязан поток
	Detection Detection
}

// StatusEvent уведомление о смене состояния конвейера.
// Состояние Error с заполненным Err служит единственным терминальным уведомлением о сбое.
type StatusEvent struct {
	Timestamp time.Time
	StreamID  string
	State     PipelineState
	Source    StreamSource
	Err       string
}
