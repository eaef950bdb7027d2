package storage

import (
	"context"
	"sync"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/infrastructure/eventbus"
)

// DefaultAlertHistory сколько последних оповещений о пожаре хранить
const DefaultAlertHistory = 100

type streamSnapshot struct {
	frame     entity.Frame
	event     entity.DetectionEvent
	status    entity.StatusEvent
	hasFrame  bool
	hasEvent  bool
	hasStatus bool
}

// MemoryLatestStore хранит последний аннотированный кадр, событие и статус каждого потока
// и короткую историю оповещений о пожаре.
type MemoryLatestStore struct {
	mu      sync.RWMutex
	streams map[string]*streamSnapshot
	alerts  []entity.FireAlert
	limit   int
}

// NewMemoryLatestStore создаёт хранилище; historyLimit <= 0: значение по умолчанию.
func NewMemoryLatestStore(historyLimit int) *MemoryLatestStore {
	if historyLimit <= 0 {
		historyLimit = DefaultAlertHistory
	}
	return &MemoryLatestStore{
		streams: make(map[string]*streamSnapshot),
		limit:   historyLimit,
	}
}

// Consume читает сообщения шины до закрытия канала или отмены контекста.
func (s *MemoryLatestStore) Consume(ctx context.Context, messages <-chan eventbus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.Apply(msg)
		}
	}
}

// Apply запоминает одно сообщение. Сообщения шины уже являются копиями.
func (s *MemoryLatestStore) Apply(msg eventbus.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Kind == eventbus.KindFire {
		s.alerts = append(s.alerts, msg.Alert)
		if len(s.alerts) > s.limit {
			s.alerts = append([]entity.FireAlert(nil), s.alerts[len(s.alerts)-s.limit:]...)
		}
		return
	}

	snap, ok := s.streams[msg.StreamID]
	if !ok {
		snap = &streamSnapshot{}
		s.streams[msg.StreamID] = snap
	}

	switch msg.Kind {
	case eventbus.KindFrame:
		snap.frame, snap.hasFrame = msg.Frame, true
	case eventbus.KindDetections:
		snap.event, snap.hasEvent = msg.Event, true
	case eventbus.KindStatus:
		snap.status, snap.hasStatus = msg.Status, true
	}
}

// Frame возвращает копию последнего аннотированного кадра потока
func (s *MemoryLatestStore) Frame(streamID string) (entity.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.streams[streamID]
	if !ok || !snap.hasFrame {
		return entity.Frame{}, false
	}
	return snap.frame.Clone(), true
}

// Event возвращает последнее событие обнаружения потока
func (s *MemoryLatestStore) Event(streamID string) (entity.DetectionEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.streams[streamID]
	if !ok || !snap.hasEvent {
		return entity.DetectionEvent{}, false
	}
	return snap.event.Clone(), true
}

// Status возвращает последний опубликованный статус потока
func (s *MemoryLatestStore) Status(streamID string) (entity.StatusEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.streams[streamID]
	if !ok || !snap.hasStatus {
		return entity.StatusEvent{}, false
	}
	return snap.status, true
}

// Alerts возвращает последние оповещения о пожаре, от старых к новым
func (s *MemoryLatestStore) Alerts() []entity.FireAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]entity.FireAlert(nil), s.alerts...)
}
