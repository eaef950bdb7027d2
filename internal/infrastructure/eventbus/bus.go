// Package eventbus раздаёт результаты конвейеров подписчикам без блокировки публикующего.
//
// Каждый подписчик получает собственный буферизованный канал и собственные копии
// кадров и списков находок. Если канал переполнен, обычное сообщение отбрасывается,
// а оповещение о пожаре или смена статуса вытесняют самое старое сообщение в очереди.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

var (
	ErrSubscriberExists   = errors.New("subscriber id already exists")
	ErrSubscriberNotFound = errors.New("subscriber id not found")
	ErrBusClosed          = errors.New("bus is closed")
)

// Kind тип сообщения
type Kind string

const (
	KindDetections Kind = "detections"
	KindFrame      Kind = "frame"
	KindFire       Kind = "fire"
	KindStatus     Kind = "status"
)

// priority сообщения, которые не должны теряться из-за медленного подписчика
func (k Kind) priority() bool {
	return k == KindFire || k == KindStatus
}

// Message одна посылка конвейера; заполнено поле, соответствующее Kind.
type Message struct {
	Kind     Kind
	StreamID string
	Event    entity.DetectionEvent
	Frame    entity.Frame
	Alert    entity.FireAlert
	Status   entity.StatusEvent
}

// Filter ограничивает, что получает подписчик. Пустые поля: без ограничения.
type Filter struct {
	Kinds    []Kind
	StreamID string
}

func (f Filter) match(kind Kind, streamID string) bool {
	if f.StreamID != "" && f.StreamID != streamID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Stats счётчики шины
type Stats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

// SubscriberStats счётчики одного подписчика
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
	Evicted uint64 // вытеснено приоритетными сообщениями
}

type subscriber struct {
	ch      chan Message
	filter  Filter
	sent    atomic.Uint64
	dropped atomic.Uint64
	evicted atomic.Uint64
}

// Bus шина событий; реализует port.EventSink.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	published atomic.Uint64
}

// New создаёт пустую шину
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe регистрирует подписчика и возвращает его канал.
// Канал закрывается при Unsubscribe или Close.
func (b *Bus) Subscribe(id string, filter Filter, buffer int) (<-chan Message, error) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	sub := &subscriber{ch: make(chan Message, buffer), filter: filter}
	b.subscribers[id] = sub
	return sub.ch, nil
}

// Unsubscribe удаляет подписчика и закрывает его канал.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subscribers, id)
	close(sub.ch)
	return nil
}

// Publish рассылает событие обнаружения
func (b *Bus) Publish(event entity.DetectionEvent) {
	b.fanOut(KindDetections, event.StreamID, func() Message {
		return Message{Kind: KindDetections, StreamID: event.StreamID, Event: event.Clone()}
	})
}

// PublishFrame рассылает аннотированный кадр
func (b *Bus) PublishFrame(streamID string, frame entity.Frame) {
	b.fanOut(KindFrame, streamID, func() Message {
		return Message{Kind: KindFrame, StreamID: streamID, Frame: frame.Clone()}
	})
}

// PublishFireAlert рассылает оповещение о пожаре
func (b *Bus) PublishFireAlert(alert entity.FireAlert) {
	b.fanOut(KindFire, alert.StreamID, func() Message {
		return Message{Kind: KindFire, StreamID: alert.StreamID, Alert: alert}
	})
}

// PublishStatus рассылает смену состояния конвейера
func (b *Bus) PublishStatus(status entity.StatusEvent) {
	b.fanOut(KindStatus, status.StreamID, func() Message {
		return Message{Kind: KindStatus, StreamID: status.StreamID, Status: status}
	})
}

// fanOut никогда не блокирует; после Close сообщения молча отбрасываются.
func (b *Bus) fanOut(kind Kind, streamID string, build func() Message) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if !sub.filter.match(kind, streamID) {
			continue
		}
		msg := build()

		select {
		case sub.ch <- msg:
			sub.sent.Add(1)
			continue
		default:
		}

		if !kind.priority() {
			sub.dropped.Add(1)
			continue
		}

		// Освобождаем место, выбрасывая самое старое сообщение.
		select {
		case <-sub.ch:
			sub.evicted.Add(1)
		default:
		}
		select {
		case sub.ch <- msg:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
}

// Stats возвращает снимок счётчиков
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		TotalPublished: b.published.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		st := SubscriberStats{
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
			Evicted: sub.evicted.Load(),
		}
		out.TotalSent += st.Sent
		out.TotalDropped += st.Dropped
		out.Subscribers[id] = st
	}
	return out
}

// Close закрывает шину и каналы всех подписчиков. Повторный вызов безопасен.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	return nil
}

var _ port.EventSink = (*Bus)(nil)
