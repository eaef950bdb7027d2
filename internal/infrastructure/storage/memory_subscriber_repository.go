package storage

import (
	"context"
	"sort"
	"sync"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// MemorySubscriberRepository in-memory хранилище подписчиков
type MemorySubscriberRepository struct {
	mu   sync.RWMutex
	subs map[int64]*entity.Subscriber
}

// NewMemorySubscriberRepository создаёт новое in-memory хранилище
func NewMemorySubscriberRepository() *MemorySubscriberRepository {
	return &MemorySubscriberRepository{
		subs: make(map[int64]*entity.Subscriber),
	}
}

// Get возвращает подписчика по чату, создаёт нового если не найден
func (r *MemorySubscriberRepository) Get(ctx context.Context, userID, chatID int64) (*entity.Subscriber, error) {
	r.mu.RLock()
	sub, exists := r.subs[chatID]
	r.mu.RUnlock()

	if exists {
		return sub.Copy(), nil
	}

	return entity.NewSubscriber(userID, chatID), nil
}

// Save сохраняет подписчика
func (r *MemorySubscriberRepository) Save(ctx context.Context, sub *entity.Subscriber) error {
	r.mu.Lock()
	r.subs[sub.ChatID] = sub.Copy()
	r.mu.Unlock()

	return nil
}

// Remove удаляет подписчика
func (r *MemorySubscriberRepository) Remove(ctx context.Context, chatID int64) error {
	r.mu.Lock()
	delete(r.subs, chatID)
	r.mu.Unlock()

	return nil
}

// List возвращает всех подписчиков, упорядоченных по чату
func (r *MemorySubscriberRepository) List(ctx context.Context) ([]*entity.Subscriber, error) {
	r.mu.RLock()
	out := make([]*entity.Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub.Copy())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

// Проверка реализации интерфейса
var _ port.SubscriberRepository = (*MemorySubscriberRepository)(nil)
