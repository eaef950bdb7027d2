package port

import (
	"context"

	"forest-watch/internal/domain/entity"
)

// SubscriberRepository интерфейс хранилища подписчиков на оповещения
type SubscriberRepository interface {
	// Get возвращает подписчика по чату, создаёт нового если не найден
	Get(ctx context.Context, userID, chatID int64) (*entity.Subscriber, error)

	// Save сохраняет подписчика
	Save(ctx context.Context, sub *entity.Subscriber) error

	// Remove удаляет подписчика
	Remove(ctx context.Context, chatID int64) error

	// List возвращает всех подписчиков
	List(ctx context.Context) ([]*entity.Subscriber, error)
}
