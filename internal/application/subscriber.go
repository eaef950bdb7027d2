package app

import (
	"context"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// SubscriberService управляет подписками чатов на оповещения
type SubscriberService struct {
	repo port.SubscriberRepository
}

func NewSubscriberService(repo port.SubscriberRepository) *SubscriberService {
	return &SubscriberService{repo: repo}
}

func (s *SubscriberService) Get(ctx context.Context, userID, chatID int64) (*entity.Subscriber, error) {
	return s.repo.Get(ctx, userID, chatID)
}

// Subscribe включает оповещения; streams ограничивает список потоков, пусто: все.
func (s *SubscriberService) Subscribe(ctx context.Context, userID, chatID int64, streams ...string) (*entity.Subscriber, error) {
	sub, err := s.repo.Get(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	sub.SetState(entity.SubscriberActive)
	sub.Streams = append([]string(nil), streams...)
	if err := s.repo.Save(ctx, sub); err != nil {
		return nil, err
	}

	return sub, nil
}

func (s *SubscriberService) SetState(ctx context.Context, userID, chatID int64, state entity.SubscriberState) (*entity.Subscriber, error) {
	sub, err := s.repo.Get(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	sub.SetState(state)
	if err := s.repo.Save(ctx, sub); err != nil {
		return nil, err
	}

	return sub, nil
}

func (s *SubscriberService) Mute(ctx context.Context, userID, chatID int64) (*entity.Subscriber, error) {
	return s.SetState(ctx, userID, chatID, entity.SubscriberMuted)
}

func (s *SubscriberService) Unsubscribe(ctx context.Context, chatID int64) error {
	return s.repo.Remove(ctx, chatID)
}

// Recipients возвращает чаты, которым нужно отправить оповещение по потоку
func (s *SubscriberService) Recipients(ctx context.Context, streamID string) ([]int64, error) {
	subs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	chats := make([]int64, 0, len(subs))
	for _, sub := range subs {
		if sub.Wants(streamID) {
			chats = append(chats, sub.ChatID)
		}
	}
	return chats, nil
}
