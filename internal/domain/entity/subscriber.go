package entity

// SubscriberState состояние подписчика на оповещения
type SubscriberState string

const (
	SubscriberActive SubscriberState = "active" // Получает оповещения
	SubscriberMuted  SubscriberState = "muted"  // Оповещения временно отключены
)

// Subscriber чат Telegram, подписанный на оповещения о пожарах и сбоях
type Subscriber struct {
	UserID  int64           // Telegram User ID
	ChatID  int64           // Telegram Chat ID
	State   SubscriberState // Текущее состояние подписки
	Streams []string        // Потоки, по которым слать оповещения; пусто: все
}

// NewSubscriber создаёт активного подписчика на все потоки
func NewSubscriber(userID, chatID int64) *Subscriber {
	return &Subscriber{
		UserID: userID,
		ChatID: chatID,
		State:  SubscriberActive,
	}
}

// SetState обновляет состояние подписки
func (s *Subscriber) SetState(state SubscriberState) {
	s.State = state
}

// Wants сообщает, нужно ли отправлять подписчику оповещение по потоку
func (s *Subscriber) Wants(streamID string) bool {
	if s.State != SubscriberActive {
		return false
	}
	if len(s.Streams) == 0 {
		return true
	}
	for _, id := range s.Streams {
		if id == streamID {
			return true
		}
	}
	return false
}

// Copy возвращает копию подписчика со своим списком потоков
func (s *Subscriber) Copy() *Subscriber {
	out := *s
	out.Streams = append([]string(nil), s.Streams...)
	return &out
}
