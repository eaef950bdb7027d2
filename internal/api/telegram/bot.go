package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	app "forest-watch/internal/application"
	"forest-watch/internal/domain/entity"
	"forest-watch/internal/infrastructure/eventbus"
	"forest-watch/internal/infrastructure/vision"
)

const (
	msgStart = `👋 Привет! Я слежу за лесными камерами и дронами.

🔥 Пришлю оповещение, как только замечу огонь или дым.

📋 Команды:
/streams — список потоков
/snapshot <поток> — последний кадр
/subscribe [потоки] — подписаться на оповещения
/help — справка`

	msgHelp = `ℹ️ Управление потоками (только из чатов операторов):

/streams — список потоков и их состояние
/start <поток> <источник> — запустить поток
/stop <поток> — остановить поток
/source <поток> <источник> — сменить источник
/thresholds <поток> <conf> <iou> — пороги детекции
/reset <поток> — сбросить ошибку
/snapshot <поток> — последний кадр

🔔 Оповещения:
/subscribe [потоки] — подписаться (без аргументов — на все)
/mute — временно отключить
/unsubscribe — отписаться

💡 Источник: номер камеры (0), путь к файлу или synthetic:<имя>`

	msgUnknownCommand = "❓ Неизвестная команда. Используйте /help для справки."
	msgSendCommand    = "📋 Я понимаю только команды. Используйте /help для справки."
	msgNoStreams      = "📡 Потоки не настроены."
	msgNoFrame        = "⏳ Кадров пока нет."
	msgSubscribed     = "🔔 Вы подписаны на оповещения по всем потокам."
	msgSubscribedTo   = "🔔 Вы подписаны на оповещения по потокам: %s"
	msgMuted          = "🔕 Оповещения отключены. Отправьте /subscribe, чтобы включить снова."
	msgUnsubscribed   = "👋 Подписка отменена."
	msgStarted        = "▶️ Поток %s запущен: %s"
	msgStopped        = "⏹ Поток %s остановлен."
	msgSourceChanged  = "🔄 Поток %s переключён на %s"
	msgThresholds     = "🎚 Пороги потока %s: conf=%.2f iou=%.2f"
	msgReset          = "♻️ Ошибка потока %s сброшена."
	msgInternalError  = "⚠️ Что-то пошло не так. Попробуйте позже."
	msgForbidden      = "🔒 Управлять потоками можно только из чата операторов."

	usageStart      = "Использование: /start <поток> <источник>"
	usageStop       = "Использование: /stop <поток>"
	usageSource     = "Использование: /source <поток> <источник>"
	usageThresholds = "Использование: /thresholds <поток> <conf> <iou>"
	usageReset      = "Использование: /reset <поток>"
	usageSnapshot   = "Использование: /snapshot <поток>"

	snapshotQuality = 85
)

// DefaultAlertCooldown минимальный интервал между оповещениями о пожаре по одному потоку
const DefaultAlertCooldown = 30 * time.Second

// API методы Telegram, которые использует бот
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Fleet управление потоками
type Fleet interface {
	Start(ctx context.Context, streamID string, src entity.StreamSource) error
	Stop(streamID string) error
	ChangeSource(ctx context.Context, streamID string, src entity.StreamSource) error
	SetThresholds(streamID string, conf, iou float64) error
	Reset(streamID string) error
	Status(streamID string) (app.WorkerStatus, error)
	List() []app.WorkerStatus
}

// Snapshots последние аннотированные кадры
type Snapshots interface {
	Frame(streamID string) (entity.Frame, bool)
}

// Options настройки оповещений
type Options struct {
	AlertChatID   int64         // чат, который получает все оповещения; 0: не задан
	AlertCooldown time.Duration // 0: DefaultAlertCooldown
	AdminChats    []int64       // чаты операторов; кроме них потоками управляет только AlertChatID
}

// Bot представляет Telegram-бота
type Bot struct {
	api         API
	fleet       Fleet
	snapshots   Snapshots
	subscribers *app.SubscriberService
	opts        Options
	log         zerolog.Logger
	now         func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// NewBot авторизуется по токену и создаёт бота
func NewBot(token string, fleet Fleet, snapshots Snapshots, subscribers *app.SubscriberService, opts Options, log zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Info().Str("account", api.Self.UserName).Msg("telegram authorized")

	return New(api, fleet, snapshots, subscribers, opts, log), nil
}

// New создаёт бота поверх готового клиента
func New(api API, fleet Fleet, snapshots Snapshots, subscribers *app.SubscriberService, opts Options, log zerolog.Logger) *Bot {
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = DefaultAlertCooldown
	}
	return &Bot{
		api:         api,
		fleet:       fleet,
		snapshots:   snapshots,
		subscribers: subscribers,
		opts:        opts,
		log:         log.With().Str("component", "telegram").Logger(),
		now:         time.Now,
		lastAlert:   make(map[string]time.Time),
	}
}

// Run запускает основной цикл обработки сообщений до отмены контекста
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

// RunAlerts рассылает подписчикам оповещения о пожаре и сбоях потоков
func (b *Bot) RunAlerts(ctx context.Context, messages <-chan eventbus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			switch msg.Kind {
			case eventbus.KindFire:
				b.notifyFire(ctx, msg.Alert)
			case eventbus.KindStatus:
				if msg.Status.State == entity.StateError {
					b.notifyFailure(ctx, msg.Status)
				}
			}
		}
	}
}

// handleMessage обрабатывает входящее сообщение
func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	b.sendMessage(msg.Chat.ID, msgSendCommand)
}

// handleCommand обрабатывает команды бота
func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		if len(args) == 0 {
			b.greet(ctx, msg)
			return
		}
		if b.authorized(msg) {
			b.startStream(ctx, chatID, args)
		}

	case "help":
		b.sendMessage(chatID, msgHelp)

	case "streams":
		b.sendMessage(chatID, b.streamsText())

	case "stop":
		if !b.authorized(msg) {
			return
		}
		if len(args) != 1 {
			b.sendMessage(chatID, usageStop)
			return
		}
		if err := b.fleet.Stop(args[0]); err != nil {
			b.sendError(chatID, err)
			return
		}
		b.sendMessage(chatID, fmt.Sprintf(msgStopped, args[0]))

	case "source":
		if b.authorized(msg) {
			b.changeSource(ctx, chatID, args)
		}

	case "thresholds":
		if b.authorized(msg) {
			b.setThresholds(chatID, args)
		}

	case "reset":
		if !b.authorized(msg) {
			return
		}
		if len(args) != 1 {
			b.sendMessage(chatID, usageReset)
			return
		}
		if err := b.fleet.Reset(args[0]); err != nil {
			b.sendError(chatID, err)
			return
		}
		b.sendMessage(chatID, fmt.Sprintf(msgReset, args[0]))

	case "snapshot":
		if len(args) != 1 {
			b.sendMessage(chatID, usageSnapshot)
			return
		}
		b.sendSnapshot(chatID, args[0])

	case "subscribe":
		if _, err := b.subscribers.Subscribe(ctx, userID(msg), chatID, args...); err != nil {
			b.log.Error().Err(err).Int64("chat", chatID).Msg("subscribe failed")
			b.sendMessage(chatID, msgInternalError)
			return
		}
		if len(args) == 0 {
			b.sendMessage(chatID, msgSubscribed)
		} else {
			b.sendMessage(chatID, fmt.Sprintf(msgSubscribedTo, strings.Join(args, ", ")))
		}

	case "mute":
		if _, err := b.subscribers.Mute(ctx, userID(msg), chatID); err != nil {
			b.log.Error().Err(err).Int64("chat", chatID).Msg("mute failed")
			b.sendMessage(chatID, msgInternalError)
			return
		}
		b.sendMessage(chatID, msgMuted)

	case "unsubscribe":
		if err := b.subscribers.Unsubscribe(ctx, chatID); err != nil {
			b.log.Error().Err(err).Int64("chat", chatID).Msg("unsubscribe failed")
			b.sendMessage(chatID, msgInternalError)
			return
		}
		b.sendMessage(chatID, msgUnsubscribed)

	default:
		b.sendMessage(chatID, msgUnknownCommand)
	}
}

// authorized разрешает управление потоками только чатам операторов.
// Без настроенных чатов управление через бота отключено.
func (b *Bot) authorized(msg *tgbotapi.Message) bool {
	chatID := msg.Chat.ID
	if b.opts.AlertChatID != 0 && chatID == b.opts.AlertChatID {
		return true
	}
	for _, id := range b.opts.AdminChats {
		if id == chatID {
			return true
		}
	}

	b.log.Warn().Int64("chat", chatID).Str("command", msg.Command()).Msg("control command refused")
	b.sendMessage(chatID, msgForbidden)
	return false
}

// greet подписывает новый чат на все оповещения
func (b *Bot) greet(ctx context.Context, msg *tgbotapi.Message) {
	sub, err := b.subscribers.Get(ctx, userID(msg), msg.Chat.ID)
	if err != nil {
		b.log.Error().Err(err).Int64("chat", msg.Chat.ID).Msg("get subscriber failed")
		b.sendMessage(msg.Chat.ID, msgInternalError)
		return
	}
	if _, err := b.subscribers.Subscribe(ctx, sub.UserID, sub.ChatID, sub.Streams...); err != nil {
		b.log.Error().Err(err).Int64("chat", msg.Chat.ID).Msg("subscribe failed")
	}
	b.sendMessage(msg.Chat.ID, msgStart)
}

func (b *Bot) startStream(ctx context.Context, chatID int64, args []string) {
	if len(args) != 2 {
		b.sendMessage(chatID, usageStart)
		return
	}
	src, err := entity.ParseStreamSource(args[1])
	if err != nil {
		b.sendMessage(chatID, usageStart)
		return
	}
	if err := b.fleet.Start(ctx, args[0], src); err != nil {
		b.sendError(chatID, err)
		return
	}
	b.sendMessage(chatID, fmt.Sprintf(msgStarted, args[0], src.String()))
}

func (b *Bot) changeSource(ctx context.Context, chatID int64, args []string) {
	if len(args) != 2 {
		b.sendMessage(chatID, usageSource)
		return
	}
	src, err := entity.ParseStreamSource(args[1])
	if err != nil {
		b.sendMessage(chatID, usageSource)
		return
	}
	if err := b.fleet.ChangeSource(ctx, args[0], src); err != nil {
		b.sendError(chatID, err)
		return
	}
	b.sendMessage(chatID, fmt.Sprintf(msgSourceChanged, args[0], src.String()))
}

func (b *Bot) setThresholds(chatID int64, args []string) {
	if len(args) != 3 {
		b.sendMessage(chatID, usageThresholds)
		return
	}
	conf, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		b.sendMessage(chatID, usageThresholds)
		return
	}
	iou, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		b.sendMessage(chatID, usageThresholds)
		return
	}
	if err := b.fleet.SetThresholds(args[0], conf, iou); err != nil {
		b.sendError(chatID, err)
		return
	}
	b.sendMessage(chatID, fmt.Sprintf(msgThresholds, args[0], conf, iou))
}

// streamsText форматирует список потоков
func (b *Bot) streamsText() string {
	list := b.fleet.List()
	if len(list) == 0 {
		return msgNoStreams
	}

	var sb strings.Builder
	sb.WriteString("📡 Потоки:\n")
	for _, st := range list {
		fmt.Fprintf(&sb, "\n%s %s — %s", stateIcon(st.State), st.StreamID, stateName(st.State))
		if st.Region != "" {
			fmt.Fprintf(&sb, ", район %s", st.Region)
		}
		if src := st.Source.String(); src != "" {
			fmt.Fprintf(&sb, "\n   источник: %s, кадров: %d", src, st.Frames)
		}
		if st.LastError != "" {
			fmt.Fprintf(&sb, "\n   ошибка: %s", st.LastError)
		}
	}
	return sb.String()
}

func (b *Bot) sendSnapshot(chatID int64, streamID string) {
	st, err := b.fleet.Status(streamID)
	if err != nil {
		b.sendError(chatID, err)
		return
	}
	frame, ok := b.snapshots.Frame(streamID)
	if !ok {
		b.sendMessage(chatID, msgNoFrame)
		return
	}
	caption := fmt.Sprintf("📷 %s — %s", streamID, stateName(st.State))
	if err := b.sendPhoto(chatID, frame, caption); err != nil {
		b.log.Error().Err(err).Str("stream", streamID).Msg("send snapshot failed")
		b.sendMessage(chatID, msgInternalError)
	}
}

func (b *Bot) notifyFire(ctx context.Context, alert entity.FireAlert) {
	if !b.allowAlert(alert.StreamID) {
		return
	}

	text := fireText(alert)
	frame, hasFrame := b.snapshots.Frame(alert.StreamID)
	for _, chatID := range b.recipients(ctx, alert.StreamID) {
		if hasFrame {
			if err := b.sendPhoto(chatID, frame, text); err == nil {
				continue
			}
		}
		b.sendMessage(chatID, text)
	}
	b.log.Warn().Str("stream", alert.StreamID).Float64("confidence", alert.Detection.Confidence).Msg("fire alert sent")
}

func (b *Bot) notifyFailure(ctx context.Context, status entity.StatusEvent) {
	text := fmt.Sprintf("❌ Поток %s остановлен из-за ошибки: %s\n\nОтправьте /reset %s и запустите заново.",
		status.StreamID, status.Err, status.StreamID)
	for _, chatID := range b.recipients(ctx, status.StreamID) {
		b.sendMessage(chatID, text)
	}
}

// allowAlert ограничивает частоту оповещений о пожаре по потоку
func (b *Bot) allowAlert(streamID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if last, ok := b.lastAlert[streamID]; ok && now.Sub(last) < b.opts.AlertCooldown {
		return false
	}
	b.lastAlert[streamID] = now
	return true
}

// recipients подписчики потока и чат оповещений без повторов
func (b *Bot) recipients(ctx context.Context, streamID string) []int64 {
	chats, err := b.subscribers.Recipients(ctx, streamID)
	if err != nil {
		b.log.Error().Err(err).Msg("list recipients failed")
	}
	if b.opts.AlertChatID == 0 {
		return chats
	}
	for _, id := range chats {
		if id == b.opts.AlertChatID {
			return chats
		}
	}
	return append(chats, b.opts.AlertChatID)
}

func fireText(alert entity.FireAlert) string {
	d := alert.Detection

	var sb strings.Builder
	sb.WriteString("🔥 ОБНАРУЖЕН ПОЖАР!\n\n")
	fmt.Fprintf(&sb, "📡 Поток: %s\n", alert.StreamID)
	if alert.Region != "" {
		fmt.Fprintf(&sb, "🗺 Район: %s\n", alert.Region)
	}
	if d.Subtype != "" {
		fmt.Fprintf(&sb, "🏷 Тип: %s\n", d.Subtype)
	}
	fmt.Fprintf(&sb, "🎯 Уверенность: %.0f%%\n", d.Confidence*100)
	if d.Severity != "" {
		fmt.Fprintf(&sb, "⚠️ Серьёзность: %s\n", d.Severity)
	}
	fmt.Fprintf(&sb, "🕒 %s", alert.Timestamp.Format("02.01.2006 15:04:05"))
	return sb.String()
}

// sendError сообщает пользователю о доменной ошибке
func (b *Bot) sendError(chatID int64, err error) {
	b.sendMessage(chatID, errorText(err))
}

func errorText(err error) string {
	var openErr *entity.OpenError
	switch {
	case errors.Is(err, entity.ErrUnknownStream):
		return "❓ Поток не найден. Список: /streams"
	case errors.Is(err, entity.ErrAlreadyRunning):
		return "⚠️ Поток уже запущен. Используйте /source, чтобы сменить источник."
	case errors.Is(err, entity.ErrInvalidThreshold):
		return "⚠️ Пороги должны быть в диапазоне [0, 1]."
	case errors.As(err, &openErr):
		return fmt.Sprintf("🚫 Источник недоступен: %v", openErr.Err)
	default:
		return fmt.Sprintf("⚠️ Ошибка: %v", err)
	}
}

func stateName(s entity.PipelineState) string {
	switch s {
	case entity.StateIdle:
		return "ожидание"
	case entity.StateRunning:
		return "работает"
	case entity.StateStopping:
		return "останавливается"
	case entity.StateError:
		return "ошибка"
	default:
		return string(s)
	}
}

func stateIcon(s entity.PipelineState) string {
	switch s {
	case entity.StateRunning:
		return "🟢"
	case entity.StateError:
		return "🔴"
	default:
		return "⚪"
	}
}

func userID(msg *tgbotapi.Message) int64 {
	if msg.From == nil {
		return msg.Chat.ID
	}
	return msg.From.ID
}

// sendPhoto отправляет кадр в формате JPEG
func (b *Bot) sendPhoto(chatID int64, frame entity.Frame, caption string) error {
	data, err := vision.EncodeJPEG(frame, snapshotQuality)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "snapshot.jpg", Bytes: data})
	photo.Caption = caption
	if _, err := b.api.Send(photo); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

// sendMessage отправляет текстовое сообщение
func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error().Err(err).Int64("chat", chatID).Msg("send message failed")
	}
}
