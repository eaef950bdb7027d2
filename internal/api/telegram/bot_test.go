package telegram

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	app "forest-watch/internal/application"
	"forest-watch/internal/domain/entity"
	"forest-watch/internal/infrastructure/eventbus"
	"forest-watch/internal/infrastructure/storage"
)

type sent struct {
	chatID int64
	text   string
	photo  bool
}

type fakeAPI struct {
	mu      sync.Mutex
	sent    []sent
	updates chan tgbotapi.Update
	stopped bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 8)}
}

func (a *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch m := c.(type) {
	case tgbotapi.MessageConfig:
		a.sent = append(a.sent, sent{chatID: m.ChatID, text: m.Text})
	case tgbotapi.PhotoConfig:
		a.sent = append(a.sent, sent{chatID: m.ChatID, text: m.Caption, photo: true})
	default:
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	return tgbotapi.Message{}, nil
}

func (a *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return a.updates
}

func (a *fakeAPI) StopReceivingUpdates() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
}

func (a *fakeAPI) messages() []sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sent(nil), a.sent...)
}

func (a *fakeAPI) last(t *testing.T) sent {
	t.Helper()
	msgs := a.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

type fakeFleet struct {
	mu       sync.Mutex
	statuses map[string]app.WorkerStatus
	conf     float64
	iou      float64
}

func newFakeFleet(ids ...string) *fakeFleet {
	f := &fakeFleet{statuses: make(map[string]app.WorkerStatus)}
	for _, id := range ids {
		f.statuses[id] = app.WorkerStatus{StreamID: id, State: entity.StateIdle, Region: "north"}
	}
	return f
}

func (f *fakeFleet) get(id string) (app.WorkerStatus, error) {
	st, ok := f.statuses[id]
	if !ok {
		return app.WorkerStatus{}, entity.ErrUnknownStream
	}
	return st, nil
}

func (f *fakeFleet) Start(_ context.Context, id string, src entity.StreamSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(id)
	if err != nil {
		return err
	}
	if st.State == entity.StateRunning {
		return entity.ErrAlreadyRunning
	}
	if src.Kind == entity.SourceFile {
		return &entity.OpenError{Source: src, Err: errors.New("no such file")}
	}
	st.State, st.Source = entity.StateRunning, src
	f.statuses[id] = st
	return nil
}

func (f *fakeFleet) Stop(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(id)
	if err != nil {
		return err
	}
	st.State = entity.StateIdle
	f.statuses[id] = st
	return nil
}

func (f *fakeFleet) ChangeSource(_ context.Context, id string, src entity.StreamSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(id)
	if err != nil {
		return err
	}
	st.State, st.Source = entity.StateRunning, src
	f.statuses[id] = st
	return nil
}

func (f *fakeFleet) SetThresholds(id string, conf, iou float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	if conf < 0 || conf > 1 || iou < 0 || iou > 1 {
		return entity.ErrInvalidThreshold
	}
	f.conf, f.iou = conf, iou
	return nil
}

func (f *fakeFleet) Reset(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.get(id)
	return err
}

func (f *fakeFleet) Status(id string) (app.WorkerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(id)
}

func (f *fakeFleet) List() []app.WorkerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]app.WorkerStatus, 0, len(f.statuses))
	for _, st := range f.statuses {
		out = append(out, st)
	}
	return out
}

type fakeSnapshots map[string]entity.Frame

func (s fakeSnapshots) Frame(id string) (entity.Frame, bool) {
	f, ok := s[id]
	return f, ok
}

func testFrame() entity.Frame {
	return entity.Frame{Order: entity.ChannelOrderRGB, Image: image.NewRGBA(image.Rect(0, 0, 32, 24))}
}

func newTestBot(fleet Fleet, snaps Snapshots, opts Options) (*Bot, *fakeAPI, *app.SubscriberService) {
	api := newFakeAPI()
	subs := app.NewSubscriberService(storage.NewMemorySubscriberRepository())
	return New(api, fleet, snaps, subs, opts, zerolog.Nop()), api, subs
}

func command(chatID int64, text string) *tgbotapi.Message {
	name := strings.SplitN(text, " ", 2)[0]
	return &tgbotapi.Message{
		Text:     text,
		From:     &tgbotapi.User{ID: chatID + 1000},
		Chat:     &tgbotapi.Chat{ID: chatID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func TestBot_StreamCommands(t *testing.T) {
	fleet := newFakeFleet("drone-1")
	bot, api, _ := newTestBot(fleet, fakeSnapshots{}, Options{AdminChats: []int64{1}})
	ctx := context.Background()

	bot.handleMessage(ctx, command(1, "/start drone-1 synthetic:ridge"))
	require.Contains(t, api.last(t).text, "Поток drone-1 запущен: synthetic:ridge")
	st, _ := fleet.Status("drone-1")
	require.Equal(t, entity.StateRunning, st.State)

	bot.handleMessage(ctx, command(1, "/start drone-1 synthetic:ridge"))
	require.Contains(t, api.last(t).text, "уже запущен")

	bot.handleMessage(ctx, command(1, "/source drone-1 0"))
	require.Contains(t, api.last(t).text, "переключён на 0")

	bot.handleMessage(ctx, command(1, "/streams"))
	text := api.last(t).text
	require.Contains(t, text, "drone-1 — работает")
	require.Contains(t, text, "район north")

	bot.handleMessage(ctx, command(1, "/stop drone-1"))
	require.Contains(t, api.last(t).text, "остановлен")

	bot.handleMessage(ctx, command(1, "/stop ghost"))
	require.Contains(t, api.last(t).text, "Поток не найден")

	bot.handleMessage(ctx, command(1, "/start drone-1 /missing.mp4"))
	require.Contains(t, api.last(t).text, "Источник недоступен: no such file")

	bot.handleMessage(ctx, command(1, "/reset drone-1"))
	require.Contains(t, api.last(t).text, "сброшена")
}

func TestBot_Thresholds(t *testing.T) {
	fleet := newFakeFleet("drone-1")
	bot, api, _ := newTestBot(fleet, fakeSnapshots{}, Options{AdminChats: []int64{1}})
	ctx := context.Background()

	bot.handleMessage(ctx, command(1, "/thresholds drone-1 0.6 0.3"))
	require.Contains(t, api.last(t).text, "conf=0.60 iou=0.30")
	require.InDelta(t, 0.6, fleet.conf, 1e-9)

	bot.handleMessage(ctx, command(1, "/thresholds drone-1 2 0.3"))
	require.Contains(t, api.last(t).text, "[0, 1]")

	bot.handleMessage(ctx, command(1, "/thresholds drone-1 abc 0.3"))
	require.Equal(t, usageThresholds, api.last(t).text)

	bot.handleMessage(ctx, command(1, "/thresholds drone-1"))
	require.Equal(t, usageThresholds, api.last(t).text)
}

func TestBot_ControlRequiresOperatorChat(t *testing.T) {
	fleet := newFakeFleet("cam-1")
	bot, api, _ := newTestBot(fleet, fakeSnapshots{"cam-1": testFrame()}, Options{AlertChatID: 42})
	ctx := context.Background()

	bot.handleMessage(ctx, command(42, "/start cam-1 synthetic:ridge"))
	require.Contains(t, api.last(t).text, "Поток cam-1 запущен")

	for _, text := range []string{
		"/stop cam-1",
		"/source cam-1 /etc/passwd",
		"/thresholds cam-1 0.9 0.9",
		"/reset cam-1",
		"/start cam-2 0",
	} {
		bot.handleMessage(ctx, command(999999, text))
		require.Equal(t, msgForbidden, api.last(t).text, text)
	}
	st, _ := fleet.Status("cam-1")
	require.Equal(t, entity.StateRunning, st.State)
	require.Equal(t, "synthetic:ridge", st.Source.String())

	bot.handleMessage(ctx, command(999999, "/streams"))
	require.Contains(t, api.last(t).text, "cam-1")
	bot.handleMessage(ctx, command(999999, "/snapshot cam-1"))
	require.NotEqual(t, msgForbidden, api.last(t).text)
	bot.handleMessage(ctx, command(999999, "/subscribe"))
	require.Equal(t, msgSubscribed, api.last(t).text)

	bot.handleMessage(ctx, command(42, "/stop cam-1"))
	require.Contains(t, api.last(t).text, "остановлен")
}

func TestBot_ControlDisabledWithoutOperators(t *testing.T) {
	fleet := newFakeFleet("cam-1")
	bot, api, _ := newTestBot(fleet, fakeSnapshots{}, Options{})

	bot.handleMessage(context.Background(), command(1, "/start cam-1 0"))
	require.Equal(t, msgForbidden, api.last(t).text)
	st, _ := fleet.Status("cam-1")
	require.Equal(t, entity.StateIdle, st.State)
}

func TestBot_Snapshot(t *testing.T) {
	fleet := newFakeFleet("drone-1", "drone-2")
	bot, api, _ := newTestBot(fleet, fakeSnapshots{"drone-1": testFrame()}, Options{})
	ctx := context.Background()

	bot.handleMessage(ctx, command(1, "/snapshot drone-1"))
	last := api.last(t)
	require.True(t, last.photo)
	require.Contains(t, last.text, "drone-1")

	bot.handleMessage(ctx, command(1, "/snapshot drone-2"))
	require.Equal(t, msgNoFrame, api.last(t).text)

	bot.handleMessage(ctx, command(1, "/snapshot"))
	require.Equal(t, usageSnapshot, api.last(t).text)
}

func TestBot_Subscriptions(t *testing.T) {
	bot, api, subs := newTestBot(newFakeFleet("drone-1"), fakeSnapshots{}, Options{})
	ctx := context.Background()

	bot.handleMessage(ctx, command(10, "/start"))
	require.Equal(t, msgStart, api.last(t).text)
	chats, err := subs.Recipients(ctx, "drone-1")
	require.NoError(t, err)
	require.Equal(t, []int64{10}, chats)

	bot.handleMessage(ctx, command(20, "/subscribe drone-2"))
	require.Contains(t, api.last(t).text, "drone-2")
	chats, _ = subs.Recipients(ctx, "drone-1")
	require.Equal(t, []int64{10}, chats)

	bot.handleMessage(ctx, command(10, "/mute"))
	require.Equal(t, msgMuted, api.last(t).text)
	chats, _ = subs.Recipients(ctx, "drone-1")
	require.Empty(t, chats)

	bot.handleMessage(ctx, command(20, "/unsubscribe"))
	require.Equal(t, msgUnsubscribed, api.last(t).text)
	chats, _ = subs.Recipients(ctx, "drone-2")
	require.Empty(t, chats)
}

func TestBot_UnknownAndPlainText(t *testing.T) {
	bot, api, _ := newTestBot(newFakeFleet(), fakeSnapshots{}, Options{})
	ctx := context.Background()

	bot.handleMessage(ctx, command(1, "/dance"))
	require.Equal(t, msgUnknownCommand, api.last(t).text)

	bot.handleMessage(ctx, &tgbotapi.Message{Text: "привет", Chat: &tgbotapi.Chat{ID: 1}})
	require.Equal(t, msgSendCommand, api.last(t).text)

	bot.handleMessage(ctx, command(1, "/streams"))
	require.Equal(t, msgNoStreams, api.last(t).text)
}

func TestBot_FireAlertsWithCooldown(t *testing.T) {
	snaps := fakeSnapshots{"drone-1": testFrame()}
	bot, api, subs := newTestBot(newFakeFleet("drone-1"), snaps, Options{AlertChatID: 99, AlertCooldown: time.Minute})
	ctx := context.Background()

	_, err := subs.Subscribe(ctx, 1, 10)
	require.NoError(t, err)

	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	bot.now = func() time.Time { return now }

	alert := entity.FireAlert{
		StreamID:  "drone-1",
		Region:    "north",
		Timestamp: now,
		Detection: entity.Detection{ClassName: "fire", Confidence: 0.92, Category: entity.CategoryFire, Subtype: "fire", Severity: entity.SeveritySevere},
	}

	messages := make(chan eventbus.Message, 4)
	messages <- eventbus.Message{Kind: eventbus.KindFire, StreamID: "drone-1", Alert: alert}
	messages <- eventbus.Message{Kind: eventbus.KindFire, StreamID: "drone-1", Alert: alert}
	close(messages)
	bot.RunAlerts(ctx, messages)

	msgs := api.messages()
	require.Len(t, msgs, 2, "second alert falls within the cooldown")
	require.ElementsMatch(t, []int64{10, 99}, []int64{msgs[0].chatID, msgs[1].chatID})
	for _, m := range msgs {
		require.True(t, m.photo)
		require.Contains(t, m.text, "ОБНАРУЖЕН ПОЖАР")
		require.Contains(t, m.text, "Район: north")
		require.Contains(t, m.text, "92%")
	}

	now = now.Add(2 * time.Minute)
	messages = make(chan eventbus.Message, 1)
	messages <- eventbus.Message{Kind: eventbus.KindFire, StreamID: "drone-1", Alert: alert}
	close(messages)
	bot.RunAlerts(ctx, messages)
	require.Len(t, api.messages(), 4)
}

func TestBot_FailureStatusAlerts(t *testing.T) {
	bot, api, subs := newTestBot(newFakeFleet("drone-1"), fakeSnapshots{}, Options{})
	ctx := context.Background()
	_, err := subs.Subscribe(ctx, 1, 10)
	require.NoError(t, err)

	messages := make(chan eventbus.Message, 2)
	messages <- eventbus.Message{Kind: eventbus.KindStatus, Status: entity.StatusEvent{StreamID: "drone-1", State: entity.StateRunning}}
	messages <- eventbus.Message{Kind: eventbus.KindStatus, Status: entity.StatusEvent{StreamID: "drone-1", State: entity.StateError, Err: "camera unplugged"}}
	close(messages)
	bot.RunAlerts(ctx, messages)

	msgs := api.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, int64(10), msgs[0].chatID)
	require.Contains(t, msgs[0].text, "camera unplugged")
}

func TestBot_RunStopsOnContext(t *testing.T) {
	bot, api, _ := newTestBot(newFakeFleet(), fakeSnapshots{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	api.updates <- tgbotapi.Update{Message: command(5, "/help")}
	require.Eventually(t, func() bool { return len(api.messages()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, msgHelp, api.last(t).text)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("bot did not stop")
	}
	api.mu.Lock()
	require.True(t, api.stopped)
	api.mu.Unlock()
}
