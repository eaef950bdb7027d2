package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"forest-watch/config"
	"forest-watch/internal/api/httpapi"
	"forest-watch/internal/api/telegram"
	app "forest-watch/internal/application"
	"forest-watch/internal/domain/entity"
	"forest-watch/internal/infrastructure/eventbus"
	"forest-watch/internal/infrastructure/metrics"
	"forest-watch/internal/infrastructure/storage"
	"forest-watch/internal/infrastructure/vision"
)

const (
	latestBuffer = 256
	alertsBuffer = 32
	stopTimeout  = 10 * time.Second
)

// BotFactory создаёт Telegram-бота; подменяется в тестах
type BotFactory func(token string, fleet telegram.Fleet, snapshots telegram.Snapshots, subs *app.SubscriberService, opts telegram.Options, log zerolog.Logger) (*telegram.Bot, error)

type Container struct {
	Config      *config.Config
	Bus         *eventbus.Bus
	Metrics     *metrics.Metrics
	Opener      *vision.Opener
	Fleet       *app.Fleet
	Latest      *storage.MemoryLatestStore
	Subscribers *app.SubscriberService
	HTTP        *httpapi.Server
	Bot         *telegram.Bot // nil, если токен не задан

	log zerolog.Logger
}

// New собирает сервисы приложения и регистрирует потоки из настроек
func New(cfg *config.Config, newBot BotFactory, log zerolog.Logger) (*Container, error) {
	factory, err := vision.NewDetectorFactory(cfg.Detector())
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}

	bus := eventbus.New()
	m := metrics.New()
	if err := registerBusMetrics(m, bus); err != nil {
		return nil, err
	}

	opener := vision.NewOpener(cfg.ReadTimeout)
	fleet := app.NewFleet(app.FleetDeps{
		Opener:       opener,
		NewDetector:  factory,
		Preprocessor: vision.NewPreprocessor(),
		Annotator:    vision.NewAnnotator(true),
		Categories:   app.DefaultCategoryTable().Merge(cfg.Categories),
		Sink:         bus,
		Metrics:      m,
		Logger:       log,
	})
	for _, s := range cfg.Streams {
		if _, err := fleet.Add(cfg.Pipeline(s)); err != nil {
			_ = fleet.Close(context.Background())
			return nil, err
		}
	}

	latest := storage.NewMemoryLatestStore(cfg.AlertHistory)
	subscribers := app.NewSubscriberService(storage.NewMemorySubscriberRepository())

	c := &Container{
		Config:      cfg,
		Bus:         bus,
		Metrics:     m,
		Opener:      opener,
		Fleet:       fleet,
		Latest:      latest,
		Subscribers: subscribers,
		HTTP:        httpapi.NewServer(fleet, latest, bus, m.Handler(), log),
		log:         log.With().Str("component", "container").Logger(),
	}

	if cfg.TelegramToken != "" && newBot != nil {
		bot, err := newBot(cfg.TelegramToken, fleet, latest, subscribers, telegram.Options{
			AlertChatID:   cfg.AlertChatID,
			AlertCooldown: cfg.AlertCooldown,
			AdminChats:    cfg.AdminChats,
		}, log)
		if err != nil {
			_ = fleet.Close(context.Background())
			return nil, fmt.Errorf("telegram: %w", err)
		}
		c.Bot = bot
	}

	return c, nil
}

func registerBusMetrics(m *metrics.Metrics, bus *eventbus.Bus) error {
	return errors.Join(
		m.RegisterGaugeFunc("forestwatch_bus_published", "Messages published to the event bus.", func() float64 {
			return float64(bus.Stats().TotalPublished)
		}),
		m.RegisterGaugeFunc("forestwatch_bus_dropped", "Messages dropped for slow subscribers.", func() float64 {
			return float64(bus.Stats().TotalDropped)
		}),
	)
}

// Run обслуживает HTTP, Telegram и потоки до отмены контекста, затем останавливает конвейеры.
func (c *Container) Run(ctx context.Context) error {
	latestCh, err := c.Bus.Subscribe("latest", eventbus.Filter{}, latestBuffer)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.Latest.Consume(gctx, latestCh)
		return nil
	})

	if c.Bot != nil {
		alerts, err := c.Bus.Subscribe("telegram", eventbus.Filter{
			Kinds: []eventbus.Kind{eventbus.KindFire, eventbus.KindStatus},
		}, alertsBuffer)
		if err != nil {
			return err
		}
		g.Go(func() error {
			c.Bot.RunAlerts(gctx, alerts)
			return nil
		})
		g.Go(func() error {
			return c.Bot.Run(gctx)
		})
	}

	if c.Config.HTTPAddr != "" {
		g.Go(func() error {
			return c.HTTP.Run(gctx, c.Config.HTTPAddr)
		})
	}

	if c.Config.Autostart {
		c.autostart(gctx)
	}

	<-gctx.Done()
	c.log.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := c.Fleet.Close(stopCtx); err != nil {
		c.log.Error().Err(err).Msg("stop streams")
	}
	_ = c.Bus.Close()

	return g.Wait()
}

// autostart запускает потоки, у которых в настройках указан источник.
// Недоступный источник оставляет поток в Idle, остальные запускаются.
func (c *Container) autostart(ctx context.Context) {
	sources := make(map[string]entity.StreamSource)
	for _, s := range c.Config.Streams {
		if s.Source == "" {
			continue
		}
		src, err := entity.ParseStreamSource(s.Source)
		if err != nil {
			c.log.Warn().Err(err).Str("stream", s.ID).Msg("invalid stream source")
			continue
		}
		sources[s.ID] = src
	}

	if err := c.Fleet.StartAll(ctx, sources); err != nil {
		c.log.Warn().Err(err).Msg("some streams failed to start")
	}
	c.log.Info().Int("streams", len(sources)).Msg("streams started")
}
