package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	app "forest-watch/internal/application"
	"forest-watch/internal/infrastructure/vision"
)

// StreamConfig поток из списка STREAMS
type StreamConfig struct {
	ID     string
	Source string // пусто: поток регистрируется, но не запускается
	Region string
}

type Config struct {
	LogLevel  string
	LogPretty bool
	HTTPAddr  string

	TelegramToken string
	AlertChatID   int64
	AdminChats    []int64 // чаты, из которых разрешено управлять потоками
	AlertCooldown time.Duration
	AlertHistory  int

	DetectorKind  string
	ModelPath     string
	LabelsPath    string
	Labels        []string
	MinObjectness float64

	Confidence     float64
	IoU            float64
	FireConfidence float64
	MaxDetections  int

	ImageSize     int
	Stride        int
	FrameInterval time.Duration
	MaxFailures   int
	LoopAtEnd     bool
	ReadTimeout   time.Duration

	Streams    []StreamConfig
	Categories map[string]string
	Autostart  bool
}

// SetDefaults задаёт значения по умолчанию
func SetDefaults(v *viper.Viper) {
	th := app.DefaultThresholds()
	pc := app.DefaultPipelineConfig("")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("alert_cooldown", "30s")
	v.SetDefault("alert_history", 100)
	v.SetDefault("detector_kind", vision.DetectorHeuristic)
	v.SetDefault("min_objectness", 0.25)
	v.SetDefault("conf_threshold", th.Confidence)
	v.SetDefault("iou_threshold", th.IoU)
	v.SetDefault("fire_threshold", th.FireConfidence)
	v.SetDefault("max_detections", th.MaxDetections)
	v.SetDefault("image_size", pc.TargetSize)
	v.SetDefault("stride", pc.Stride)
	v.SetDefault("frame_interval", pc.FrameInterval.String())
	v.SetDefault("max_failures", pc.MaxConsecutiveFailures)
	v.SetDefault("loop", false)
	v.SetDefault("read_timeout", "2s")
	v.SetDefault("streams", "drone-1=synthetic:ridge")
	v.SetDefault("autostart", true)
}

// Load читает .env, файл настроек (если задан) и переменные окружения.
// v может быть nil; флаги командной строки привязываются к v заранее.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	// Загружаем .env файл (игнорируем ошибку если файла нет)
	_ = godotenv.Load()

	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	streams, err := ParseStreams(v.GetString("streams"))
	if err != nil {
		return nil, err
	}
	regions, err := ParsePairs(v.GetString("regions"))
	if err != nil {
		return nil, fmt.Errorf("regions: %w", err)
	}
	for i := range streams {
		streams[i].Region = regions[streams[i].ID]
	}
	categories, err := ParsePairs(v.GetString("categories"))
	if err != nil {
		return nil, fmt.Errorf("categories: %w", err)
	}
	admins, err := ParseChatIDs(v.GetString("admin_chats"))
	if err != nil {
		return nil, fmt.Errorf("admin_chats: %w", err)
	}

	cfg := &Config{
		LogLevel:       v.GetString("log_level"),
		LogPretty:      v.GetBool("log_pretty"),
		HTTPAddr:       v.GetString("http_addr"),
		TelegramToken:  v.GetString("telegram_token"),
		AlertChatID:    v.GetInt64("alert_chat_id"),
		AdminChats:     admins,
		AlertCooldown:  v.GetDuration("alert_cooldown"),
		AlertHistory:   v.GetInt("alert_history"),
		DetectorKind:   v.GetString("detector_kind"),
		ModelPath:      v.GetString("model_path"),
		LabelsPath:     v.GetString("labels_path"),
		Labels:         splitList(v.GetString("labels")),
		MinObjectness:  v.GetFloat64("min_objectness"),
		Confidence:     v.GetFloat64("conf_threshold"),
		IoU:            v.GetFloat64("iou_threshold"),
		FireConfidence: v.GetFloat64("fire_threshold"),
		MaxDetections:  v.GetInt("max_detections"),
		ImageSize:      v.GetInt("image_size"),
		Stride:         v.GetInt("stride"),
		FrameInterval:  v.GetDuration("frame_interval"),
		MaxFailures:    v.GetInt("max_failures"),
		LoopAtEnd:      v.GetBool("loop"),
		ReadTimeout:    v.GetDuration("read_timeout"),
		Streams:        streams,
		Categories:     categories,
		Autostart:      v.GetBool("autostart"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	var errs []error
	if err := c.Thresholds().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("image_size must be positive, got %d", c.ImageSize))
	}
	if c.Stride <= 0 {
		errs = append(errs, fmt.Errorf("stride must be positive, got %d", c.Stride))
	}
	if c.MaxFailures <= 0 {
		errs = append(errs, fmt.Errorf("max_failures must be positive, got %d", c.MaxFailures))
	}
	if c.FrameInterval < 0 {
		errs = append(errs, errors.New("frame_interval must not be negative"))
	}
	if strings.EqualFold(c.DetectorKind, vision.DetectorDNN) && c.ModelPath == "" {
		errs = append(errs, errors.New("model_path is required for the dnn detector"))
	}
	return errors.Join(errs...)
}

// Thresholds начальные пороги всех потоков
func (c *Config) Thresholds() app.Thresholds {
	return app.Thresholds{
		Confidence:     c.Confidence,
		IoU:            c.IoU,
		FireConfidence: c.FireConfidence,
		MaxDetections:  c.MaxDetections,
	}
}

// Pipeline настройки конвейера потока
func (c *Config) Pipeline(s StreamConfig) app.PipelineConfig {
	pc := app.DefaultPipelineConfig(s.ID)
	pc.Region = s.Region
	pc.TargetSize = c.ImageSize
	pc.Stride = c.Stride
	pc.Thresholds = c.Thresholds()
	pc.LoopAtEnd = c.LoopAtEnd
	pc.FrameInterval = c.FrameInterval
	pc.MaxConsecutiveFailures = c.MaxFailures
	return pc
}

// Detector настройки фабрики детекторов
func (c *Config) Detector() vision.DetectorConfig {
	return vision.DetectorConfig{
		Kind:          c.DetectorKind,
		ModelPath:     c.ModelPath,
		LabelsPath:    c.LabelsPath,
		Labels:        c.Labels,
		MinObjectness: c.MinObjectness,
	}
}

// ParseStreams разбирает список "id=источник,id2=источник2"; источник можно опустить.
func ParseStreams(raw string) ([]StreamConfig, error) {
	var out []StreamConfig
	seen := make(map[string]bool)
	for _, item := range splitList(raw) {
		id, src, _ := strings.Cut(item, "=")
		id, src = strings.TrimSpace(id), strings.TrimSpace(src)
		if id == "" {
			return nil, fmt.Errorf("stream %q: empty id", item)
		}
		if seen[id] {
			return nil, fmt.Errorf("stream %q listed twice", id)
		}
		seen[id] = true
		out = append(out, StreamConfig{ID: id, Source: src})
	}
	return out, nil
}

// ParsePairs разбирает "ключ=значение,..."
func ParsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(raw) {
		k, val, ok := strings.Cut(item, "=")
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		if !ok || k == "" || val == "" {
			return nil, fmt.Errorf("invalid pair %q, want key=value", item)
		}
		out[k] = val
	}
	return out, nil
}

// ParseChatIDs разбирает список идентификаторов чатов Telegram
func ParseChatIDs(raw string) ([]int64, error) {
	var out []int64
	for _, item := range splitList(raw) {
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q", item)
		}
		out = append(out, id)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
