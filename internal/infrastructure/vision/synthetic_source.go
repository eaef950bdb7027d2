package vision

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// SyntheticConfig параметры сгенерированного потока
type SyntheticConfig struct {
	Name   string
	Width  int
	Height int
	Frames int  // 0: бесконечный поток
	Fire   bool // рисовать дрейфующий очаг пламени
}

// ParseSyntheticConfig разбирает "name?frames=N&w=W&h=H&fire=0".
func ParseSyntheticConfig(spec string) (SyntheticConfig, error) {
	name, rawQuery, _ := strings.Cut(spec, "?")
	cfg := SyntheticConfig{Name: name, Width: 320, Height: 240, Fire: true}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return SyntheticConfig{}, fmt.Errorf("parse synthetic source %q: %w", spec, err)
	}
	ints := map[string]*int{"frames": &cfg.Frames, "w": &cfg.Width, "h": &cfg.Height}
	for key, dst := range ints {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return SyntheticConfig{}, fmt.Errorf("synthetic source %q: invalid %s=%q", spec, key, raw)
		}
		*dst = v
	}
	if raw := q.Get("fire"); raw != "" {
		cfg.Fire, err = strconv.ParseBool(raw)
		if err != nil {
			return SyntheticConfig{}, fmt.Errorf("synthetic source %q: invalid fire=%q", spec, raw)
		}
	}
	if cfg.Width < 16 || cfg.Height < 16 {
		return SyntheticConfig{}, fmt.Errorf("synthetic source %q: frame is too small", spec)
	}
	return cfg, nil
}

// SyntheticSource рисует лесной пейзаж с очагом пламени для симуляции дронов.
// Содержимое кадра зависит только от имени и номера кадра.
type SyntheticSource struct {
	cfg  SyntheticConfig
	seed uint64

	mu     sync.Mutex
	n      int
	closed bool
}

// NewSyntheticSource создаёт источник по конфигурации
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	h := fnv.New64a()
	_, _ = h.Write([]byte(cfg.Name))
	return &SyntheticSource{cfg: cfg, seed: h.Sum64()}
}

func (s *SyntheticSource) Read(ctx context.Context) (entity.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return entity.Frame{}, &entity.ReadError{Source: entity.SyntheticSource(s.cfg.Name), Err: errSourceClosed}
	}
	if s.cfg.Frames > 0 && s.n >= s.cfg.Frames {
		return entity.Frame{}, entity.ErrEndOfStream
	}
	s.n++

	return entity.Frame{
		Timestamp: time.Now(),
		Order:     entity.ChannelOrderRGB,
		Image:     s.render(s.n),
	}, nil
}

func (s *SyntheticSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
	return nil
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SyntheticSource) render(n int) *image.RGBA {
	w, h := s.cfg.Width, s.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewPCG(s.seed, uint64(n)))

	horizon := h / 3
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var c color.RGBA
			if y < horizon {
				c = color.RGBA{R: 135, G: 180, B: 215, A: 255}
			} else {
				shade := uint8(rng.IntN(40))
				c = color.RGBA{R: 20 + shade/2, G: 70 + shade, B: 25 + shade/3, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	if s.cfg.Fire {
		s.drawFlame(img, n, horizon)
	}
	return img
}

// drawFlame рисует эллипс пламени, который медленно дрейфует по кадру.
func (s *SyntheticSource) drawFlame(img *image.RGBA, n, horizon int) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	rx, ry := float64(w)/14, float64(h)/10
	span := float64(w) - 4*rx
	phase := float64(s.seed%997)/997*span + float64(n)*2
	cx := 2*rx + math.Mod(phase, span)
	cy := float64(horizon) + (float64(h-horizon))*0.55

	for y := int(cy - ry); y <= int(cy+ry); y++ {
		for x := int(cx - rx); x <= int(cx+rx); x++ {
			dx, dy := (float64(x)-cx)/rx, (float64(y)-cy)/ry
			d := dx*dx + dy*dy
			if d > 1 || x < 0 || y < 0 || x >= w || y >= h {
				continue
			}
			// ближе к центру пламя желтее
			g := uint8(40 + 120*(1-d))
			img.SetRGBA(x, y, color.RGBA{R: 235, G: g / 2, B: 10, A: 255})
		}
	}
}

var (
	_ port.FrameSource = (*SyntheticSource)(nil)
	_ port.Rewinder    = (*SyntheticSource)(nil)
)
