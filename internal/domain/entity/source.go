package entity

import (
	"fmt"
	"strconv"
	"strings"
)

// SourceKind тип источника видео
type SourceKind string

const (
	SourceDevice    SourceKind = "device"    // Камера по индексу
	SourceFile      SourceKind = "file"      // Видеофайл
	SourceSynthetic SourceKind = "synthetic" // Сгенерированный поток для симуляции дронов
)

const syntheticPrefix = "synthetic:"

// StreamSource источник кадров: индекс устройства либо путь к файлу.
type StreamSource struct {
	Kind   SourceKind
	Device int
	Path   string
}

// DeviceSource создаёт источник-камеру
func DeviceSource(index int) StreamSource {
	return StreamSource{Kind: SourceDevice, Device: index}
}

// FileSource создаёт файловый источник
func FileSource(path string) StreamSource {
	return StreamSource{Kind: SourceFile, Path: path}
}

// SyntheticSource создаёт сгенерированный источник
func SyntheticSource(spec string) StreamSource {
	return StreamSource{Kind: SourceSynthetic, Path: spec}
}

// ParseStreamSource разбирает строку: число означает камеру, "synthetic:..." генератор, остальное путь к файлу.
func ParseStreamSource(raw string) (StreamSource, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return StreamSource{}, fmt.Errorf("empty stream source")
	}
	if idx, err := strconv.Atoi(raw); err == nil {
		if idx < 0 {
			return StreamSource{}, fmt.Errorf("invalid device index %d", idx)
		}
		return DeviceSource(idx), nil
	}
	if strings.HasPrefix(raw, syntheticPrefix) {
		return SyntheticSource(strings.TrimPrefix(raw, syntheticPrefix)), nil
	}
	return FileSource(raw), nil
}

// IsZero сообщает, что источник не задан
func (s StreamSource) IsZero() bool {
	return s.Kind == ""
}

func (s StreamSource) String() string {
	switch s.Kind {
	case SourceDevice:
		return strconv.Itoa(s.Device)
	case SourceSynthetic:
		return syntheticPrefix + s.Path
	case SourceFile:
		return s.Path
	default:
		return ""
	}
}
