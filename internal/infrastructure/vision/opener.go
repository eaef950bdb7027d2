package vision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

var (
	errSourceClosed = errors.New("source is closed")
	errDeviceBusy   = errors.New("device busy")
)

// Opener открывает источники по их типу и следит, чтобы камера была занята не более чем одним потоком.
type Opener struct {
	ReadTimeout time.Duration

	mu   sync.Mutex
	busy map[int]bool
}

// NewOpener создаёт открыватель; readTimeout ограничивает ожидание кадра с камеры.
func NewOpener(readTimeout time.Duration) *Opener {
	if readTimeout <= 0 {
		readTimeout = 2 * time.Second
	}
	return &Opener{ReadTimeout: readTimeout, busy: make(map[int]bool)}
}

func (o *Opener) Open(ctx context.Context, src entity.StreamSource) (port.FrameSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, &entity.OpenError{Source: src, Err: err}
	}

	switch src.Kind {
	case entity.SourceSynthetic:
		cfg, err := ParseSyntheticConfig(src.Path)
		if err != nil {
			return nil, &entity.OpenError{Source: src, Err: err}
		}
		return NewSyntheticSource(cfg), nil

	case entity.SourceFile:
		info, err := os.Stat(src.Path)
		if err != nil {
			return nil, &entity.OpenError{Source: src, Err: err}
		}
		if info.IsDir() {
			return nil, &entity.OpenError{Source: src, Err: errors.New("path is a directory")}
		}
		fs, err := openFile(src.Path)
		if err != nil {
			return nil, &entity.OpenError{Source: src, Err: err}
		}
		return fs, nil

	case entity.SourceDevice:
		if err := o.acquire(src.Device); err != nil {
			return nil, &entity.OpenError{Source: src, Err: err}
		}
		fs, err := openDevice(src.Device, o.ReadTimeout)
		if err != nil {
			o.release(src.Device)
			return nil, &entity.OpenError{Source: src, Err: err}
		}
		return &deviceLease{FrameSource: fs, release: func() { o.release(src.Device) }}, nil

	default:
		return nil, &entity.OpenError{Source: src, Err: fmt.Errorf("unknown source kind %q", src.Kind)}
	}
}

// Busy сообщает, занята ли камера
func (o *Opener) Busy(index int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy[index]
}

func (o *Opener) acquire(index int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy[index] {
		return errDeviceBusy
	}
	o.busy[index] = true
	return nil
}

func (o *Opener) release(index int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.busy, index)
}

// deviceLease освобождает камеру в реестре при первом Close.
type deviceLease struct {
	port.FrameSource
	once    sync.Once
	release func()
	err     error
}

func (d *deviceLease) Close() error {
	d.once.Do(func() {
		d.err = d.FrameSource.Close()
		d.release()
	})
	return d.err
}

var _ port.SourceOpener = (*Opener)(nil)
