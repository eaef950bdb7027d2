//go:build gocv
// +build gocv

package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/image/draw"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// captureSource кадры из gocv.VideoCapture: камера или видеофайл.
type captureSource struct {
	src     entity.StreamSource
	cap     *gocv.VideoCapture
	mat     gocv.Mat
	file    bool
	reader  timedRead

	mu     sync.Mutex
	closed bool
}

// openDevice захватывает камеру по индексу.
func openDevice(index int, readTimeout time.Duration) (port.FrameSource, error) {
	cap, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, err
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, errors.New("device is not available")
	}
	return &captureSource{
		src:     entity.DeviceSource(index),
		cap:     cap,
		mat:     gocv.NewMat(),
		reader:  timedRead{timeout: readTimeout},
	}, nil
}

// openFile открывает видеофайл; нераспознанный контейнер даёт ошибку сразу.
func openFile(path string) (port.FrameSource, error) {
	cap, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, err
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("cannot decode %s", path)
	}
	return &captureSource{
		src:  entity.FileSource(path),
		cap:  cap,
		mat:  gocv.NewMat(),
		file: true,
	}, nil
}

func (s *captureSource) Read(ctx context.Context) (entity.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return entity.Frame{}, &entity.ReadError{Source: s.src, Err: errSourceClosed}
	}

	ok, err := s.grab()
	if err != nil {
		return entity.Frame{}, &entity.ReadError{Source: s.src, Err: err}
	}
	if !ok || s.mat.Empty() {
		if s.file && s.atEnd() {
			return entity.Frame{}, entity.ErrEndOfStream
		}
		return entity.Frame{}, &entity.ReadError{Source: s.src, Err: errors.New("failed to decode frame")}
	}

	img, err := s.mat.ToImage()
	if err != nil {
		return entity.Frame{}, &entity.ReadError{Source: s.src, Err: err}
	}
	return entity.Frame{
		Timestamp: time.Now(),
		Order:     entity.ChannelOrderBGR,
		Image:     toRGBA(img),
	}, nil
}

// grab читает кадр; для камеры ожидание ограничено таймаутом.
func (s *captureSource) grab() (bool, error) {
	if s.file {
		return s.cap.Read(&s.mat), nil
	}
	return s.reader.grab(func() bool { return s.cap.Read(&s.mat) })
}

func (s *captureSource) atEnd() bool {
	total := s.cap.Get(gocv.VideoCaptureFrameCount)
	if total <= 0 {
		return true
	}
	return s.cap.Get(gocv.VideoCapturePosFrames) >= total
}

// Rewind возвращает видеофайл к первому кадру.
func (s *captureSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.file {
		return errors.New("device cannot rewind")
	}
	s.cap.Set(gocv.VideoCapturePosFrames, 0)
	return nil
}

// Close освобождает камеру; зависшее чтение не задерживает его дольше таймаута.
func (s *captureSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.release(func() error {
		s.mat.Close()
		return s.cap.Close()
	})
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

var (
	_ port.FrameSource = (*captureSource)(nil)
	_ port.Rewinder    = (*captureSource)(nil)
)
