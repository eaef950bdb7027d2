//go:build gocv
// +build gocv

package vision

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// DNNDetector YOLOv5 в формате ONNX через модуль dnn OpenCV.
// gocv.Net нельзя вызывать из нескольких горутин, поэтому детектор не реентерабельный.
type DNNDetector struct {
	labels        []string
	minObjectness float64

	mu     sync.Mutex
	net    gocv.Net
	closed bool
}

// NewDNNDetector загружает модель с диска.
func NewDNNDetector(cfg DNNConfig) (*DNNDetector, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load model %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, err
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, err
	}

	return &DNNDetector{
		labels:        append([]string(nil), cfg.Labels...),
		minObjectness: cfg.MinObjectness,
		net:           net,
	}, nil
}

func (d *DNNDetector) Labels() []string {
	return append([]string(nil), d.labels...)
}

// Infer прогоняет тензор через сеть и разбирает строки вида cx, cy, w, h, obj, cls0..clsN.
func (d *DNNDetector) Infer(ctx context.Context, tensor entity.Tensor) (entity.RawPrediction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.New("detector is closed")
	}
	if len(tensor.Data) < tensor.Len() || tensor.Len() == 0 {
		return nil, errors.New("tensor data is shorter than its shape")
	}

	buf := make([]byte, 4*tensor.Len())
	for i, v := range tensor.Data[:tensor.Len()] {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	blob, err := gocv.NewMatWithSizesFromBytes(tensor.Shape[:], gocv.MatTypeCV32F, buf)
	if err != nil {
		return nil, fmt.Errorf("build blob: %w", err)
	}
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	sizes := out.Size()
	if len(sizes) != 3 || sizes[2] < 6 {
		return nil, fmt.Errorf("unexpected output shape %v", sizes)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return DecodeYOLOv5(data, sizes[1], sizes[2], d.minObjectness), nil
}

// Close освобождает сеть
func (d *DNNDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.net.Close()
}

var _ port.Detector = (*DNNDetector)(nil)
