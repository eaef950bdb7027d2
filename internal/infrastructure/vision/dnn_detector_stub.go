//go:build !gocv
// +build !gocv

package vision

import (
	"context"

	"forest-watch/internal/domain/entity"
)

// DNNDetector заглушка для сборки без OpenCV.
type DNNDetector struct{}

// NewDNNDetector возвращает ошибку, если сборка без тега gocv.
func NewDNNDetector(cfg DNNConfig) (*DNNDetector, error) {
	_ = cfg
	return nil, errNoGoCV
}

func (d *DNNDetector) Labels() []string { return nil }

func (d *DNNDetector) Infer(ctx context.Context, tensor entity.Tensor) (entity.RawPrediction, error) {
	_ = ctx
	_ = tensor
	return nil, errNoGoCV
}

func (d *DNNDetector) Close() error { return nil }
