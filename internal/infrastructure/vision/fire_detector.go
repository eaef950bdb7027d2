package vision

import (
	"context"
	"errors"
	"math"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// HSVRange диапазон в шкале OpenCV: H 0..180, S и V 0..255.
type HSVRange struct {
	LowH, LowS, LowV    float64
	HighH, HighS, HighV float64
}

// DefaultFlameRanges красный и оранжевый цвет пламени по обе стороны нуля оттенка.
func DefaultFlameRanges() []HSVRange {
	return []HSVRange{
		{LowH: 0, LowS: 120, LowV: 70, HighH: 10, HighS: 255, HighV: 255},
		{LowH: 170, LowS: 120, LowV: 70, HighH: 180, HighS: 255, HighV: 255},
	}
}

// HeuristicFireDetector ищет пламя по цвету без нейросети.
// Кадр считается горящим, если доля «огненных» пикселей выше MinFrameRatio;
// каждая связная область не меньше MinBlobPixels становится кандидатом класса "fire".
type HeuristicFireDetector struct {
	Ranges        []HSVRange
	MinFrameRatio float64
	MinBlobPixels int
}

// NewHeuristicFireDetector создаёт детектор с порогами по умолчанию
func NewHeuristicFireDetector() *HeuristicFireDetector {
	return &HeuristicFireDetector{
		Ranges:        DefaultFlameRanges(),
		MinFrameRatio: 0.01,
		MinBlobPixels: 16,
	}
}

// Labels у детектора один класс
func (d *HeuristicFireDetector) Labels() []string {
	return []string{"fire"}
}

// Reentrant: детектор не хранит состояния между вызовами
func (d *HeuristicFireDetector) Reentrant() bool { return true }

// Infer возвращает кандидатов в координатах входа модели.
func (d *HeuristicFireDetector) Infer(ctx context.Context, tensor entity.Tensor) (entity.RawPrediction, error) {
	if tensor.Shape[1] != 3 || tensor.Len() == 0 || len(tensor.Data) < tensor.Len() {
		return nil, errors.New("tensor must be 1x3xHxW")
	}
	h, w := tensor.Shape[2], tensor.Shape[3]

	blobs, hits, err := flameBlobs(tensor.Data, w, h, d.Ranges)
	if err != nil {
		return nil, err
	}
	content := contentArea(tensor.Letterbox, w, h)
	if content == 0 || float64(hits)/float64(content) <= d.MinFrameRatio {
		return entity.RawPrediction{}, nil
	}

	pred := entity.RawPrediction{}
	for _, blob := range blobs {
		if blob.pixels < d.MinBlobPixels {
			continue
		}
		box := entity.BBox{X1: float64(blob.minX), Y1: float64(blob.minY), X2: float64(blob.maxX + 1), Y2: float64(blob.maxY + 1)}
		density := float64(blob.pixels) / box.Area()
		size := math.Min(1, float64(blob.pixels)/(d.MinFrameRatio*float64(content)))
		pred = append(pred, entity.Candidate{
			ClassID:    0,
			Confidence: clamp01(density * (0.5 + 0.5*size)),
			Box:        box,
		})
	}
	return pred, nil
}

// contentArea площадь кадра без серых полей
func contentArea(lb entity.Letterbox, w, h int) int {
	if lb.ResizedW > 0 && lb.ResizedH > 0 {
		return lb.ResizedW * lb.ResizedH
	}
	return w * h
}

// blob связная область маски пламени; границы включительно.
type blob struct {
	pixels                 int
	minX, minY, maxX, maxY int
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

var (
	_ port.Detector  = (*HeuristicFireDetector)(nil)
	_ port.Reentrant = (*HeuristicFireDetector)(nil)
)
