package vision

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"forest-watch/internal/domain/entity"
)

// DNNConfig настройки нейросетевого детектора
type DNNConfig struct {
	ModelPath     string
	Labels        []string
	MinObjectness float64 // строки с меньшей objectness отбрасываются до постобработки
}

// DecodeYOLOv5 разбирает выход YOLOv5 формы (1, rows, 5+classes) в кандидатов.
// Уверенность: objectness, умноженная на лучшую оценку класса.
func DecodeYOLOv5(data []float32, rows, width int, minObjectness float64) entity.RawPrediction {
	classes := width - 5
	if classes <= 0 || len(data) < rows*width {
		return entity.RawPrediction{}
	}

	pred := make(entity.RawPrediction, 0, 64)
	for r := 0; r < rows; r++ {
		row := data[r*width : (r+1)*width]
		obj := float64(row[4])
		if obj < minObjectness {
			continue
		}

		best, bestScore := 0, row[5]
		for c := 1; c < classes; c++ {
			if row[5+c] > bestScore {
				best, bestScore = c, row[5+c]
			}
		}

		cx, cy, w, h := float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])
		pred = append(pred, entity.Candidate{
			ClassID:    best,
			Confidence: obj * float64(bestScore),
			Box:        entity.BBox{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2},
		})
	}
	return pred
}

// LoadLabels читает имена классов: по одному на строку, пустые строки пропускаются.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			labels = append(labels, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return labels, nil
}
