package app

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"forest-watch/internal/domain/entity"
)

// Thresholds пороги фильтрации ответа модели
type Thresholds struct {
	Confidence     float64 // общий порог уверенности
	IoU            float64 // порог перекрытия для NMS
	MaxDetections  int     // ограничение числа находок на кадр; 0: без ограничения
	FireConfidence float64 // отдельный, более строгий порог для оповещения о пожаре
}

// DefaultThresholds значения по умолчанию
func DefaultThresholds() Thresholds {
	return Thresholds{
		Confidence:     0.25,
		IoU:            0.45,
		MaxDetections:  1000,
		FireConfidence: 0.5,
	}
}

// Validate проверяет, что пороги лежат в [0,1]
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"confidence":      t.Confidence,
		"iou":             t.IoU,
		"fire confidence": t.FireConfidence,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%s %v: %w", name, v, entity.ErrInvalidThreshold)
		}
	}
	if t.MaxDetections < 0 {
		return fmt.Errorf("max detections %d must not be negative", t.MaxDetections)
	}
	return nil
}

// PostResult итог постобработки одного кадра
type PostResult struct {
	Detections []entity.Detection // все находки после фильтрации
	Fire       []entity.Detection // находки, которые требуют оповещения о пожаре
}

// PostProcessor фильтрует ответ модели, подавляет дубли и классифицирует находки.
// Не хранит изменяемого состояния, один экземпляр можно использовать из разных потоков.
type PostProcessor struct {
	labels []string
	table  CategoryTable
	bands  SeverityBands
}

// NewPostProcessor создаёт постобработчик с метками модели и таблицей категорий.
func NewPostProcessor(labels []string, table CategoryTable) *PostProcessor {
	if table == nil {
		table = DefaultCategoryTable()
	}
	return &PostProcessor{
		labels: append([]string(nil), labels...),
		table:  table,
		bands:  DefaultSeverityBands(),
	}
}

type rankedCandidate struct {
	index int
	entity.Candidate
}

// Filter превращает сырые кандидаты в находки в координатах исходного кадра.
func (p *PostProcessor) Filter(raw entity.RawPrediction, lb entity.Letterbox, th Thresholds) PostResult {
	kept := make([]rankedCandidate, 0, len(raw))
	for i, c := range raw {
		if !finite(c.Confidence, c.Box.X1, c.Box.Y1, c.Box.X2, c.Box.Y2) {
			continue
		}
		c.Confidence = math.Max(0, math.Min(1, c.Confidence))
		if c.Confidence < th.Confidence {
			continue
		}
		kept = append(kept, rankedCandidate{index: i, Candidate: c})
	}

	survivors := suppress(kept, th.IoU)
	if th.MaxDetections > 0 && len(survivors) > th.MaxDetections {
		survivors = survivors[:th.MaxDetections]
	}

	result := PostResult{Detections: make([]entity.Detection, 0, len(survivors))}
	for _, c := range survivors {
		d := p.classify(c.Candidate, lb)
		result.Detections = append(result.Detections, d)
		if d.IsFire() && d.Confidence >= th.FireConfidence {
			result.Fire = append(result.Fire, d)
		}
	}
	return result
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (p *PostProcessor) classify(c entity.Candidate, lb entity.Letterbox) entity.Detection {
	name := p.className(c.ClassID)
	rule := p.table.Lookup(name)

	d := entity.Detection{
		ClassID:    c.ClassID,
		ClassName:  name,
		Confidence: c.Confidence,
		Box:        lb.Inverse(c.Box),
		Category:   rule.Category,
		Subtype:    rule.Subtype,
	}
	if rule.Graded {
		d.Severity = p.bands.Grade(c.Confidence)
	}
	return d
}

func (p *PostProcessor) className(id int) string {
	if id >= 0 && id < len(p.labels) {
		return p.labels[id]
	}
	return strconv.Itoa(id)
}

// NonMaxSuppression подавляет перекрывающиеся кандидаты внутри каждого класса.
// Результат упорядочен по убыванию уверенности, при равенстве: по исходному индексу.
func NonMaxSuppression(cands []entity.Candidate, iouThreshold float64) []entity.Candidate {
	in := make([]rankedCandidate, len(cands))
	for i, c := range cands {
		in[i] = rankedCandidate{index: i, Candidate: c}
	}
	survivors := suppress(in, iouThreshold)

	out := make([]entity.Candidate, len(survivors))
	for i, c := range survivors {
		out[i] = c.Candidate
	}
	return out
}

func suppress(in []rankedCandidate, iouThreshold float64) []rankedCandidate {
	byClass := make(map[int][]rankedCandidate)
	for _, c := range in {
		byClass[c.ClassID] = append(byClass[c.ClassID], c)
	}

	out := make([]rankedCandidate, 0, len(in))
	for _, group := range byClass {
		rank(group)
		kept := make([]rankedCandidate, 0, len(group))
		for _, c := range group {
			suppressed := false
			for _, k := range kept {
				if k.Box.IoU(c.Box) > iouThreshold {
					suppressed = true
					break
				}
			}
			if !suppressed {
				kept = append(kept, c)
			}
		}
		out = append(out, kept...)
	}

	// Порядок обхода map случаен, итоговая сортировка делает результат детерминированным.
	rank(out)
	return out
}

func rank(cs []rankedCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Confidence != cs[j].Confidence {
			return cs[i].Confidence > cs[j].Confidence
		}
		return cs[i].index < cs[j].index
	})
}
