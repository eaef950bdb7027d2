package entity

import (
	"image"
	"math"
)

// Category доменная категория обнаруженного объекта
type Category string

const (
	CategoryFire              Category = "fire"               // Возгорание
	CategoryAnimal            Category = "animal"             // Дикое животное
	CategoryLandslide         Category = "landslide"          // Оползень
	CategoryForestDegradation Category = "forest_degradation" // Деградация леса
	CategoryPest              Category = "pest"               // Вредители
	CategoryUnknown           Category = "unknown"            // Метка не найдена в таблице
)

// Severity степень серьёзности находки
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// BBox прямоугольник в пикселях: (X1,Y1) левый верхний угол, (X2,Y2) правый нижний.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Width возвращает ширину прямоугольника
func (b BBox) Width() float64 {
	return math.Max(0, b.X2-b.X1)
}

// Height возвращает высоту прямоугольника
func (b BBox) Height() float64 {
	return math.Max(0, b.Y2-b.Y1)
}

// Area возвращает площадь прямоугольника
func (b BBox) Area() float64 {
	return b.Width() * b.Height()
}

// IoU считает отношение пересечения к объединению двух прямоугольников.
func (b BBox) IoU(o BBox) float64 {
	ix1 := math.Max(b.X1, o.X1)
	iy1 := math.Max(b.Y1, o.Y1)
	ix2 := math.Min(b.X2, o.X2)
	iy2 := math.Min(b.Y2, o.Y2)

	inter := math.Max(0, ix2-ix1) * math.Max(0, iy2-iy1)
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Rect переводит прямоугольник в целочисленный image.Rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(math.Floor(b.X1)), int(math.Floor(b.Y1)), int(math.Ceil(b.X2)), int(math.Ceil(b.Y2)))
}

// Candidate сырой ответ модели в координатах входа модели
type Candidate struct {
	ClassID    int
	Confidence float64
	Box        BBox
}

// RawPrediction список кандидатов, который возвращает детектор.
type RawPrediction []Candidate

// Detection итоговая находка в координатах исходного кадра.
// Значение не изменяется после создания, поэтому передаётся по значению.
type Detection struct {
	ClassID    int      // номер класса модели
	ClassName  string   // имя класса из меток модели
	Confidence float64  // уверенность в диапазоне [0,1]
	Box        BBox     // прямоугольник в пикселях исходного кадра
	Category   Category // доменная категория
	Subtype    string   // подтип, например вид вредителя
	Severity   Severity // степень серьёзности
}

// IsFire сообщает, относится ли находка к категории возгорания
func (d Detection) IsFire() bool {
	return d.Category == CategoryFire
}

// CloneDetections копирует срез находок.
func CloneDetections(in []Detection) []Detection {
	if in == nil {
		return nil
	}
	out := make([]Detection, len(in))
	copy(out, in)
	return out
}
