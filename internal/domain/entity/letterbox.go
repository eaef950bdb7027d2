package entity

import "math"

// PadColor серый цвет полей, которым дополняется кадр (как в YOLOv5).
const PadColor = 114

// snapEpsilon гасит ошибку округления float при обратном преобразовании.
const snapEpsilon = 1e-6

// Letterbox описывает масштабирование кадра с сохранением пропорций
// и центрированием на квадратном поле стороны Size.
type Letterbox struct {
	SrcW, SrcH         int     // размер исходного кадра
	Size               int     // сторона входа модели
	Scale              float64 // коэффициент масштабирования
	ResizedW, ResizedH int     // размер кадра после масштабирования
	PadX, PadY         int     // отступ слева и сверху
}

// TargetSide возвращает наименьшее кратное stride, не меньшее targetSize.
func TargetSide(targetSize, stride int) int {
	if stride <= 0 {
		stride = 1
	}
	if targetSize <= 0 {
		targetSize = stride
	}
	return ((targetSize + stride - 1) / stride) * stride
}

// NewLetterbox рассчитывает преобразование для кадра srcW x srcH.
func NewLetterbox(srcW, srcH, targetSize, stride int) Letterbox {
	side := TargetSide(targetSize, stride)
	lb := Letterbox{SrcW: srcW, SrcH: srcH, Size: side}
	if srcW <= 0 || srcH <= 0 {
		lb.Scale = 1
		return lb
	}

	lb.Scale = math.Min(float64(side)/float64(srcW), float64(side)/float64(srcH))
	lb.ResizedW = clampInt(int(math.Round(float64(srcW)*lb.Scale)), 1, side)
	lb.ResizedH = clampInt(int(math.Round(float64(srcH)*lb.Scale)), 1, side)

	// Поля делим пополам; смещение -0.1 повторяет округление YOLOv5.
	dw := float64(side-lb.ResizedW) / 2
	dh := float64(side-lb.ResizedH) / 2
	lb.PadX = int(math.Round(dw - 0.1))
	lb.PadY = int(math.Round(dh - 0.1))
	return lb
}

// Forward переводит прямоугольник из координат кадра в координаты модели.
func (l Letterbox) Forward(b BBox) BBox {
	return BBox{
		X1: b.X1*l.Scale + float64(l.PadX),
		Y1: b.Y1*l.Scale + float64(l.PadY),
		X2: b.X2*l.Scale + float64(l.PadX),
		Y2: b.Y2*l.Scale + float64(l.PadY),
	}
}

// Inverse переводит прямоугольник из координат модели обратно в пиксели кадра.
// Левый верхний угол округляется вниз, правый нижний вверх; результат обрезается
// по границам кадра и не бывает уже одного пикселя.
func (l Letterbox) Inverse(b BBox) BBox {
	if l.Scale <= 0 {
		return b
	}
	x1 := math.Floor((b.X1-float64(l.PadX))/l.Scale + snapEpsilon)
	y1 := math.Floor((b.Y1-float64(l.PadY))/l.Scale + snapEpsilon)
	x2 := math.Ceil((b.X2-float64(l.PadX))/l.Scale - snapEpsilon)
	y2 := math.Ceil((b.Y2-float64(l.PadY))/l.Scale - snapEpsilon)

	w, h := float64(l.SrcW), float64(l.SrcH)
	x1, x2 = clampSpan(x1, x2, w)
	y1, y2 = clampSpan(y1, y2, h)
	return BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func clampSpan(lo, hi, limit float64) (float64, float64) {
	lo = math.Max(0, math.Min(lo, limit))
	hi = math.Max(0, math.Min(hi, limit))
	if hi-lo >= 1 {
		return lo, hi
	}
	if lo+1 <= limit {
		return lo, lo + 1
	}
	return math.Max(0, limit-1), limit
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
