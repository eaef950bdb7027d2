package entity

import (
	"image"
	"time"
)

// ChannelOrder порядок цветовых каналов в буфере источника
type ChannelOrder string

const (
	ChannelOrderRGB ChannelOrder = "rgb"
	ChannelOrderBGR ChannelOrder = "bgr"
)

// Frame кадр видеопотока.
// Image всегда хранится как RGBA; Order описывает порядок каналов, в котором кадр пришёл от источника.
type Frame struct {
	StreamID  string
	Seq       uint64
	Timestamp time.Time
	Order     ChannelOrder
	Image     *image.RGBA
}

// Width возвращает ширину кадра
func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height возвращает высоту кадра
func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Empty сообщает, что в кадре нет пикселей
func (f Frame) Empty() bool {
	return f.Width() == 0 || f.Height() == 0
}

// Clone возвращает глубокую копию кадра.
func (f Frame) Clone() Frame {
	out := f
	if f.Image != nil {
		img := &image.RGBA{
			Pix:    make([]uint8, len(f.Image.Pix)),
			Stride: f.Image.Stride,
			Rect:   f.Image.Rect,
		}
		copy(img.Pix, f.Image.Pix)
		out.Image = img
	}
	return out
}

// Tensor вход модели: батч из одного изображения в раскладке NCHW, значения в [0,1].
type Tensor struct {
	Shape     [4]int
	Data      []float32
	Letterbox Letterbox
}

// Len возвращает ожидаемое число элементов по форме тензора
func (t Tensor) Len() int {
	return t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3]
}
