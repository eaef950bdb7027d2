package vision

import (
	"errors"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// Preprocessor вписывает кадр в квадрат модели с серыми полями и раскладывает его в тензор CHW.
type Preprocessor struct {
	Scaler draw.Scaler
}

// NewPreprocessor создаёт препроцессор с билинейной интерполяцией
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{Scaler: draw.ApproxBiLinear}
}

// Prepare не меняет кадр и не хранит состояния между вызовами.
func (p *Preprocessor) Prepare(frame entity.Frame, targetSize, stride int) (entity.Tensor, error) {
	if frame.Empty() {
		return entity.Tensor{}, errors.New("empty frame")
	}

	lb := entity.NewLetterbox(frame.Width(), frame.Height(), targetSize, stride)
	canvas := Letterboxed(frame.Image, lb, p.Scaler)

	side := lb.Size
	plane := side * side
	data := make([]float32, 3*plane)
	for y := 0; y < side; y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < side; x++ {
			i := x * 4
			idx := y*side + x
			data[idx] = float32(row[i]) / 255
			data[plane+idx] = float32(row[i+1]) / 255
			data[2*plane+idx] = float32(row[i+2]) / 255
		}
	}

	return entity.Tensor{
		Shape:     [4]int{1, 3, side, side},
		Data:      data,
		Letterbox: lb,
	}, nil
}

// Letterboxed рисует src на квадратном холсте по параметрам lb.
func Letterboxed(src image.Image, lb entity.Letterbox, scaler draw.Scaler) *image.RGBA {
	if scaler == nil {
		scaler = draw.ApproxBiLinear
	}
	canvas := image.NewRGBA(image.Rect(0, 0, lb.Size, lb.Size))
	pad := color.RGBA{R: entity.PadColor, G: entity.PadColor, B: entity.PadColor, A: 255}
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(pad), image.Point{}, draw.Src)

	dst := image.Rect(lb.PadX, lb.PadY, lb.PadX+lb.ResizedW, lb.PadY+lb.ResizedH)
	scaler.Scale(canvas, dst, src, src.Bounds(), draw.Src, nil)
	return canvas
}

// TensorImage собирает RGBA-картинку обратно из тензора CHW.
func TensorImage(t entity.Tensor) (*image.RGBA, error) {
	if t.Shape[0] != 1 || t.Shape[1] != 3 {
		return nil, errors.New("tensor must be 1x3xHxW")
	}
	h, w := t.Shape[2], t.Shape[3]
	if len(t.Data) < t.Len() {
		return nil, errors.New("tensor data is shorter than its shape")
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			o := y*img.Stride + x*4
			img.Pix[o] = toByte(t.Data[idx])
			img.Pix[o+1] = toByte(t.Data[plane+idx])
			img.Pix[o+2] = toByte(t.Data[2*plane+idx])
			img.Pix[o+3] = 255
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

var _ port.Preprocessor = (*Preprocessor)(nil)
