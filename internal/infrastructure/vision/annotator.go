package vision

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

// palette цвета классов YOLOv5, выбираются по номеру класса.
var palette = []color.RGBA{
	hex(0xFF3838), hex(0xFF9D97), hex(0xFF701F), hex(0xFFB21D), hex(0xCFD231),
	hex(0x48F90A), hex(0x92CC17), hex(0x3DDB86), hex(0x1A9334), hex(0x00D4BB),
	hex(0x2C99A8), hex(0x00C2FF), hex(0x344593), hex(0x6473FF), hex(0x0018EC),
	hex(0x8438FF), hex(0x520085), hex(0xCB38FF), hex(0xFF95C8), hex(0xFF37C7),
}

func hex(v uint32) color.RGBA {
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}

// ClassColor возвращает цвет рамки для класса
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

const (
	lineHeight = 13
	textPad    = 2
)

// Annotator рисует рамки и подписи находок на копии кадра.
type Annotator struct {
	LineWidth int
	Header    bool // полоса сверху с потоком, номером кадра и временем
}

// NewAnnotator создаёт аннотатор с толщиной линии 2
func NewAnnotator(header bool) *Annotator {
	return &Annotator{LineWidth: 2, Header: header}
}

// Draw возвращает новый кадр; исходный не изменяется.
func (a *Annotator) Draw(frame entity.Frame, detections []entity.Detection) entity.Frame {
	out := frame.Clone()
	if out.Empty() {
		return out
	}
	img := out.Image

	for _, d := range detections {
		c := ClassColor(d.ClassID)
		rect := d.Box.Rect().Intersect(img.Bounds())
		if rect.Empty() {
			continue
		}
		a.strokeRect(img, rect, c)

		lines := []string{fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)}
		if extra := detailLine(d); extra != "" {
			lines = append(lines, extra)
		}
		drawLabel(img, rect, lines, c)
	}

	if a.Header {
		drawHeader(img, fmt.Sprintf("%s #%d %s", frame.StreamID, frame.Seq, frame.Timestamp.Format("15:04:05")))
	}
	return out
}

// detailLine подтип вредителя и степень серьёзности
func detailLine(d entity.Detection) string {
	if d.Category != entity.CategoryPest {
		return ""
	}
	parts := make([]string, 0, 2)
	if d.Subtype != "" {
		parts = append(parts, d.Subtype)
	}
	if d.Severity != entity.SeverityNone {
		parts = append(parts, string(d.Severity))
	}
	return strings.Join(parts, " ")
}

func (a *Annotator) strokeRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	w := a.LineWidth
	if w < 1 {
		w = 1
	}
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+w),
		image.Rect(r.Min.X, r.Max.Y-w, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y),
		image.Rect(r.Max.X-w, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// drawLabel рисует подпись на заливке цвета рамки: над рамкой, а если места не хватает, внутри.
func drawLabel(img *image.RGBA, box image.Rectangle, lines []string, bg color.RGBA) {
	face := basicfont.Face7x13
	width := 0
	for _, l := range lines {
		if w := font.MeasureString(face, l).Ceil(); w > width {
			width = w
		}
	}
	height := len(lines)*lineHeight + 2*textPad

	top := box.Min.Y - height
	if top < img.Bounds().Min.Y {
		top = box.Min.Y
	}
	area := image.Rect(box.Min.X, top, box.Min.X+width+2*textPad, top+height).Intersect(img.Bounds())
	draw.Draw(img, area, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Src: image.NewUniform(textColor(bg)), Face: face}
	for i, l := range lines {
		d.Dot = fixed.P(area.Min.X+textPad, top+textPad+(i+1)*lineHeight-3)
		d.DrawString(l)
	}
}

func drawHeader(img *image.RGBA, text string) {
	b := img.Bounds()
	bar := image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+lineHeight+2*textPad).Intersect(b)
	draw.Draw(img, bar, image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(b.Min.X+textPad, b.Min.Y+textPad+lineHeight-3),
	}
	d.DrawString(text)
}

// textColor чёрный текст на светлой заливке, белый на тёмной
func textColor(bg color.RGBA) color.RGBA {
	luma := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if luma > 140 {
		return color.RGBA{A: 255}
	}
	return color.RGBA{R: 255, G: 255, B: 255, A: 255}
}

var _ port.Annotator = (*Annotator)(nil)
