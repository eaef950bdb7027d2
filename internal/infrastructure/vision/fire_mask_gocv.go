//go:build gocv
// +build gocv

package vision

import (
	"fmt"
	"runtime"

	"gocv.io/x/gocv"
)

// flameBlobs переводит тензор в HSV средствами OpenCV, строит маску по диапазонам
// и берёт внешние контуры маски как кандидатов.
func flameBlobs(data []float32, w, h int, ranges []HSVRange) ([]blob, int, error) {
	buf := tensorToBGR(data, w, h)
	defer runtime.KeepAlive(buf)
	bgr, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, buf)
	if err != nil {
		return nil, 0, fmt.Errorf("build image: %w", err)
	}
	defer bgr.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(bgr, &hsv, gocv.ColorBGRToHSV)

	mask := gocv.Zeros(h, w, gocv.MatTypeCV8U)
	defer mask.Close()

	part := gocv.NewMat()
	defer part.Close()
	for _, r := range ranges {
		gocv.InRangeWithScalar(hsv,
			gocv.NewScalar(r.LowH, r.LowS, r.LowV, 0),
			gocv.NewScalar(r.HighH, r.HighS, r.HighV, 0),
			&part)
		gocv.BitwiseOr(mask, part, &mask)
	}

	hits := gocv.CountNonZero(mask)
	if hits == 0 {
		return nil, 0, nil
	}

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	out := make([]blob, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		rect := gocv.BoundingRect(contours.At(i))
		region := mask.Region(rect)
		pixels := gocv.CountNonZero(region)
		region.Close()

		out = append(out, blob{
			pixels: pixels,
			minX:   rect.Min.X,
			minY:   rect.Min.Y,
			maxX:   rect.Max.X - 1,
			maxY:   rect.Max.Y - 1,
		})
	}
	return out, hits, nil
}

// tensorToBGR раскладывает плоскости R, G, B тензора в 8-битные пиксели BGR.
func tensorToBGR(data []float32, w, h int) []byte {
	plane := w * h
	buf := make([]byte, 3*plane)
	for i := 0; i < plane; i++ {
		buf[3*i] = toByte(data[2*plane+i])
		buf[3*i+1] = toByte(data[plane+i])
		buf[3*i+2] = toByte(data[i])
	}
	return buf
}

func toByte(v float32) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return byte(v*255 + 0.5)
	}
}
