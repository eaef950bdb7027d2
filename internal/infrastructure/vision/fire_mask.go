//go:build !gocv
// +build !gocv

package vision

import "math"

// flameBlobs без OpenCV: маска и связные области считаются по пикселям тензора.
func flameBlobs(data []float32, w, h int, ranges []HSVRange) ([]blob, int, error) {
	mask, hits := flameMask(data, w, h, ranges)
	return components(mask, w, h), hits, nil
}

func (r HSVRange) contains(h, s, v float64) bool {
	return h >= r.LowH && h <= r.HighH && s >= r.LowS && s <= r.HighS && v >= r.LowV && v <= r.HighV
}

func flameMask(data []float32, w, h int, ranges []HSVRange) ([]bool, int) {
	plane := w * h
	mask := make([]bool, plane)
	hits := 0
	for i := 0; i < plane; i++ {
		hh, s, v := rgbToHSV(data[i], data[plane+i], data[2*plane+i])
		for _, r := range ranges {
			if r.contains(hh, s, v) {
				mask[i] = true
				hits++
				break
			}
		}
	}
	return mask, hits
}

// components выделяет 4-связные области маски.
func components(mask []bool, w, h int) []blob {
	seen := make([]bool, len(mask))
	var out []blob
	stack := make([]int, 0, 64)

	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}
		b := blob{minX: w, minY: h, maxX: -1, maxY: -1}
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			b.pixels++
			b.minX, b.maxX = min(b.minX, x), max(b.maxX, x)
			b.minY, b.maxY = min(b.minY, y), max(b.maxY, y)

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if mask[j] && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		out = append(out, b)
	}
	return out
}

// rgbToHSV переводит цвет из [0,1] в шкалу OpenCV.
func rgbToHSV(r, g, b float32) (h, s, v float64) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	mx := math.Max(rf, math.Max(gf, bf))
	mn := math.Min(rf, math.Min(gf, bf))
	delta := mx - mn

	v = mx * 255
	if mx > 0 {
		s = delta / mx * 255
	}
	if delta == 0 {
		return 0, s, v
	}

	var deg float64
	switch mx {
	case rf:
		deg = 60 * math.Mod((gf-bf)/delta, 6)
	case gf:
		deg = 60 * ((bf-rf)/delta + 2)
	default:
		deg = 60 * ((rf-gf)/delta + 4)
	}
	if deg < 0 {
		deg += 360
	}
	return deg / 2, s, v
}
