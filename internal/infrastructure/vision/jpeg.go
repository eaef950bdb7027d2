package vision

import (
	"bytes"
	"errors"
	"image/jpeg"

	"forest-watch/internal/domain/entity"
)

// EncodeJPEG сжимает кадр в JPEG
func EncodeJPEG(frame entity.Frame, quality int) ([]byte, error) {
	if frame.Empty() {
		return nil, errors.New("empty frame")
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
