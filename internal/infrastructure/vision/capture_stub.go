//go:build !gocv
// +build !gocv

package vision

import (
	"errors"
	"time"

	"forest-watch/internal/domain/port"
)

var errNoGoCV = errors.New("gocv build tag is not enabled")

// openDevice без OpenCV камеры недоступны.
func openDevice(index int, readTimeout time.Duration) (port.FrameSource, error) {
	_ = index
	_ = readTimeout
	return nil, errNoGoCV
}

// openFile без OpenCV видеофайлы не декодируются.
func openFile(path string) (port.FrameSource, error) {
	_ = path
	return nil, errNoGoCV
}
