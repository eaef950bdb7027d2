package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrEndOfStream файловый источник дошёл до последнего кадра. Это не ошибка.
	ErrEndOfStream = errors.New("end of stream")

	ErrAlreadyRunning   = errors.New("pipeline is already running")
	ErrNotRunning       = errors.New("pipeline is not running")
	ErrUnknownStream    = errors.New("unknown stream")
	ErrStreamExists     = errors.New("stream already registered")
	ErrInvalidThreshold = errors.New("threshold must be within [0,1]")
)

// OpenError источник недоступен: устройство занято или отсутствует, файл не найден или не читается.
type OpenError struct {
	Source StreamSource
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open source %q: %v", e.Source.String(), e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ReadError временный сбой получения кадра.
type ReadError struct {
	Source StreamSource
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read frame from %q: %v", e.Source.String(), e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// InferenceError сбой детектора на конкретном кадре.
type InferenceError struct {
	Seq uint64
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference on frame %d: %v", e.Seq, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// FatalError переводит конвейер в состояние Error.
type FatalError struct {
	StreamID string
	Failures int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stream %s failed after %d consecutive errors: %v", e.StreamID, e.Failures, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
