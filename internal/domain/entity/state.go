package entity

// PipelineState состояние конвейера обработки потока
type PipelineState string

const (
	StateIdle     PipelineState = "idle"     // Источник закрыт, цикл не запущен
	StateRunning  PipelineState = "running"  // Цикл обработки кадров работает
	StateStopping PipelineState = "stopping" // Ожидание выхода цикла после Stop
	StateError    PipelineState = "error"    // Неустранимый сбой, нужен перезапуск
)

// CanStart сообщает, разрешён ли запуск из текущего состояния.
// Запуск из Error сначала сбрасывает ошибку.
func (s PipelineState) CanStart() bool {
	return s == StateIdle || s == StateError
}
