package vision

import (
	"errors"
	"fmt"
	"time"
)

// errReadInFlight чтение не вернулось к закрытию; ресурсы освободятся, когда оно завершится.
var errReadInFlight = errors.New("read still in progress, release deferred")

// timedRead ограничивает ожидание блокирующего чтения кадра.
// Чтение, пережившее таймаут, не запускается повторно: следующий вызов ждёт его результата.
type timedRead struct {
	timeout time.Duration
	pending chan bool
}

// grab вызывает read в отдельной горутине и ждёт не дольше timeout.
func (t *timedRead) grab(read func() bool) (bool, error) {
	if t.timeout <= 0 {
		return read(), nil
	}

	if t.pending == nil {
		ch := make(chan bool, 1)
		t.pending = ch
		go func() { ch <- read() }()
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case ok := <-t.pending:
		t.pending = nil
		return ok, nil
	case <-timer.C:
		return false, fmt.Errorf("no frame within %s", t.timeout)
	}
}

// release вызывает free, когда незавершённого чтения нет.
// Зависшее чтение ждём не дольше timeout, после чего free выполнится в фоне по его возвращении.
func (t *timedRead) release(free func() error) error {
	pending := t.pending
	t.pending = nil
	if pending == nil {
		return free()
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case <-pending:
		return free()
	case <-timer.C:
		go func() {
			<-pending
			_ = free()
		}()
		return errReadInFlight
	}
}
