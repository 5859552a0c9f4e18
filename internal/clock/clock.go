package clock

import (
	"sync"
	"time"
)

// Clock — инъецируемый источник времени. Всё время движка в UTC.
type Clock interface {
	Now() time.Time
}

// Real — системные часы.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Manual — часы с ручным управлением для тестов и детерминированных прогонов.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance сдвигает часы вперёд на d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set выставляет абсолютное время (в UTC).
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
