package metrics

import (
	"sync"
	"time"
)

type AlertLevel string

const (
	AlertLevelOK       AlertLevel = "ok"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// AlertStatus — текущее состояние алёрта по доле ошибок.
type AlertStatus struct {
	Level       AlertLevel `json:"level"`
	Total       int        `json:"total"`
	Failed      int        `json:"failed"`
	FailureRate float64    `json:"failure_rate"`
	WindowStart time.Time  `json:"window_start"`
}

type alertEvent struct {
	at     time.Time
	failed bool
}

// FailureRateAlert — скользящее окно исходов конвертации с порогами
// warning/critical по доле ошибок. Пока наблюдений меньше minSample,
// алёрт не срабатывает: на единичных событиях доля не показательна.
type FailureRateAlert struct {
	window    time.Duration
	warn      float64
	critical  float64
	minSample int

	mu     sync.Mutex
	events []alertEvent
}

func NewFailureRateAlert(window time.Duration, warn, critical float64, minSample int) *FailureRateAlert {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if minSample <= 0 {
		minSample = 10
	}
	return &FailureRateAlert{
		window:    window,
		warn:      warn,
		critical:  critical,
		minSample: minSample,
	}
}

// Observe регистрирует исход одной операции.
func (a *FailureRateAlert) Observe(now time.Time, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trim(now)
	a.events = append(a.events, alertEvent{at: now, failed: failed})
}

// Status возвращает уровень алёрта по окну, заканчивающемуся в now.
func (a *FailureRateAlert) Status(now time.Time) AlertStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trim(now)

	st := AlertStatus{
		Level:       AlertLevelOK,
		WindowStart: now.Add(-a.window),
	}
	for _, e := range a.events {
		st.Total++
		if e.failed {
			st.Failed++
		}
	}
	if st.Total == 0 {
		return st
	}

	st.FailureRate = float64(st.Failed) / float64(st.Total)
	if st.Total < a.minSample {
		return st
	}
	switch {
	case st.FailureRate >= a.critical:
		st.Level = AlertLevelCritical
	case st.FailureRate >= a.warn:
		st.Level = AlertLevelWarning
	}
	return st
}

func (a *FailureRateAlert) trim(now time.Time) {
	cutoff := now.Add(-a.window)
	keep := a.events[:0]
	for _, e := range a.events {
		if e.at.After(cutoff) {
			keep = append(keep, e)
		}
	}
	a.events = keep
}
