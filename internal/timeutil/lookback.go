package timeutil

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidTimeRange = errors.New("invalid time range")
	ErrInvalidLookback  = errors.New("invalid lookback window")
)

// TimeRange представляет временной интервал [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange создаёт интервал и делает простую валидацию.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return TimeRange{}, ErrInvalidTimeRange
	}
	return TimeRange{Start: start, End: end}, nil
}

var lookbackRe = regexp.MustCompile(`^(\d+)([hd])$`)

// ParseLookback разбирает окно ретроспективы вида "24h", "7d", "30d"
// или "all" (без ограничения). Возвращает длительность и признак
// unbounded; при unbounded длительность равна нулю.
func ParseLookback(s string) (d time.Duration, unbounded bool, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "all" {
		return 0, true, nil
	}

	m := lookbackRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false, ErrInvalidLookback
	}

	n, convErr := strconv.Atoi(m[1])
	if convErr != nil || n <= 0 {
		return 0, false, ErrInvalidLookback
	}

	switch m[2] {
	case "h":
		return time.Duration(n) * time.Hour, false, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, false, nil
	}
	return 0, false, ErrInvalidLookback
}

// LookbackSince возвращает нижнюю границу окна ретроспективы
// относительно now; nil для неограниченного окна.
func LookbackSince(now time.Time, d time.Duration, unbounded bool) *time.Time {
	if unbounded {
		return nil
	}
	since := now.Add(-d)
	return &since
}
