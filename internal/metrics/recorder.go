package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder — счётчики и gauge движка поверх otel metric API плюс
// внутреннее зеркало для операционного снапшота.
type Recorder struct {
	sessionsCreated    metric.Int64Counter
	conversionFailed   metric.Int64Counter
	deductionsApplied  metric.Int64Counter
	sessionsExpired    metric.Int64Counter
	callsPromoted      metric.Int64Counter
	callsMissed        metric.Int64Counter
	reconciliationDebt metric.Int64Counter

	alert *FailureRateAlert

	mu             sync.Mutex
	counts         map[string]int64
	failedByReason map[string]int64
}

// NewRecorder регистрирует инструменты. dueCount снабжает observable
// gauge appointments_due_count текущим размером бэклога.
func NewRecorder(meter metric.Meter, alert *FailureRateAlert, dueCount func(ctx context.Context) (int64, error)) (*Recorder, error) {
	r := &Recorder{
		alert:          alert,
		counts:         make(map[string]int64),
		failedByReason: make(map[string]int64),
	}

	var err error
	if r.sessionsCreated, err = meter.Int64Counter("sessions_created_total"); err != nil {
		return nil, err
	}
	if r.conversionFailed, err = meter.Int64Counter("conversion_failed_total"); err != nil {
		return nil, err
	}
	if r.deductionsApplied, err = meter.Int64Counter("deductions_applied_total"); err != nil {
		return nil, err
	}
	if r.sessionsExpired, err = meter.Int64Counter("sessions_expired_total"); err != nil {
		return nil, err
	}
	if r.callsPromoted, err = meter.Int64Counter("calls_promoted_total"); err != nil {
		return nil, err
	}
	if r.callsMissed, err = meter.Int64Counter("calls_missed_total"); err != nil {
		return nil, err
	}
	if r.reconciliationDebt, err = meter.Int64Counter("reconciliation_debt_total"); err != nil {
		return nil, err
	}

	if dueCount != nil {
		gauge, err := meter.Int64ObservableGauge("appointments_due_count")
		if err != nil {
			return nil, err
		}
		_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			n, err := dueCount(ctx)
			if err != nil {
				return err
			}
			o.ObserveInt64(gauge, n)
			return nil
		}, gauge)
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Recorder) SessionCreated(ctx context.Context, now time.Time, modality string) {
	r.sessionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("modality", modality)))
	r.bump("sessions_created_total", 1)
	if r.alert != nil {
		r.alert.Observe(now, false)
	}
}

func (r *Recorder) ConversionFailed(ctx context.Context, now time.Time, reason string) {
	r.conversionFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	r.bump("conversion_failed_total", 1)
	r.mu.Lock()
	r.failedByReason[reason]++
	r.mu.Unlock()
	if r.alert != nil {
		r.alert.Observe(now, true)
	}
}

func (r *Recorder) DeductionsApplied(ctx context.Context, delta int) {
	r.deductionsApplied.Add(ctx, int64(delta))
	r.bump("deductions_applied_total", int64(delta))
}

func (r *Recorder) SessionExpired(ctx context.Context) {
	r.sessionsExpired.Add(ctx, 1)
	r.bump("sessions_expired_total", 1)
}

func (r *Recorder) CallPromoted(ctx context.Context, raceCorrected bool) {
	r.callsPromoted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("race_corrected", raceCorrected)))
	r.bump("calls_promoted_total", 1)
}

func (r *Recorder) CallMissed(ctx context.Context) {
	r.callsMissed.Add(ctx, 1)
	r.bump("calls_missed_total", 1)
}

func (r *Recorder) ReconciliationDebt(ctx context.Context, units int) {
	r.reconciliationDebt.Add(ctx, int64(units))
	r.bump("reconciliation_debt_total", int64(units))
}

func (r *Recorder) bump(key string, delta int64) {
	r.mu.Lock()
	r.counts[key] += delta
	r.mu.Unlock()
}

// Snapshot — значения счётчиков для операционного HTTP.
type Snapshot struct {
	Counts         map[string]int64 `json:"counts"`
	FailedByReason map[string]int64 `json:"conversion_failed_by_reason"`
	Alert          AlertStatus      `json:"alert"`
}

func (r *Recorder) Snapshot(now time.Time) Snapshot {
	r.mu.Lock()
	counts := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	byReason := make(map[string]int64, len(r.failedByReason))
	for k, v := range r.failedByReason {
		byReason[k] = v
	}
	r.mu.Unlock()

	snap := Snapshot{Counts: counts, FailedByReason: byReason}
	if r.alert != nil {
		snap.Alert = r.alert.Status(now)
	}
	return snap
}
