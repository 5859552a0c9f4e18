package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docavailable/session-engine/internal/billing"
	"github.com/docavailable/session-engine/internal/clock"
	"github.com/docavailable/session-engine/internal/metrics"
	"github.com/docavailable/session-engine/internal/model"
	"github.com/docavailable/session-engine/internal/repository"
)

// CallService — машина состояний звонка:
// pending -> connecting -> answered -> connected -> ended,
// с поглощающим missed из любого нетерминального статуса до ответа.
//
// Биллинг звонка считается от connected_at, а событие "connected"
// доставляется внешним real-time каналом, который может терять
// сообщения. Поэтому каждый путь, способный завершить звонок, сперва
// вызывает Promote: connected_at не может навсегда остаться пустым у
// звонка, на который провайдер ответил.
type CallService struct {
	calls    repository.CallSessionRepository
	notifier billing.Notifier
	metrics  *metrics.Recorder
	clock    clock.Clock
	log      zerolog.Logger

	connectGrace  time.Duration
	missedTimeout time.Duration
}

func NewCallService(
	calls repository.CallSessionRepository,
	notifier billing.Notifier,
	rec *metrics.Recorder,
	clk clock.Clock,
	log zerolog.Logger,
	connectGrace, missedTimeout time.Duration,
) *CallService {
	return &CallService{
		calls:         calls,
		notifier:      notifier,
		metrics:       rec,
		clock:         clk,
		log:           log.With().Str("component", "call_session").Logger(),
		connectGrace:  connectGrace,
		missedTimeout: missedTimeout,
	}
}

// Promote доводит отвеченный звонок до connected. Идемпотентна.
//
// Порядок проверок под блокировкой строки:
//  1. connected_at уже стоит — no-op;
//  2. звонок завершён, отвечен, но connected_at пуст — потерянное
//     событие сигналинга: connected_at := answered_at, длительность
//     пересчитывается от answered_at;
//  3. answered и грейс-период истёк — нормальная промоция.
func (s *CallService) Promote(ctx context.Context, id uuid.UUID) error {
	now := s.clock.Now()

	var (
		promoted  bool
		corrected bool
	)
	err := s.calls.WithTx(ctx, func(txRepo repository.CallSessionRepository) error {
		cur, err := txRepo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.ConnectedAt != nil {
			return nil
		}

		if cur.NeedsRaceCorrection() {
			duration := int(cur.EndedAt.Sub(*cur.AnsweredAt) / time.Second)
			if duration < 0 {
				duration = 0
			}
			ok, err := txRepo.CorrectConnected(ctx, id, *cur.AnsweredAt, duration)
			if err != nil {
				return err
			}
			corrected = ok
			return nil
		}

		if cur.Status == model.CallSessionStatusAnswered && cur.AnsweredAt != nil &&
			!now.Before(cur.AnsweredAt.Add(s.connectGrace)) {
			ok, err := txRepo.MarkConnected(ctx, id, now)
			if err != nil {
				return err
			}
			promoted = ok
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("promote call %s: %w", id, err)
	}

	switch {
	case corrected:
		s.metrics.CallPromoted(ctx, true)
		s.log.Warn().Stringer("call_id", id).
			Msg("race corrected: connected_at backfilled from answered_at")
	case promoted:
		s.metrics.CallPromoted(ctx, false)
		s.log.Info().Stringer("call_id", id).Msg("call promoted to connected")
	}
	return nil
}

// SweepPromotions — fallback-обход для звонков, пропустивших событие
// сигналинга: отвеченные без connected_at после грейс-периода и
// завершённые без connected_at.
func (s *CallService) SweepPromotions(ctx context.Context, limit int) (SweepStats, error) {
	var stats SweepStats
	now := s.clock.Now()

	answered, err := s.calls.ListAnsweredWithoutConnected(ctx, now.Add(-s.connectGrace), limit)
	if err != nil {
		return stats, fmt.Errorf("list answered without connected: %w", err)
	}
	ended, err := s.calls.ListEndedWithoutConnected(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("list ended without connected: %w", err)
	}

	stats.Due = len(answered) + len(ended)
	for _, c := range append(answered, ended...) {
		stats.Attempted++
		if err := s.Promote(ctx, c.ID); err != nil {
			stats.Failed++
			s.log.Error().Err(err).Stringer("call_id", c.ID).Msg("fallback promotion failed")
			continue
		}
		stats.Succeeded++
	}
	return stats, nil
}

// SweepMissed переводит неотвеченные звонки старше таймаута в missed.
// Списаний нет: соединения не было. Уведомление пациенту best-effort.
func (s *CallService) SweepMissed(ctx context.Context, limit int) (SweepStats, error) {
	var stats SweepStats
	now := s.clock.Now()

	stuck, err := s.calls.ListStuckUnanswered(ctx, now.Add(-s.missedTimeout), limit)
	if err != nil {
		return stats, fmt.Errorf("list stuck calls: %w", err)
	}
	stats.Due = len(stuck)

	for _, c := range stuck {
		stats.Attempted++

		// Терминальный путь обязан сперва попытаться промоцию.
		if err := s.Promote(ctx, c.ID); err != nil {
			stats.Failed++
			s.log.Error().Err(err).Stringer("call_id", c.ID).Msg("pre-timeout promotion failed")
			continue
		}

		meta, _ := json.Marshal(map[string]any{
			"last_status":     string(c.Status),
			"timeout_seconds": int(s.missedTimeout / time.Second),
		})
		ok, err := s.calls.MarkMissed(ctx, c.ID, now, "provider_did_not_join", meta)
		switch {
		case err != nil:
			stats.Failed++
			s.log.Error().Err(err).Stringer("call_id", c.ID).Msg("mark missed failed")
		case ok:
			stats.Succeeded++
			s.metrics.CallMissed(ctx)
			s.log.Info().Stringer("call_id", c.ID).Msg("call marked missed")
			if s.notifier != nil {
				if err := s.notifier.Notify(ctx, c.PatientID, "call_missed", map[string]any{
					"call_id": c.ID.String(),
				}); err != nil {
					s.log.Warn().Err(err).Stringer("call_id", c.ID).Msg("missed-call notification failed")
				}
			}
		default:
			// звонок успел уйти из нетерминального статуса
			stats.Skipped++
		}
	}
	return stats, nil
}
