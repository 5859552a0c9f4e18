package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docavailable/session-engine/internal/billing"
	"github.com/docavailable/session-engine/internal/clock"
	"github.com/docavailable/session-engine/internal/metrics"
	"github.com/docavailable/session-engine/internal/repository"
)

// SweepStats — итог одного прохода периодического свипа.
type SweepStats struct {
	Due       int
	Attempted int
	Succeeded int
	Skipped   int
	Failed    int
}

// TextService — машина состояний текстовой сессии:
// scheduled -> waiting_for_provider -> active -> {ended | expired}.
// Все переходы выражены условными UPDATE; проигравший гонку апдейт
// затрагивает 0 строк и трактуется как no-op, не как ошибка.
type TextService struct {
	sessions repository.TextSessionRepository
	ledger   billing.CreditLedger
	notifier billing.Notifier
	metrics  *metrics.Recorder
	clock    clock.Clock
	log      zerolog.Logger

	responseWindow time.Duration
	ratePerUnit    int64
}

func NewTextService(
	sessions repository.TextSessionRepository,
	ledger billing.CreditLedger,
	notifier billing.Notifier,
	rec *metrics.Recorder,
	clk clock.Clock,
	log zerolog.Logger,
	responseWindow time.Duration,
	ratePerUnit int64,
) *TextService {
	return &TextService{
		sessions:       sessions,
		ledger:         ledger,
		notifier:       notifier,
		metrics:        rec,
		clock:          clk,
		log:            log.With().Str("component", "text_session").Logger(),
		responseWindow: responseWindow,
		ratePerUnit:    ratePerUnit,
	}
}

// RegisterPatientMessage выставляет дедлайн ответа провайдера на первое
// сообщение пациента. Повторные сообщения дедлайн не сдвигают:
// условный апдейт срабатывает только пока дедлайн пуст.
func (s *TextService) RegisterPatientMessage(ctx context.Context, id uuid.UUID) error {
	now := s.clock.Now()
	ok, err := s.sessions.SetResponseDeadline(ctx, id, now, now.Add(s.responseWindow))
	if err != nil {
		return fmt.Errorf("set response deadline: %w", err)
	}
	if ok {
		s.log.Debug().Stringer("session_id", id).Time("deadline", now.Add(s.responseWindow)).
			Msg("provider response deadline set")
	}
	return nil
}

// Activate переводит сессию waiting_for_provider -> active при первом
// ответе провайдера. Кредиты при активации не списываются. Повторная
// активация — идемпотентный no-op; гонка с экспирацией разрешается
// условным апдейтом: выигрывает тот, чей UPDATE лёг первым.
func (s *TextService) Activate(ctx context.Context, id uuid.UUID) (bool, error) {
	now := s.clock.Now()
	ok, err := s.sessions.Activate(ctx, id, now)
	if err != nil {
		return false, fmt.Errorf("activate session: %w", err)
	}
	if ok {
		s.log.Info().Stringer("session_id", id).Time("activated_at", now).Msg("session activated")
		s.notify(ctx, id, "session_activated")
		return true, nil
	}

	// Апдейт не прошёл: различаем идемпотентный повтор и отказ.
	cur, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	switch {
	case cur.IsActive():
		return false, nil
	case cur.IsTerminal():
		return false, ErrSessionTerminal
	case cur.ResponseDeadlineExpired(now):
		return false, ErrResponseWindowElapsed
	default:
		return false, nil
	}
}

// ApplyAutoDeductions доводит счётчик 10-минутных списаний до
// floor(elapsed/10) и биллит разницу. Возвращает фактически
// списанное количество единиц.
//
// Идемпотентность: продвижение счётчика — compare-and-swap по
// auto_deductions_processed; из двух конкурирующих воркеров биллит
// только тот, чей апдейт затронул строку.
func (s *TextService) ApplyAutoDeductions(ctx context.Context, id uuid.UUID) (int, error) {
	now := s.clock.Now()

	pre, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if !pre.IsActive() || pre.ActivatedAt == nil {
		return 0, nil
	}
	if pre.ExpectedDeductions(now)-pre.AutoDeductionsProcessed <= 0 {
		return 0, nil
	}

	var (
		applied    int
		patientID  = pre.PatientID
		providerID = pre.ProviderID
	)
	err = s.sessions.WithTx(ctx, func(txRepo repository.TextSessionRepository) error {
		cur, err := txRepo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !cur.IsActive() || cur.ActivatedAt == nil {
			return nil
		}

		delta := cur.ExpectedDeductions(now) - cur.AutoDeductionsProcessed
		if delta <= 0 {
			return nil
		}

		// Клэмп по живому балансу: счётчик продвигается ровно на то,
		// что реально можно списать. Недостающие единицы добьёт
		// EvaluateTermination завершением сессии.
		balance, err := s.ledger.PatientCreditBalance(ctx, patientID)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		if delta > balance {
			delta = balance
		}
		if delta <= 0 {
			return nil
		}

		ok, err := txRepo.AdvanceDeductions(ctx, id,
			cur.AutoDeductionsProcessed, cur.AutoDeductionsProcessed+delta, delta)
		if err != nil {
			return err
		}
		if !ok {
			// другой воркер продвинул счётчик первым
			return nil
		}
		applied = delta
		return nil
	})
	if err != nil || applied == 0 {
		return 0, err
	}

	s.bill(ctx, id, patientID, providerID, applied)
	s.metrics.DeductionsApplied(ctx, applied)
	s.notify(ctx, id, "session_deduction")
	s.log.Info().Stringer("session_id", id).Int("units", applied).Msg("auto-deduction applied")
	return applied, nil
}

// EvaluateTermination завершает сессию при исчерпании временного
// бюджета или живого баланса. Начисленные единицы всегда биллятся до
// перевода в ended: завершение не бывает «бесплатным».
func (s *TextService) EvaluateTermination(ctx context.Context, id uuid.UUID) (bool, error) {
	if _, err := s.ApplyAutoDeductions(ctx, id); err != nil {
		return false, err
	}

	now := s.clock.Now()
	cur, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !cur.IsActive() {
		return false, nil
	}

	reason := ""
	if cur.TimeBudgetExhausted(now) {
		reason = "time budget exhausted"
	} else {
		balance, err := s.ledger.PatientCreditBalance(ctx, cur.PatientID)
		if err != nil {
			return false, fmt.Errorf("credit balance: %w", err)
		}
		if balance <= 0 {
			reason = "insufficient credits"
		}
	}
	if reason == "" {
		return false, nil
	}

	ok, err := s.sessions.EndFromActive(ctx, id, now, false, reason)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info().Stringer("session_id", id).Str("reason", reason).Msg("session auto-ended")
		s.notify(ctx, id, "session_ended")
	}
	return ok, nil
}

// EndManually — явное завершение пользователем. Сначала добиваются
// накопленные автосписания, затем — только если сессия всё ещё
// активна и бюджет не исчерпан — списывается ровно одна закрывающая
// единица. Повторный вызов на терминальной сессии — no-op.
func (s *TextService) EndManually(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := s.ApplyAutoDeductions(ctx, id); err != nil {
		return err
	}

	now := s.clock.Now()
	var (
		closed      bool
		closingUnit bool
		patientID   uuid.UUID
		providerID  uuid.UUID
	)
	err := s.sessions.WithTx(ctx, func(txRepo repository.TextSessionRepository) error {
		cur, err := txRepo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.IsTerminal() {
			return nil
		}
		patientID, providerID = cur.PatientID, cur.ProviderID

		if !cur.IsActive() {
			// Завершение до активации: списаний нет.
			_, err := txRepo.EndFromWaiting(ctx, id, now, reason)
			return err
		}

		// Закрывающая единица только пока временной бюджет не исчерпан
		// автосписаниями.
		closingUnit = cur.SessionsUsed < cur.SessionsRemainingBeforeStart
		ok, err := txRepo.EndFromActive(ctx, id, now, closingUnit, reason)
		if err != nil {
			return err
		}
		closed = ok
		return nil
	})
	if err != nil {
		return err
	}

	if closed {
		if closingUnit {
			s.bill(ctx, id, patientID, providerID, 1)
		}
		s.log.Info().Stringer("session_id", id).Bool("closing_unit", closingUnit).
			Str("reason", reason).Msg("session ended manually")
		s.notify(ctx, id, "session_ended")
	}
	return nil
}

// SweepActive применяет накопленные списания и завершает исчерпанные
// сессии. Ошибка одной сессии не прерывает обход.
func (s *TextService) SweepActive(ctx context.Context, limit int) (SweepStats, error) {
	var stats SweepStats

	sessions, err := s.sessions.ListActive(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("list active sessions: %w", err)
	}
	stats.Due = len(sessions)

	for _, sess := range sessions {
		stats.Attempted++
		ended, err := s.EvaluateTermination(ctx, sess.ID)
		switch {
		case err != nil:
			stats.Failed++
			s.log.Error().Err(err).Stringer("session_id", sess.ID).Msg("terminate evaluation failed")
		case ended:
			stats.Succeeded++
		default:
			stats.Skipped++
		}
	}
	return stats, nil
}

// SweepExpired экспирит ожидающие сессии с истёкшим дедлайном ответа.
// Кредиты не тронуты: провайдер так и не ответил.
func (s *TextService) SweepExpired(ctx context.Context, limit int) (SweepStats, error) {
	var stats SweepStats
	now := s.clock.Now()

	sessions, err := s.sessions.ListWaitingPastDeadline(ctx, now, limit)
	if err != nil {
		return stats, fmt.Errorf("list waiting sessions: %w", err)
	}
	stats.Due = len(sessions)

	for _, sess := range sessions {
		stats.Attempted++
		ok, err := s.sessions.Expire(ctx, sess.ID, now)
		switch {
		case err != nil:
			stats.Failed++
			s.log.Error().Err(err).Stringer("session_id", sess.ID).Msg("expire failed")
		case ok:
			stats.Succeeded++
			s.metrics.SessionExpired(ctx)
			s.notify(ctx, sess.ID, "session_expired")
		default:
			// кто-то успел активировать или завершить раньше
			stats.Skipped++
		}
	}
	return stats, nil
}

// bill проводит списание пациента и начисление провайдеру после того,
// как счётчик уже продвинут. Отказ леджера здесь — reconciliation
// debt: счётчик авторитетен, повторного списания не будет, расхождение
// закрывает внеполосная сверка.
func (s *TextService) bill(ctx context.Context, sessionID, patientID, providerID uuid.UUID, units int) {
	if err := s.ledger.DeductPatientCredits(ctx, patientID, units); err != nil {
		s.metrics.ReconciliationDebt(ctx, units)
		s.log.Error().Err(err).
			Stringer("session_id", sessionID).
			Stringer("patient_id", patientID).
			Int("units", units).
			Str("direction", "patient_deduct").
			Msg("reconciliation_debt")
	}
	if err := s.ledger.CreditProviderEarnings(ctx, providerID, units, s.ratePerUnit); err != nil {
		s.metrics.ReconciliationDebt(ctx, units)
		s.log.Error().Err(err).
			Stringer("session_id", sessionID).
			Stringer("provider_id", providerID).
			Int("units", units).
			Str("direction", "provider_credit").
			Msg("reconciliation_debt")
	}
}

func (s *TextService) notify(ctx context.Context, sessionID uuid.UUID, event string) {
	if s.notifier == nil {
		return
	}
	cur, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return
	}
	payload := map[string]any{"session_id": sessionID.String()}
	if err := s.notifier.Notify(ctx, cur.PatientID, event, payload); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("notification failed")
	}
}
