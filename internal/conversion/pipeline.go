package conversion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/docavailable/session-engine/internal/billing"
	"github.com/docavailable/session-engine/internal/clock"
	"github.com/docavailable/session-engine/internal/metrics"
	"github.com/docavailable/session-engine/internal/model"
	"github.com/docavailable/session-engine/internal/repository"
	"github.com/docavailable/session-engine/internal/retry"
	"github.com/docavailable/session-engine/internal/timeutil"
)

// Исход обработки одной записи.
const (
	ResultCreated  = "created"
	ResultUnlocked = "unlocked"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

const (
	chatRoomAttempts = 3
	chatRoomBackoff  = 200 * time.Millisecond
)

// TextSessionCreator создаёт текстовую сессию внутри переданного
// транзакционного репозитория.
type TextSessionCreator interface {
	CreateTextSession(
		ctx context.Context,
		txRepo repository.TextSessionRepository,
		patientID, providerID uuid.UUID,
		appointmentID *uuid.UUID,
		reason string,
	) (*model.TextSession, error)
}

// Action — результат обработки одной записи в рамках прогона.
type Action struct {
	AppointmentID uuid.UUID  `json:"appointment_id"`
	Result        string     `json:"result"`
	SessionID     *uuid.UUID `json:"session_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Summary — сводка одного прогона конвертации или восстановления.
type Summary struct {
	RunID     uuid.UUID     `json:"run_id"`
	DryRun    bool          `json:"dry_run"`
	Due       int           `json:"due"`
	Attempted int           `json:"attempted"`
	Created   int           `json:"created"`
	Unlocked  int           `json:"unlocked"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Actions   []Action      `json:"actions"`
}

func (s Summary) Succeeded() int { return s.Created + s.Unlocked }

// Pipeline конвертирует наступившие подтверждённые записи в сессии.
// Плановый прогон и ручное восстановление используют один и тот же
// обход: каждая запись обрабатывается в собственной транзакции под
// блокировкой строки, с повторной проверкой состояния после захвата.
// Ошибка одной записи не прерывает пакет.
type Pipeline struct {
	db       *gorm.DB
	creator  TextSessionCreator
	chat     billing.ChatRoomProvisioner
	notifier billing.Notifier
	metrics  *metrics.Recorder
	clock    clock.Clock
	log      zerolog.Logger
}

func NewPipeline(
	db *gorm.DB,
	creator TextSessionCreator,
	chat billing.ChatRoomProvisioner,
	notifier billing.Notifier,
	rec *metrics.Recorder,
	clk clock.Clock,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		db:       db,
		creator:  creator,
		chat:     chat,
		notifier: notifier,
		metrics:  rec,
		clock:    clk,
		log:      log.With().Str("component", "conversion").Logger(),
	}
}

// ConvertDue — плановый прогон: записи, чьё время наступило в пределах
// окна ретроспективы. Выполняется всегда в боевом режиме.
func (p *Pipeline) ConvertDue(ctx context.Context, window time.Duration, limit int) (Summary, error) {
	now := p.clock.Now()
	since := timeutil.LookbackSince(now, window, window <= 0)
	return p.run(ctx, "convert_due", since, limit, false)
}

// Recover — ручное восстановление пропущенных записей. По умолчанию
// dry-run: полный отчёт о том, что было бы сделано, без единой записи
// в базу. Мутации только при execute=true.
func (p *Pipeline) Recover(ctx context.Context, lookback string, limit int, execute bool) (Summary, error) {
	d, unbounded, err := timeutil.ParseLookback(lookback)
	if err != nil {
		return Summary{}, fmt.Errorf("recover: %w", err)
	}
	now := p.clock.Now()
	since := timeutil.LookbackSince(now, d, unbounded)
	return p.run(ctx, "recover", since, limit, !execute)
}

func (p *Pipeline) run(ctx context.Context, source string, since *time.Time, limit int, dryRun bool) (Summary, error) {
	started := p.clock.Now()
	sum := Summary{RunID: uuid.New(), DryRun: dryRun}

	appts := repository.NewGormAppointmentRepository(p.db)
	due, err := appts.ListDueForConversion(ctx, started, since, limit)
	if err != nil {
		return sum, fmt.Errorf("list due appointments: %w", err)
	}
	sum.Due = len(due)

	for i := range due {
		a := &due[i]
		sum.Attempted++
		act, err := p.processOne(ctx, a.ID, dryRun)
		if err != nil {
			reason := ClassifyFailure(err)
			act = Action{AppointmentID: a.ID, Result: ResultFailed, Reason: reason}
			sum.Failed++
			p.metrics.ConversionFailed(ctx, p.clock.Now(), reason)
			p.log.Error().Err(err).
				Str("run_id", sum.RunID.String()).
				Str("appointment_id", a.ID.String()).
				Str("reason", reason).
				Msg("конвертация записи не удалась")
			sum.Actions = append(sum.Actions, act)
			continue
		}

		switch act.Result {
		case ResultCreated:
			sum.Created++
			if !dryRun {
				p.metrics.SessionCreated(ctx, p.clock.Now(), string(a.AppointmentType))
				p.provisionChatRoom(ctx, *act.SessionID, a.PatientID, a.ProviderID)
				p.notifyParticipants(ctx, a, act)
			}
		case ResultUnlocked:
			sum.Unlocked++
			if !dryRun {
				p.metrics.SessionCreated(ctx, p.clock.Now(), string(a.AppointmentType))
				p.notifyParticipants(ctx, a, act)
			}
		case ResultSkipped:
			sum.Skipped++
		}
		sum.Actions = append(sum.Actions, act)
	}

	sum.Duration = p.clock.Now().Sub(started)
	p.log.Info().
		Str("run_id", sum.RunID.String()).
		Str("source", source).
		Bool("dry_run", dryRun).
		Int("due", sum.Due).
		Int("created", sum.Created).
		Int("unlocked", sum.Unlocked).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Int64("duration_ms", sum.Duration.Milliseconds()).
		Msg("прогон конвертации завершён")
	return sum, nil
}

// processOne обрабатывает одну запись: блокировка строки, перечитывание,
// пропуск уже обработанных, затем создание сессии или разблокировка
// звонка в той же транзакции. Откат транзакции оставляет запись
// нетронутой для следующего прогона.
func (p *Pipeline) processOne(ctx context.Context, id uuid.UUID, dryRun bool) (Action, error) {
	act := Action{AppointmentID: id}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appts := repository.NewGormAppointmentRepository(tx)
		locked, err := appts.GetForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				act.Result = ResultSkipped
				act.Reason = "appointment_gone"
				return nil
			}
			return fmt.Errorf("lock appointment: %w", err)
		}

		// Повторная проверка под блокировкой: параллельный воркер или
		// предыдущий прогон могли уже обработать запись.
		if locked.SessionID != nil {
			act.Result = ResultSkipped
			act.Reason = "session_already_bound"
			act.SessionID = locked.SessionID
			return nil
		}
		if locked.Status != model.AppointmentStatusConfirmed {
			act.Result = ResultSkipped
			act.Reason = "status_changed"
			return nil
		}

		if locked.IsCallType() {
			if locked.CallUnlockedAt != nil {
				act.Result = ResultSkipped
				act.Reason = "call_already_unlocked"
				return nil
			}
			if dryRun {
				act.Result = ResultUnlocked
				act.Reason = "dry_run"
				return nil
			}
			ok, err := appts.UnlockCall(ctx, locked.ID, p.clock.Now())
			if err != nil {
				return fmt.Errorf("unlock call: %w", err)
			}
			if !ok {
				act.Result = ResultSkipped
				act.Reason = "call_already_unlocked"
				return nil
			}
			act.Result = ResultUnlocked
			return nil
		}

		if dryRun {
			act.Result = ResultCreated
			act.Reason = "dry_run"
			return nil
		}

		sessions := repository.NewGormTextSessionRepository(tx)
		sess, err := p.creator.CreateTextSession(ctx, sessions, locked.PatientID, locked.ProviderID, &locked.ID, locked.Reason)
		if err != nil {
			return err
		}
		ok, err := appts.BindSession(ctx, locked.ID, sess.ID)
		if err != nil {
			return fmt.Errorf("bind session: %w", err)
		}
		if !ok {
			// Под блокировкой строки такого быть не должно.
			return fmt.Errorf("bind session %s to appointment %s: conditional update lost", sess.ID, locked.ID)
		}
		act.Result = ResultCreated
		act.SessionID = &sess.ID
		return nil
	})
	return act, err
}

// provisionChatRoom — пост-коммитный побочный эффект. Сессия уже
// существует; провал провижининга комнаты её не отменяет. Несколько
// попыток с нарастающей паузой, после исчерпания — только лог.
func (p *Pipeline) provisionChatRoom(ctx context.Context, sessionID, patientID, providerID uuid.UUID) {
	if p.chat == nil {
		return
	}
	var roomID string
	err := retry.Do(ctx, chatRoomAttempts, chatRoomBackoff, func() error {
		var err error
		roomID, err = p.chat.CreateRoom(ctx, sessionID, patientID, providerID)
		return err
	})
	if err != nil {
		p.log.Warn().Err(err).
			Str("session_id", sessionID.String()).
			Msg("комната чата не создана, сессия продолжает жить без неё")
		return
	}
	sessions := repository.NewGormTextSessionRepository(p.db)
	if err := sessions.SetChatID(ctx, sessionID, roomID); err != nil {
		p.log.Warn().Err(err).
			Str("session_id", sessionID.String()).
			Str("chat_id", roomID).
			Msg("chat_id не сохранён")
	}
}

func (p *Pipeline) notifyParticipants(ctx context.Context, a *model.Appointment, act Action) {
	if p.notifier == nil {
		return
	}
	payload := map[string]any{
		"appointment_id": a.ID.String(),
		"type":           string(a.AppointmentType),
	}
	if act.SessionID != nil {
		payload["session_id"] = act.SessionID.String()
	}
	event := "session_started"
	if act.Result == ResultUnlocked {
		event = "call_available"
	}
	for _, userID := range []uuid.UUID{a.PatientID, a.ProviderID} {
		if err := p.notifier.Notify(ctx, userID, event, payload); err != nil {
			p.log.Warn().Err(err).
				Str("user_id", userID.String()).
				Str("event", event).
				Msg("уведомление не доставлено")
		}
	}
}
