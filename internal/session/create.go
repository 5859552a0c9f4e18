package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/docavailable/session-engine/internal/billing"
	"github.com/docavailable/session-engine/internal/clock"
	"github.com/docavailable/session-engine/internal/model"
	"github.com/docavailable/session-engine/internal/repository"
)

// Creator — коллаборатор создания текстовых сессий. Используется
// только конвейером конвертации записей; вызывается внутри его
// транзакции, поэтому принимает tx-привязанный репозиторий.
type Creator struct {
	ledger billing.CreditLedger
	clock  clock.Clock
	log    zerolog.Logger
}

func NewCreator(ledger billing.CreditLedger, clk clock.Clock, log zerolog.Logger) *Creator {
	return &Creator{
		ledger: ledger,
		clock:  clk,
		log:    log.With().Str("component", "session_creator").Logger(),
	}
}

// CreateTextSession создаёт текстовую сессию в статусе
// waiting_for_provider и фиксирует снапшот баланса пациента как
// временной бюджет. Кредиты на этом шаге не списываются.
func (c *Creator) CreateTextSession(
	ctx context.Context,
	txRepo repository.TextSessionRepository,
	patientID, providerID uuid.UUID,
	appointmentID *uuid.UUID,
	reason string,
) (*model.TextSession, error) {
	if patientID == uuid.Nil || providerID == uuid.Nil {
		return nil, ErrMissingParticipant
	}

	existing, err := txRepo.FindOpenByParticipants(ctx, patientID, providerID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("check open sessions: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: session %s", ErrConflictingSession, existing.ID)
	}

	balance, err := c.ledger.PatientCreditBalance(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	if balance <= 0 {
		return nil, ErrNoCredits
	}

	now := c.clock.Now()
	sess := &model.TextSession{
		ID:                           uuid.New(),
		PatientID:                    patientID,
		ProviderID:                   providerID,
		AppointmentID:                appointmentID,
		Status:                       model.TextSessionStatusWaitingForProvider,
		StartedAt:                    now,
		SessionsRemainingBeforeStart: balance,
		Reason:                       reason,
	}
	if err := txRepo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create text session: %w", err)
	}

	c.log.Info().
		Stringer("session_id", sess.ID).
		Stringer("patient_id", patientID).
		Stringer("provider_id", providerID).
		Int("credit_snapshot", balance).
		Msg("text session created")
	return sess, nil
}
