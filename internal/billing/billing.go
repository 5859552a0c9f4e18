package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/docavailable/session-engine/internal/config"
	"github.com/docavailable/session-engine/internal/model"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// CreditLedger — внешний биллинговый коллаборатор. Гарантию
// "не более одного списания на единицу" обеспечивает вызывающая
// сторона атомарным продвижением счётчика, не сам леджер.
type CreditLedger interface {
	// Списать units кредитов пациента. ErrInsufficientCredits — если
	// баланса не хватает.
	DeductPatientCredits(ctx context.Context, patientID uuid.UUID, units int) error
	// Начислить провайдеру units единиц по ставке ratePerUnit
	// (минимальные денежные единицы).
	CreditProviderEarnings(ctx context.Context, providerID uuid.UUID, units int, ratePerUnit int64) error
	// Текущий баланс кредитов пациента.
	PatientCreditBalance(ctx context.Context, patientID uuid.UUID) (int, error)
}

// Notifier — best-effort уведомления. Ошибки логируются и никогда
// не блокируют жизненный цикл.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, event string, payload map[string]any) error
}

// ChatRoomProvisioner — создание чат-комнаты для сессии. Вызывается
// с ограниченными ретраями; неуспех не ломает конвертацию.
type ChatRoomProvisioner interface {
	CreateRoom(ctx context.Context, sessionID, patientID, providerID uuid.UUID) (roomID string, err error)
}

// RatePerUnit возвращает ставку провайдера для модальности.
func RatePerUnit(cfg config.BillingConfig, t model.AppointmentType) int64 {
	switch t {
	case model.AppointmentTypeAudio:
		return cfg.AudioRatePerUnit
	case model.AppointmentTypeVideo:
		return cfg.VideoRatePerUnit
	default:
		return cfg.TextRatePerUnit
	}
}
