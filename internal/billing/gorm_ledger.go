package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/docavailable/session-engine/internal/model"
)

// GormCreditLedger — леджер поверх той же базы, что и сессии.
// Списание — условный декремент с проверкой достаточности в одном
// UPDATE: параллельные списания не могут увести баланс в минус.
type GormCreditLedger struct {
	db *gorm.DB
}

func NewGormCreditLedger(db *gorm.DB) *GormCreditLedger {
	return &GormCreditLedger{db: db}
}

func (l *GormCreditLedger) DeductPatientCredits(ctx context.Context, patientID uuid.UUID, units int) error {
	if units <= 0 {
		return fmt.Errorf("deduct credits: units must be positive, got %d", units)
	}
	res := l.db.WithContext(ctx).
		Model(&model.PatientWallet{}).
		Where("patient_id = ? AND balance >= ?", patientID, units).
		Update("balance", gorm.Expr("balance - ?", units))
	if res.Error != nil {
		return fmt.Errorf("deduct credits: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return ErrInsufficientCredits
	}
	return nil
}

func (l *GormCreditLedger) CreditProviderEarnings(ctx context.Context, providerID uuid.UUID, units int, ratePerUnit int64) error {
	if units <= 0 {
		return fmt.Errorf("credit earnings: units must be positive, got %d", units)
	}
	earning := model.ProviderEarning{
		ID:          uuid.New(),
		ProviderID:  providerID,
		Units:       units,
		RatePerUnit: ratePerUnit,
		Amount:      int64(units) * ratePerUnit,
	}
	if err := l.db.WithContext(ctx).Create(&earning).Error; err != nil {
		return fmt.Errorf("credit earnings: %w", err)
	}
	return nil
}

func (l *GormCreditLedger) PatientCreditBalance(ctx context.Context, patientID uuid.UUID) (int, error) {
	var w model.PatientWallet
	err := l.db.WithContext(ctx).First(&w, "patient_id = ?", patientID).Error
	if err != nil {
		// Нет кошелька — нет кредитов.
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return int(w.Balance), nil
}
