package model

import (
	"time"

	"github.com/google/uuid"
)

// patient_wallets — баланс предоплаченных сессий пациента.
// Баланс меняется только условным декрементом с проверкой достаточности,
// отрицательных значений не бывает.
type PatientWallet struct {
	PatientID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (PatientWallet) TableName() string { return "patient_wallets" }

// provider_earnings — начисления провайдеру, по строке на событие
// биллинга. Append-only: история начислений и есть аудит.
type ProviderEarning struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ProviderID uuid.UUID `gorm:"type:uuid;not null;index"`

	Units       int   `gorm:"not null"`
	RatePerUnit int64 `gorm:"not null"`
	Amount      int64 `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
}

func (ProviderEarning) TableName() string { return "provider_earnings" }
