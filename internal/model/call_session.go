package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Статус звонка.
type CallSessionStatus string

const (
	CallSessionStatusPending            CallSessionStatus = "pending"
	CallSessionStatusConnecting         CallSessionStatus = "connecting"
	CallSessionStatusWaitingForProvider CallSessionStatus = "waiting_for_provider"
	CallSessionStatusAnswered           CallSessionStatus = "answered"
	CallSessionStatusConnected          CallSessionStatus = "connected"
	CallSessionStatusEnded              CallSessionStatus = "ended"
	CallSessionStatusMissed             CallSessionStatus = "missed"
)

// Тип звонка.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// call_sessions — тарифицируемый аудио/видео звонок.
// Биллинг считается строго от connected_at; см. CallService.Promote.
type CallSession struct {
	ID uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`

	PatientID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	ProviderID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	AppointmentID *uuid.UUID `gorm:"type:uuid;index"`

	CallType CallType          `gorm:"type:varchar(16);not null"`
	Status   CallSessionStatus `gorm:"type:varchar(32);not null;index"`

	StartedAt   time.Time  `gorm:"type:timestamp with time zone;not null"`
	AnsweredAt  *time.Time `gorm:"type:timestamp with time zone"`
	ConnectedAt *time.Time `gorm:"type:timestamp with time zone"`
	EndedAt     *time.Time `gorm:"type:timestamp with time zone"`

	IsConnected   bool   `gorm:"not null;default:false"`
	CallDuration  int    `gorm:"not null;default:0"` // секунды, от connected_at
	SessionsUsed  int    `gorm:"not null;default:0"`
	FailureReason string `gorm:"type:varchar(64)"`

	// Служебные данные сигналинга/диагностики.
	Metadata datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (c *CallSession) IsTerminal() bool {
	return c.Status == CallSessionStatusEnded || c.Status == CallSessionStatusMissed
}

// NeedsRaceCorrection — звонок завершён, был отвечен, но connected_at
// потерян (событие сигналинга не дошло). Такой звонок обязан быть
// скорректирован до расчёта биллинга.
func (c *CallSession) NeedsRaceCorrection() bool {
	return c.EndedAt != nil && c.AnsweredAt != nil && c.ConnectedAt == nil
}

// BilledDuration — длительность для биллинга, секунды от connected_at.
func (c *CallSession) BilledDuration(now time.Time) int {
	if c.ConnectedAt == nil {
		return 0
	}
	end := now
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	d := end.Sub(*c.ConnectedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
