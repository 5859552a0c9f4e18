package model

import (
	"time"

	"github.com/google/uuid"
)

// Статус записи на консультацию.
type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

// Модальность записи.
type AppointmentType string

const (
	AppointmentTypeText  AppointmentType = "text"
	AppointmentTypeAudio AppointmentType = "audio"
	AppointmentTypeVideo AppointmentType = "video"
)

// appointments — подтверждённая запись, триггер создания сессии.
// Запись принадлежит подсистеме бронирования; движок мутирует только
// session_id и call_unlocked_at, оба — write-once и только под блокировкой.
type Appointment struct {
	ID uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`

	PatientID  uuid.UUID `gorm:"type:uuid;not null;index"`
	ProviderID uuid.UUID `gorm:"type:uuid;not null;index"`

	Status          AppointmentStatus `gorm:"type:varchar(32);not null;index"`
	AppointmentType AppointmentType   `gorm:"type:varchar(16);not null"`

	AppointmentDatetimeUTC time.Time `gorm:"type:timestamp with time zone;not null;index"`

	SessionID      *uuid.UUID `gorm:"type:uuid;index"`
	CallUnlockedAt *time.Time `gorm:"type:timestamp with time zone"`

	Reason string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

// IsDueForConversion — подтверждена, время наступило, сессия ещё не создана.
func (a *Appointment) IsDueForConversion(now time.Time) bool {
	return a.Status == AppointmentStatusConfirmed &&
		a.SessionID == nil &&
		!a.AppointmentDatetimeUTC.After(now)
}

// IsCallType — audio и video конвертируются только в call_unlocked_at.
func (a *Appointment) IsCallType() bool {
	return a.AppointmentType == AppointmentTypeAudio || a.AppointmentType == AppointmentTypeVideo
}
