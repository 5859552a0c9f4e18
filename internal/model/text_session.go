package model

import (
	"time"

	"github.com/google/uuid"
)

// Статус текстовой сессии.
type TextSessionStatus string

const (
	// scheduled создаёт подсистема бронирования под будущую запись;
	// движок такие сессии не порождает и до начала умеет только
	// завершать их вручную (отмена).
	TextSessionStatusScheduled          TextSessionStatus = "scheduled"
	TextSessionStatusWaitingForProvider TextSessionStatus = "waiting_for_provider"
	TextSessionStatusActive             TextSessionStatus = "active"
	TextSessionStatusEnded              TextSessionStatus = "ended"
	TextSessionStatusExpired            TextSessionStatus = "expired"
)

// Одна кредитная единица текстовой сессии = 10 минут.
const SessionUnitMinutes = 10

// text_sessions — тарифицируемая текстовая консультация.
type TextSession struct {
	ID uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`

	PatientID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	ProviderID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	AppointmentID *uuid.UUID `gorm:"type:uuid;index"`

	Status TextSessionStatus `gorm:"type:varchar(32);not null;index"`

	StartedAt                time.Time  `gorm:"type:timestamp with time zone;not null"`
	ActivatedAt              *time.Time `gorm:"type:timestamp with time zone"`
	EndedAt                  *time.Time `gorm:"type:timestamp with time zone"`
	LastActivityAt           *time.Time `gorm:"type:timestamp with time zone"`
	ProviderResponseDeadline *time.Time `gorm:"type:timestamp with time zone"`

	// Счётчики биллинга. Оба монотонно неубывающие.
	SessionsUsed                 int `gorm:"not null;default:0"`
	AutoDeductionsProcessed      int `gorm:"not null;default:0"`
	SessionsRemainingBeforeStart int `gorm:"not null;default:0"`

	Reason string  `gorm:"type:text"`
	ChatID *string `gorm:"type:varchar(128)"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

// IsTerminal — ended и expired финальны, дальнейших переходов нет.
func (s *TextSession) IsTerminal() bool {
	return s.Status == TextSessionStatusEnded || s.Status == TextSessionStatusExpired
}

func (s *TextSession) IsActive() bool {
	return s.Status == TextSessionStatusActive
}

// ElapsedMinutes — целые минуты с момента активации (не создания).
// До активации сессия не тарифицируется.
func (s *TextSession) ElapsedMinutes(now time.Time) int {
	if s.ActivatedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(*s.ActivatedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// ExpectedDeductions — сколько 10-минутных списаний должно быть
// проведено к моменту now.
func (s *TextSession) ExpectedDeductions(now time.Time) int {
	return s.ElapsedMinutes(now) / SessionUnitMinutes
}

// TotalAllowedMinutes — бюджет времени, зафиксированный балансом
// пациента на момент создания сессии.
func (s *TextSession) TotalAllowedMinutes() int {
	return s.SessionsRemainingBeforeStart * SessionUnitMinutes
}

// TimeBudgetExhausted — истёк ли временной бюджет сессии.
func (s *TextSession) TimeBudgetExhausted(now time.Time) bool {
	return s.ElapsedMinutes(now) >= s.TotalAllowedMinutes()
}

// RemainingMinutes — остаток времени до исчерпания бюджета.
func (s *TextSession) RemainingMinutes(now time.Time) int {
	r := s.TotalAllowedMinutes() - s.ElapsedMinutes(now)
	if r < 0 {
		return 0
	}
	return r
}

// NextDeductionAt — момент следующего автосписания; nil до активации.
func (s *TextSession) NextDeductionAt() *time.Time {
	if s.ActivatedAt == nil {
		return nil
	}
	next := s.ActivatedAt.Add(time.Duration(s.AutoDeductionsProcessed+1) * SessionUnitMinutes * time.Minute)
	return &next
}

// ResponseDeadlineExpired — провайдер не ответил в отведённое окно.
func (s *TextSession) ResponseDeadlineExpired(now time.Time) bool {
	return s.ProviderResponseDeadline != nil && now.After(*s.ProviderResponseDeadline)
}
