package conversion

import (
	"errors"

	"gorm.io/gorm"

	"github.com/docavailable/session-engine/internal/session"
)

// Категории отказов конвертации для метрик и алёртинга.
const (
	FailureMissingParticipant = "missing_participant"
	FailureConflictingSession = "conflicting_existing_session"
	FailureValidation         = "validation_failed"
	FailurePersistence        = "persistence_error"
	FailureUnknown            = "unknown_error"
)

// ClassifyFailure относит ошибку конвертации к одной из категорий.
// Категоризированные отказы не ретраятся автоматически — они ждут
// внимания оператора через метрики и алёрты.
func ClassifyFailure(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrMissingParticipant):
		return FailureMissingParticipant
	case errors.Is(err, session.ErrConflictingSession):
		return FailureConflictingSession
	case errors.Is(err, session.ErrNoCredits):
		return FailureValidation
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, gorm.ErrInvalidTransaction),
		errors.Is(err, gorm.ErrInvalidDB):
		return FailurePersistence
	default:
		return FailureUnknown
	}
}
