package session

import "errors"

var (
	// Провайдер не уложился в окно ответа; сессию экспирит ближайший свип.
	ErrResponseWindowElapsed = errors.New("provider response window elapsed")
	// Сессия уже в терминальном статусе.
	ErrSessionTerminal = errors.New("session is terminal")
	// У записи/сессии отсутствует пациент или провайдер.
	ErrMissingParticipant = errors.New("missing patient or provider")
	// Между участниками уже есть открытая сессия.
	ErrConflictingSession = errors.New("participants already have an open session")
	// У пациента нет ни одного кредита на момент создания сессии.
	ErrNoCredits = errors.New("patient has no session credits")
)
