package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/docavailable/session-engine/internal/model"
)

type TextSessionRepository interface {
	// Создать сессию.
	Create(ctx context.Context, s *model.TextSession) error
	// Найти сессию по ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.TextSession, error)
	// Найти сессию по ID под блокировкой строки (внутри WithTx).
	GetForUpdate(ctx context.Context, id uuid.UUID) (*model.TextSession, error)
	// Активные сессии для периодического обхода.
	ListActive(ctx context.Context, limit int) ([]model.TextSession, error)
	// Сессии в ожидании с истёкшим дедлайном ответа провайдера.
	ListWaitingPastDeadline(ctx context.Context, now time.Time, limit int) ([]model.TextSession, error)
	// Открытая (waiting/active) сессия между парой участников.
	FindOpenByParticipants(ctx context.Context, patientID, providerID uuid.UUID) (*model.TextSession, error)
	// Выставить дедлайн ответа провайдера. Условный апдейт: только из
	// waiting_for_provider и только если дедлайн ещё не выставлен.
	SetResponseDeadline(ctx context.Context, id uuid.UUID, now, deadline time.Time) (bool, error)
	// Перевести waiting_for_provider -> active. Проигравший гонку апдейт
	// затрагивает 0 строк и возвращает false.
	Activate(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// Атомарно продвинуть счётчики списаний: compare-and-swap по
	// auto_deductions_processed.
	AdvanceDeductions(ctx context.Context, id uuid.UUID, fromProcessed, toProcessed, usedDelta int) (bool, error)
	// Перевести active -> ended; closingUnit добавляет ровно одну
	// закрывающую единицу к sessions_used.
	EndFromActive(ctx context.Context, id uuid.UUID, now time.Time, closingUnit bool, reason string) (bool, error)
	// Перевести scheduled/waiting_for_provider -> ended без списаний
	// (ручное завершение до активации).
	EndFromWaiting(ctx context.Context, id uuid.UUID, now time.Time, reason string) (bool, error)
	// Перевести waiting_for_provider -> expired (провайдер не ответил).
	Expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// Обновить chat_id после провижининга комнаты.
	SetChatID(ctx context.Context, id uuid.UUID, chatID string) error
	// Выполнить fn в транзакции; репозиторий внутри привязан к tx.
	WithTx(ctx context.Context, fn func(txRepo TextSessionRepository) error) error
}

// Реализация на GORM.
type GormTextSessionRepository struct {
	db *gorm.DB
}

func NewGormTextSessionRepository(db *gorm.DB) *GormTextSessionRepository {
	return &GormTextSessionRepository{db: db}
}

func (r *GormTextSessionRepository) Create(ctx context.Context, s *model.TextSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *GormTextSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.TextSession, error) {
	var s model.TextSession
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormTextSessionRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.TextSession, error) {
	var s model.TextSession
	if err := forUpdate(r.db.WithContext(ctx)).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormTextSessionRepository) ListActive(ctx context.Context, limit int) ([]model.TextSession, error) {
	var sessions []model.TextSession
	q := r.db.WithContext(ctx).
		Where("status = ?", model.TextSessionStatusActive).
		Order("activated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *GormTextSessionRepository) ListWaitingPastDeadline(ctx context.Context, now time.Time, limit int) ([]model.TextSession, error) {
	var sessions []model.TextSession
	q := r.db.WithContext(ctx).
		Where("status = ?", model.TextSessionStatusWaitingForProvider).
		Where("provider_response_deadline IS NOT NULL AND provider_response_deadline < ?", now).
		Order("provider_response_deadline ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *GormTextSessionRepository) FindOpenByParticipants(ctx context.Context, patientID, providerID uuid.UUID) (*model.TextSession, error) {
	var s model.TextSession
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND provider_id = ?", patientID, providerID).
		Where("status IN ?", []model.TextSessionStatus{
			model.TextSessionStatusWaitingForProvider,
			model.TextSessionStatusActive,
		}).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormTextSessionRepository) SetResponseDeadline(ctx context.Context, id uuid.UUID, now, deadline time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.TextSession{}).
		Where("id = ? AND status = ? AND provider_response_deadline IS NULL",
			id, model.TextSessionStatusWaitingForProvider).
		Updates(map[string]any{
			"provider_response_deadline": deadline,
			"last_activity_at":           now,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *GormTextSessionRepository) Activate(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.TextSession{}).
		Where("id = ? AND status = ?", id, model.TextSessionStatusWaitingForProvider).
		Where("provider_response_deadline IS NULL OR provider_response_deadline >= ?", now).
		Updates(map[string]any{
			"status":           model.TextSessionStatusActive,
			"activated_at":     now,
			"last_activity_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *GormTextSessionRepository) AdvanceDeductions(ctx context.Context, id uuid.UUID, fromProcessed, toProcessed, usedDelta int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.TextSession{}).
		Where("id = ? AND status = ? AND auto_deductions_processed = ?",
			id, model.TextSessionStatusActive, fromProcessed).
		Updates(map[string]any{
			"auto_deductions_processed": toProcessed,
			"sessions_used":             gorm.Expr("sessions_used + ?", usedDelta),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *GormTextSessionRepository) EndFromActive(ctx context.Context, id uuid.UUID, now time.Time, closingUnit bool, reason string) (bool, error) {
	update := map[string]any{
		"status":   model.TextSessionStatusEnded,
		"ended_at": now,
	}
	if reason != "" {
		update["reason"] = reason
	}
	if closingUnit {
		update["sessions_used"] = gorm.Expr("sessions_used + 1")
	}
	res := r.db.WithContext(ctx).
		Model(&model.TextSession{}).
		Where("id = ? AND status = ?", id, model.TextSessionStatusActive).
		Updates(update)
	return res.RowsAffected == 1, res.Error
}

func (r *GormTextSessionRepository) EndFromWaiting(ctx context.Context, id uuid.UUID, now time.Time, reason string) (bool, error) {
	update := map[string]any{
		"status":   model.TextSessionStatusEnded,
		"ended_at": now,
	}
	if reason != "" {
		update["reason"] = reason
	}
	res := r.db.WithContext(ctx).
		Model(&model.TextSession{}).
		Where("id = ? AND status IN ?", id, []model.TextSessionStatus{
			model.TextSessionStatusScheduled,
			model.TextSessionStatusWaitingForProvider,
		}).
		Updates(update)
	return res.RowsAffected == 1, res.Error
}

func (r *GormTextSessionRepository) Expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.TextSession{}).
		Where("id = ? AND status = ?", id, model.TextSessionStatusWaitingForProvider).
		Updates(map[string]any{
			"status":   model.TextSessionStatusExpired,
			"ended_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *GormTextSessionRepository) SetChatID(ctx context.Context, id uuid.UUID, chatID string) error {
	return r.db.WithContext(ctx).
		Model(&model.TextSession{}).
		Where("id = ?", id).
		Update("chat_id", chatID).
		Error
}

func (r *GormTextSessionRepository) WithTx(ctx context.Context, fn func(txRepo TextSessionRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormTextSessionRepository{db: tx})
	})
}
