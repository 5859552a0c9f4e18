package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/docavailable/session-engine/internal/model"
)

type CallSessionRepository interface {
	// Создать звонок.
	Create(ctx context.Context, c *model.CallSession) error
	// Найти звонок по ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.CallSession, error)
	// Найти звонок по ID под блокировкой строки (внутри WithTx).
	GetForUpdate(ctx context.Context, id uuid.UUID) (*model.CallSession, error)
	// Отвеченные звонки без connected_at, у которых истёк грейс-период.
	ListAnsweredWithoutConnected(ctx context.Context, answeredBefore time.Time, limit int) ([]model.CallSession, error)
	// Завершённые звонки без connected_at — потерянное событие сигналинга.
	ListEndedWithoutConnected(ctx context.Context, limit int) ([]model.CallSession, error)
	// Неотвеченные звонки старше таймаута.
	ListStuckUnanswered(ctx context.Context, startedBefore time.Time, limit int) ([]model.CallSession, error)
	// Нормальная промоция answered -> connected.
	MarkConnected(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// Коррекция гонки: connected_at := answered_at у завершённого звонка,
	// пересчёт биллинговой длительности.
	CorrectConnected(ctx context.Context, id uuid.UUID, connectedAt time.Time, duration int) (bool, error)
	// Терминальный перевод в missed из любого нетерминального статуса
	// до ответа. Списаний нет.
	MarkMissed(ctx context.Context, id uuid.UUID, now time.Time, reason string, meta datatypes.JSON) (bool, error)
	// Выполнить fn в транзакции; репозиторий внутри привязан к tx.
	WithTx(ctx context.Context, fn func(txRepo CallSessionRepository) error) error
}

// Реализация на GORM.
type GormCallSessionRepository struct {
	db *gorm.DB
}

func NewGormCallSessionRepository(db *gorm.DB) *GormCallSessionRepository {
	return &GormCallSessionRepository{db: db}
}

func (r *GormCallSessionRepository) Create(ctx context.Context, c *model.CallSession) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *GormCallSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.CallSession, error) {
	var c model.CallSession
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormCallSessionRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.CallSession, error) {
	var c model.CallSession
	if err := forUpdate(r.db.WithContext(ctx)).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormCallSessionRepository) ListAnsweredWithoutConnected(ctx context.Context, answeredBefore time.Time, limit int) ([]model.CallSession, error) {
	var calls []model.CallSession
	q := r.db.WithContext(ctx).
		Where("status = ?", model.CallSessionStatusAnswered).
		Where("answered_at IS NOT NULL AND connected_at IS NULL").
		Where("answered_at <= ?", answeredBefore).
		Order("answered_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&calls).Error; err != nil {
		return nil, err
	}
	return calls, nil
}

func (r *GormCallSessionRepository) ListEndedWithoutConnected(ctx context.Context, limit int) ([]model.CallSession, error) {
	var calls []model.CallSession
	q := r.db.WithContext(ctx).
		Where("status = ?", model.CallSessionStatusEnded).
		Where("answered_at IS NOT NULL AND ended_at IS NOT NULL AND connected_at IS NULL").
		Order("ended_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&calls).Error; err != nil {
		return nil, err
	}
	return calls, nil
}

func (r *GormCallSessionRepository) ListStuckUnanswered(ctx context.Context, startedBefore time.Time, limit int) ([]model.CallSession, error) {
	var calls []model.CallSession
	q := r.db.WithContext(ctx).
		Where("status IN ?", []model.CallSessionStatus{
			model.CallSessionStatusPending,
			model.CallSessionStatusConnecting,
			model.CallSessionStatusWaitingForProvider,
		}).
		Where("started_at <= ?", startedBefore).
		Order("started_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&calls).Error; err != nil {
		return nil, err
	}
	return calls, nil
}

func (r *GormCallSessionRepository) MarkConnected(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.CallSession{}).
		Where("id = ? AND status = ? AND connected_at IS NULL", id, model.CallSessionStatusAnswered).
		Updates(map[string]any{
			"status":       model.CallSessionStatusConnected,
			"is_connected": true,
			"connected_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *GormCallSessionRepository) CorrectConnected(ctx context.Context, id uuid.UUID, connectedAt time.Time, duration int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.CallSession{}).
		Where("id = ? AND connected_at IS NULL AND ended_at IS NOT NULL", id).
		Updates(map[string]any{
			"connected_at":  connectedAt,
			"is_connected":  true,
			"call_duration": duration,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *GormCallSessionRepository) MarkMissed(ctx context.Context, id uuid.UUID, now time.Time, reason string, meta datatypes.JSON) (bool, error) {
	update := map[string]any{
		"status":         model.CallSessionStatusMissed,
		"ended_at":       now,
		"failure_reason": reason,
		"sessions_used":  0,
		"call_duration":  0,
	}
	if meta != nil {
		update["metadata"] = meta
	}
	res := r.db.WithContext(ctx).
		Model(&model.CallSession{}).
		Where("id = ? AND status IN ?", id, []model.CallSessionStatus{
			model.CallSessionStatusPending,
			model.CallSessionStatusConnecting,
			model.CallSessionStatusWaitingForProvider,
		}).
		Updates(update)
	return res.RowsAffected == 1, res.Error
}

func (r *GormCallSessionRepository) WithTx(ctx context.Context, fn func(txRepo CallSessionRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormCallSessionRepository{db: tx})
	})
}
