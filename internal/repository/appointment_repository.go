package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/docavailable/session-engine/internal/model"
)

type AppointmentRepository interface {
	// Создать запись (в проде этим владеет подсистема бронирования;
	// здесь нужно для тестов и сидинга).
	Create(ctx context.Context, a *model.Appointment) error
	// Найти запись по ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
	// Найти запись по ID под блокировкой строки (внутри WithTx).
	GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
	// Подтверждённые записи, чьё время наступило, без сессии.
	// since ограничивает окно ретроспективы; nil — без ограничения.
	// Детерминированный порядок: раньше назначенные — первыми.
	ListDueForConversion(ctx context.Context, now time.Time, since *time.Time, limit int) ([]model.Appointment, error)
	// Размер бэклога конвертации (для gauge-метрики).
	CountDue(ctx context.Context, now time.Time) (int64, error)
	// Write-once привязка сессии. Условный апдейт: только если
	// session_id ещё NULL и запись всё ещё confirmed.
	BindSession(ctx context.Context, id, sessionID uuid.UUID) (bool, error)
	// Write-once отметка доступности звонка для call-типов.
	UnlockCall(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// Выполнить fn в транзакции; репозиторий внутри привязан к tx.
	WithTx(ctx context.Context, fn func(txRepo AppointmentRepository) error) error
}

// Реализация на GORM.
type GormAppointmentRepository struct {
	db *gorm.DB
}

func NewGormAppointmentRepository(db *gorm.DB) *GormAppointmentRepository {
	return &GormAppointmentRepository{db: db}
}

func (r *GormAppointmentRepository) Create(ctx context.Context, a *model.Appointment) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *GormAppointmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	var a model.Appointment
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *GormAppointmentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	var a model.Appointment
	if err := forUpdate(r.db.WithContext(ctx)).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *GormAppointmentRepository) ListDueForConversion(ctx context.Context, now time.Time, since *time.Time, limit int) ([]model.Appointment, error) {
	var appointments []model.Appointment
	q := r.db.WithContext(ctx).
		Where("status = ?", model.AppointmentStatusConfirmed).
		Where("session_id IS NULL AND call_unlocked_at IS NULL").
		Where("appointment_datetime_utc <= ?", now)
	if since != nil {
		q = q.Where("appointment_datetime_utc >= ?", *since)
	}
	q = q.Order("appointment_datetime_utc ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&appointments).Error; err != nil {
		return nil, err
	}
	return appointments, nil
}

func (r *GormAppointmentRepository) CountDue(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.Appointment{}).
		Where("status = ?", model.AppointmentStatusConfirmed).
		Where("session_id IS NULL AND call_unlocked_at IS NULL").
		Where("appointment_datetime_utc <= ?", now).
		Count(&total).Error
	return total, err
}

func (r *GormAppointmentRepository) BindSession(ctx context.Context, id, sessionID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Appointment{}).
		Where("id = ? AND session_id IS NULL AND status = ?", id, model.AppointmentStatusConfirmed).
		Update("session_id", sessionID)
	return res.RowsAffected == 1, res.Error
}

func (r *GormAppointmentRepository) UnlockCall(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Appointment{}).
		Where("id = ? AND call_unlocked_at IS NULL", id).
		Update("call_unlocked_at", now)
	return res.RowsAffected == 1, res.Error
}

func (r *GormAppointmentRepository) WithTx(ctx context.Context, fn func(txRepo AppointmentRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormAppointmentRepository{db: tx})
	})
}
