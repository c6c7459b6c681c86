package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sandeepkv93/tv-device-pairing/internal/domain"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"

	"gorm.io/gorm"
)

var (
	ErrSessionNotFound = errors.New("device session not found")
	ErrDuplicateCode   = errors.New("device or user code already exists")
)

// DeviceSessionRepository is the only shared mutable state of the pairing flow. Every state
// change goes through UpdateIf so concurrent service instances never overwrite each other.
type DeviceSessionRepository interface {
	Create(ctx context.Context, s *domain.DeviceSession) error
	FindByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceSession, error)
	FindByUserCode(ctx context.Context, userCode string) (*domain.DeviceSession, error)
	// UpdateIf applies patch only while the stored row still satisfies guard. It reports
	// whether this call performed the write.
	UpdateIf(ctx context.Context, id string, guard domain.Guard, patch domain.Patch) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.DeviceSession, error)
}

type GormDeviceSessionRepository struct{ db *gorm.DB }

func NewDeviceSessionRepository(db *gorm.DB) *GormDeviceSessionRepository {
	return &GormDeviceSessionRepository{db: db}
}

func (r *GormDeviceSessionRepository) Create(ctx context.Context, s *domain.DeviceSession) error {
	err := r.db.WithContext(ctx).Create(s).Error
	if err != nil {
		if isUniqueViolation(err) {
			observability.RecordRepositoryOperation(ctx, "device_session", "create", "conflict")
			return ErrDuplicateCode
		}
		observability.RecordRepositoryOperation(ctx, "device_session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "device_session", "create", "success")
	return nil
}

func (r *GormDeviceSessionRepository) FindByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceSession, error) {
	return r.findBy(ctx, "find_by_device_code", "device_code = ?", deviceCode)
}

func (r *GormDeviceSessionRepository) FindByUserCode(ctx context.Context, userCode string) (*domain.DeviceSession, error) {
	return r.findBy(ctx, "find_by_user_code", "user_code = ?", userCode)
}

func (r *GormDeviceSessionRepository) findBy(ctx context.Context, op, where string, arg string) (*domain.DeviceSession, error) {
	var s domain.DeviceSession
	err := r.db.WithContext(ctx).Where(where, arg).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "device_session", op, "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "device_session", op, "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "device_session", op, "success")
	return &s, nil
}

func (r *GormDeviceSessionRepository) UpdateIf(ctx context.Context, id string, guard domain.Guard, patch domain.Patch) (bool, error) {
	if err := guard.Permits(patch); err != nil {
		return false, err
	}
	q := r.db.WithContext(ctx).Model(&domain.DeviceSession{}).
		Where("id = ? AND status = ?", id, string(guard.Status))
	if guard.RequireTokens {
		q = q.Where("access_token IS NOT NULL AND access_token <> '' AND refresh_token IS NOT NULL AND refresh_token <> ''")
	}
	res := q.Updates(patch.Columns())
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "device_session", "update_if", "error")
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "device_session", "update_if", "conflict")
		return false, nil
	}
	observability.RecordRepositoryOperation(ctx, "device_session", "update_if", "success")
	return true, nil
}

func (r *GormDeviceSessionRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.DeviceSession, error) {
	var sessions []domain.DeviceSession
	q := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", string(domain.SessionPending), now.UTC()).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "device_session", "list_expired_pending", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "device_session", "list_expired_pending", "success")
	return sessions, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}
