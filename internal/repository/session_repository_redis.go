package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/tv-device-pairing/internal/domain"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
)

const redisCASAttempts = 5

// RedisDeviceSessionRepository stores each session as a JSON document with two code indexes and
// a sorted set of pending expiries. Conditional writes use WATCH/MULTI so a concurrent writer
// aborts this transaction and the guard is evaluated again against fresh state.
type RedisDeviceSessionRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDeviceSessionRepository(client redis.UniversalClient, prefix string) *RedisDeviceSessionRepository {
	if prefix == "" {
		prefix = "pairing"
	}
	return &RedisDeviceSessionRepository{client: client, prefix: prefix}
}

func (r *RedisDeviceSessionRepository) Create(ctx context.Context, s *domain.DeviceSession) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode device session: %w", err)
	}
	recordKey := r.recordKey(s.ID)
	deviceKey := r.deviceIndexKey(s.DeviceCode)
	userKey := r.userIndexKey(s.UserCode)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, recordKey, deviceKey, userKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateCode
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, payload, 0)
			pipe.Set(ctx, deviceKey, s.ID, 0)
			pipe.Set(ctx, userKey, s.ID, 0)
			pipe.ZAdd(ctx, r.pendingKey(), redis.Z{Score: float64(s.ExpiresAt.Unix()), Member: s.ID})
			return nil
		})
		return err
	}, recordKey, deviceKey, userKey)
	switch {
	case err == nil:
		observability.RecordRepositoryOperation(ctx, "device_session", "create", "success")
		return nil
	case errors.Is(err, ErrDuplicateCode), errors.Is(err, redis.TxFailedErr):
		// A lost race on the index keys means another session claimed one of the codes.
		observability.RecordRepositoryOperation(ctx, "device_session", "create", "conflict")
		return ErrDuplicateCode
	default:
		observability.RecordRepositoryOperation(ctx, "device_session", "create", "error")
		return err
	}
}

func (r *RedisDeviceSessionRepository) FindByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceSession, error) {
	return r.findByIndex(ctx, "find_by_device_code", r.deviceIndexKey(deviceCode))
}

func (r *RedisDeviceSessionRepository) FindByUserCode(ctx context.Context, userCode string) (*domain.DeviceSession, error) {
	return r.findByIndex(ctx, "find_by_user_code", r.userIndexKey(userCode))
}

func (r *RedisDeviceSessionRepository) findByIndex(ctx context.Context, op, indexKey string) (*domain.DeviceSession, error) {
	id, err := r.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		observability.RecordRepositoryOperation(ctx, "device_session", op, "not_found")
		return nil, ErrSessionNotFound
	}
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "device_session", op, "error")
		return nil, err
	}
	s, err := r.load(ctx, r.client, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "device_session", op, "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "device_session", op, "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "device_session", op, "success")
	return s, nil
}

func (r *RedisDeviceSessionRepository) UpdateIf(ctx context.Context, id string, guard domain.Guard, patch domain.Patch) (bool, error) {
	if err := guard.Permits(patch); err != nil {
		return false, err
	}
	recordKey := r.recordKey(id)
	applied := false
	txf := func(tx *redis.Tx) error {
		applied = false
		s, err := r.load(ctx, tx, id)
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !guard.Matches(s) {
			return nil
		}
		patch.Apply(s)
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode device session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, payload, 0)
			if s.Status != domain.SessionPending {
				pipe.ZRem(ctx, r.pendingKey(), id)
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for attempt := 0; attempt < redisCASAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, recordKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			observability.RecordRepositoryOperation(ctx, "device_session", "update_if", "error")
			return false, err
		}
		if !applied {
			observability.RecordRepositoryOperation(ctx, "device_session", "update_if", "conflict")
			return false, nil
		}
		observability.RecordRepositoryOperation(ctx, "device_session", "update_if", "success")
		return true, nil
	}
	observability.RecordRepositoryOperation(ctx, "device_session", "update_if", "error")
	return false, fmt.Errorf("update device session %s: %w", id, redis.TxFailedErr)
}

func (r *RedisDeviceSessionRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.DeviceSession, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, r.pendingKey(), opt).Result()
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "device_session", "list_expired_pending", "error")
		return nil, err
	}
	out := make([]domain.DeviceSession, 0, len(ids))
	for _, id := range ids {
		s, err := r.load(ctx, r.client, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			observability.RecordRepositoryOperation(ctx, "device_session", "list_expired_pending", "error")
			return nil, err
		}
		if s.Status == domain.SessionPending && s.IsExpired(now) {
			out = append(out, *s)
		}
	}
	observability.RecordRepositoryOperation(ctx, "device_session", "list_expired_pending", "success")
	return out, nil
}

func (r *RedisDeviceSessionRepository) load(ctx context.Context, c redis.Cmdable, id string) (*domain.DeviceSession, error) {
	raw, err := c.Get(ctx, r.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var s domain.DeviceSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode device session %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisDeviceSessionRepository) recordKey(id string) string {
	return fmt.Sprintf("%s:device_session:%s", r.prefix, id)
}

func (r *RedisDeviceSessionRepository) deviceIndexKey(code string) string {
	return fmt.Sprintf("%s:device_session:by_device:%s", r.prefix, code)
}

func (r *RedisDeviceSessionRepository) userIndexKey(code string) string {
	return fmt.Sprintf("%s:device_session:by_user:%s", r.prefix, code)
}

func (r *RedisDeviceSessionRepository) pendingKey() string {
	return r.prefix + ":device_session:pending_expiry"
}
