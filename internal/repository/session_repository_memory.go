package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sandeepkv93/tv-device-pairing/internal/domain"
)

// InMemoryDeviceSessionRepository is a single-process store for development and tests. The
// mutex makes UpdateIf atomic within the process, which is all a single instance needs.
type InMemoryDeviceSessionRepository struct {
	mu       sync.RWMutex
	byID     map[string]*domain.DeviceSession
	byDevice map[string]string
	byUser   map[string]string
}

func NewInMemoryDeviceSessionRepository() *InMemoryDeviceSessionRepository {
	return &InMemoryDeviceSessionRepository{
		byID:     make(map[string]*domain.DeviceSession),
		byDevice: make(map[string]string),
		byUser:   make(map[string]string),
	}
}

func (r *InMemoryDeviceSessionRepository) Create(_ context.Context, s *domain.DeviceSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID]; ok {
		return ErrDuplicateCode
	}
	if _, ok := r.byDevice[s.DeviceCode]; ok {
		return ErrDuplicateCode
	}
	if _, ok := r.byUser[s.UserCode]; ok {
		return ErrDuplicateCode
	}
	r.byID[s.ID] = s.Clone()
	r.byDevice[s.DeviceCode] = s.ID
	r.byUser[s.UserCode] = s.ID
	return nil
}

func (r *InMemoryDeviceSessionRepository) FindByDeviceCode(_ context.Context, deviceCode string) (*domain.DeviceSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(r.byDevice, deviceCode)
}

func (r *InMemoryDeviceSessionRepository) FindByUserCode(_ context.Context, userCode string) (*domain.DeviceSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(r.byUser, userCode)
}

func (r *InMemoryDeviceSessionRepository) lookup(index map[string]string, code string) (*domain.DeviceSession, error) {
	id, ok := index[code]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *InMemoryDeviceSessionRepository) UpdateIf(_ context.Context, id string, guard domain.Guard, patch domain.Patch) (bool, error) {
	if err := guard.Permits(patch); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || !guard.Matches(s) {
		return false, nil
	}
	patch.Apply(s)
	return true, nil
}

func (r *InMemoryDeviceSessionRepository) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]domain.DeviceSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DeviceSession, 0)
	for _, s := range r.byID {
		if s.Status == domain.SessionPending && s.IsExpired(now) {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
