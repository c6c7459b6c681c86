package domain

import (
	"errors"
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionApproved SessionStatus = "approved"
	SessionConsumed SessionStatus = "consumed"
	SessionExpired  SessionStatus = "expired"
)

// Terminal reports whether no further transition can leave s.
func (s SessionStatus) Terminal() bool {
	return s == SessionExpired || s == SessionConsumed
}

// ErrIllegalTransition is returned by stores asked to write a status change the state machine forbids.
var ErrIllegalTransition = errors.New("illegal session transition")

// CanTransition reports whether from -> to is an edge of the pairing state machine.
func CanTransition(from, to SessionStatus) bool {
	switch from {
	case SessionPending:
		return to == SessionApproved || to == SessionExpired
	case SessionApproved:
		return to == SessionConsumed
	default:
		return false
	}
}

type DeviceSession struct {
	ID           string        `gorm:"size:36;primaryKey" json:"id"`
	DeviceCode   string        `gorm:"size:64;uniqueIndex;not null" json:"device_code"`
	UserCode     string        `gorm:"size:16;uniqueIndex;not null" json:"user_code"`
	Status       SessionStatus `gorm:"size:16;index;not null;default:pending" json:"status"`
	CreatedAt    time.Time     `gorm:"not null" json:"created_at"`
	ExpiresAt    time.Time     `gorm:"index;not null" json:"expires_at"`
	ApprovedAt   *time.Time    `json:"approved_at,omitempty"`
	ConsumedAt   *time.Time    `json:"consumed_at,omitempty"`
	UserID       *string       `gorm:"size:128" json:"user_id,omitempty"`
	UserEmail    *string       `gorm:"size:320" json:"user_email,omitempty"`
	AccessToken  *string       `gorm:"type:text" json:"access_token,omitempty"`
	RefreshToken *string       `gorm:"type:text" json:"refresh_token,omitempty"`
}

func (DeviceSession) TableName() string { return "device_auth_sessions" }

func (s *DeviceSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *DeviceSession) HasTokens() bool {
	return s.AccessToken != nil && *s.AccessToken != "" && s.RefreshToken != nil && *s.RefreshToken != ""
}

// Guard is the precondition a conditional update is keyed on.
type Guard struct {
	Status        SessionStatus
	RequireTokens bool
}

// Permits checks that a row matching g may move to p.Status.
func (g Guard) Permits(p Patch) error {
	if !CanTransition(g.Status, p.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, g.Status, p.Status)
	}
	return nil
}

// Matches evaluates the guard against the current row.
func (g Guard) Matches(s *DeviceSession) bool {
	if s == nil || s.Status != g.Status {
		return false
	}
	if g.RequireTokens && !s.HasTokens() {
		return false
	}
	return true
}

// Patch describes the columns written by a guarded transition. Pointer fields left nil are
// untouched unless the matching Clear flag is set.
type Patch struct {
	Status       SessionStatus
	ApprovedAt   *time.Time
	ConsumedAt   *time.Time
	UserID       *string
	UserEmail    *string
	AccessToken  *string
	RefreshToken *string
	ClearTokens  bool
}

func ExpirePatch() Patch {
	return Patch{Status: SessionExpired}
}

func ApprovePatch(at time.Time, userID, email, accessToken, refreshToken string) Patch {
	return Patch{
		Status:       SessionApproved,
		ApprovedAt:   &at,
		UserID:       &userID,
		UserEmail:    &email,
		AccessToken:  &accessToken,
		RefreshToken: &refreshToken,
	}
}

func ConsumePatch(at time.Time) Patch {
	return Patch{Status: SessionConsumed, ConsumedAt: &at, ClearTokens: true}
}

// Apply writes the patch onto s in place.
func (p Patch) Apply(s *DeviceSession) {
	s.Status = p.Status
	if p.ApprovedAt != nil {
		at := *p.ApprovedAt
		s.ApprovedAt = &at
	}
	if p.ConsumedAt != nil {
		at := *p.ConsumedAt
		s.ConsumedAt = &at
	}
	if p.UserID != nil {
		v := *p.UserID
		s.UserID = &v
	}
	if p.UserEmail != nil {
		v := *p.UserEmail
		s.UserEmail = &v
	}
	if p.ClearTokens {
		s.AccessToken = nil
		s.RefreshToken = nil
		return
	}
	if p.AccessToken != nil {
		v := *p.AccessToken
		s.AccessToken = &v
	}
	if p.RefreshToken != nil {
		v := *p.RefreshToken
		s.RefreshToken = &v
	}
}

// Columns renders the patch as a column map for row stores.
func (p Patch) Columns() map[string]any {
	cols := map[string]any{"status": string(p.Status)}
	if p.ApprovedAt != nil {
		cols["approved_at"] = p.ApprovedAt.UTC()
	}
	if p.ConsumedAt != nil {
		cols["consumed_at"] = p.ConsumedAt.UTC()
	}
	if p.UserID != nil {
		cols["user_id"] = *p.UserID
	}
	if p.UserEmail != nil {
		cols["user_email"] = *p.UserEmail
	}
	if p.ClearTokens {
		cols["access_token"] = nil
		cols["refresh_token"] = nil
		return cols
	}
	if p.AccessToken != nil {
		cols["access_token"] = *p.AccessToken
	}
	if p.RefreshToken != nil {
		cols["refresh_token"] = *p.RefreshToken
	}
	return cols
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (s *DeviceSession) Clone() *DeviceSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ApprovedAt = cloneTime(s.ApprovedAt)
	cp.ConsumedAt = cloneTime(s.ConsumedAt)
	cp.UserID = cloneString(s.UserID)
	cp.UserEmail = cloneString(s.UserEmail)
	cp.AccessToken = cloneString(s.AccessToken)
	cp.RefreshToken = cloneString(s.RefreshToken)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
