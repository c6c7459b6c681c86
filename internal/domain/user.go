package domain

import "time"

// User is only persisted when the service acts as its own identity provider.
type User struct {
	ID            string    `gorm:"size:36;primaryKey" json:"id"`
	Email         string    `gorm:"size:320;uniqueIndex;not null" json:"email"`
	PasswordHash  string    `gorm:"size:255;not null" json:"-"`
	EmailVerified bool      `gorm:"not null;default:false" json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (User) TableName() string { return "identity_users" }
