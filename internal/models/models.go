package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User carries a single refresh-token slot: issuing a new refresh token
// overwrites the previous value, which invalidates it for refresh use even
// before it expires. One active session per user; multi-device token
// families are a known limitation of this model.
type User struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Username      string     `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash  string     `gorm:"not null"             json:"-"`
	FirstName     string     `gorm:"not null"             json:"first_name"`
	LastName      string     `gorm:"not null"             json:"last_name"`
	Email         string     `gorm:"uniqueIndex;not null" json:"email"`
	IsVerified    bool       `gorm:"default:false"        json:"is_verified"`
	LastLoginDate *time.Time `json:"last_login_date"`
	RefreshToken  string     `json:"-"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
