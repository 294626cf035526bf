package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/basemap/auth-service/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// ErrRefreshSuperseded means the stored refresh token changed between read
// and swap: a concurrent rotation won the race, or the presented token was
// already replaced.
var ErrRefreshSuperseded = errors.New("refresh token superseded")

func (r *GormRepo) CreateUser(ctx context.Context, u *models.User) error {
	if err := r.DB.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *GormRepo) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *GormRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *GormRepo) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("last_login_date", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetRefreshToken overwrites the stored refresh token unconditionally.
// Used on login, where any previous session is replaced.
func (r *GormRepo) SetRefreshToken(ctx context.Context, id uuid.UUID, token string) error {
	result := r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("refresh_token", token)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SwapRefreshToken replaces the stored refresh token only if it still holds
// the old value. The guard serializes concurrent rotations for the
// same user: exactly one of two racing refresh calls matches a row, the
// other gets ErrRefreshSuperseded.
func (r *GormRepo) SwapRefreshToken(ctx context.Context, id uuid.UUID, oldToken, newToken string) error {
	result := r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND refresh_token = ?", id, oldToken).
		Update("refresh_token", newToken)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRefreshSuperseded
	}
	return nil
}
