package repository

import (
	"encoding/json"
	"errors"
	"fmt"

	"Bandmate/model"

	"gorm.io/gorm"
)

// UserRepository defines the interface for user data operations.
type UserRepository interface {
	CreateUser(user *model.User) (int64, error)
	GetUserByID(id int64) (*model.User, error)
	GetUserByUsername(username string) (*model.User, error)
	GetQualityPreference(userID int64) (string, error)
	SetQualityPreference(userID int64, quality string) error
}

// gormUserRepository implements UserRepository on top of GORM.
type gormUserRepository struct {
	db *gorm.DB
}

// NewGormUserRepository creates a new gormUserRepository.
func NewGormUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// CreateUser adds a new user to the database.
func (r *gormUserRepository) CreateUser(user *model.User) (int64, error) {
	if err := r.db.Create(user).Error; err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return user.ID, nil
}

// GetUserByID retrieves a user by their ID. Returns nil when not found.
func (r *gormUserRepository) GetUserByID(id int64) (*model.User, error) {
	var user model.User
	err := r.db.First(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user %d: %w", id, err)
	}
	return &user, nil
}

// GetUserByUsername retrieves a user by their username. Returns nil when not found.
func (r *gormUserRepository) GetUserByUsername(username string) (*model.User, error) {
	var user model.User
	err := r.db.Where("username = ?", username).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user %s: %w", username, err)
	}
	return &user, nil
}

// preferencesBlob 持久化在users.preferences里的JSON结构
type preferencesBlob struct {
	Quality string `json:"quality,omitempty"`
}

// GetQualityPreference 读取用户音质偏好，未设置时返回空串
func (r *gormUserRepository) GetQualityPreference(userID int64) (string, error) {
	user, err := r.GetUserByID(userID)
	if err != nil {
		return "", err
	}
	if user == nil || user.Preferences == "" {
		return "", nil
	}
	var prefs preferencesBlob
	if err := json.Unmarshal([]byte(user.Preferences), &prefs); err != nil {
		// 偏好损坏不阻塞导入，当作未设置
		return "", nil
	}
	return prefs.Quality, nil
}

// SetQualityPreference 写入用户音质偏好
func (r *gormUserRepository) SetQualityPreference(userID int64, quality string) error {
	user, err := r.GetUserByID(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user %d not found", userID)
	}

	var prefs preferencesBlob
	if user.Preferences != "" {
		_ = json.Unmarshal([]byte(user.Preferences), &prefs)
	}
	prefs.Quality = quality

	blob, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	err = r.db.Model(&model.User{}).Where("id = ?", userID).
		Update("preferences", string(blob)).Error
	if err != nil {
		return fmt.Errorf("failed to update preferences for user %d: %w", userID, err)
	}
	return nil
}
