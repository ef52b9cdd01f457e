package model

import "time"

// User represents a band member account.
type User struct {
	ID           int64     `json:"id" gorm:"primaryKey"`
	Username     string    `json:"username" gorm:"size:50;uniqueIndex"`
	Email        string    `json:"email" gorm:"size:255;uniqueIndex"`
	PasswordHash string    `json:"-" gorm:"size:255"` // Not exposed in API responses
	Preferences  string    `json:"preferences,omitempty" gorm:"type:json"` // JSON blob, holds the quality preference
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
