package model

import "time"

// Track represents an audio track in the band's shared library.
type Track struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"userId"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	Duration    float64   `json:"duration"`          // Duration in seconds
	DurationStr string    `json:"durationFormatted"` // M:SS, "--:--" when unresolved
	StorageType string    `json:"storageType"`       // backend tier hint, e.g. "r2"
	StorageKey  string    `json:"-"`                 // private object key, not exposed in API directly
	StorageURL  string    `json:"storageUrl,omitempty"`
	IsPublic    bool      `json:"isPublic"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
