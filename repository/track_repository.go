package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"Bandmate/db"
	"Bandmate/logger"
	"Bandmate/model"
)

// TrackRepository defines the interface for track catalog operations.
type TrackRepository interface {
	InsertTrack(ctx context.Context, track *model.Track) (int64, error)
	GetTrackByID(ctx context.Context, id int64) (*model.Track, error)
	GetAllTracksByUserID(ctx context.Context, userID int64) ([]*model.Track, error)
	DeleteTrack(ctx context.Context, id int64) error
}

// mysqlTrackRepository implements TrackRepository for MySQL.
type mysqlTrackRepository struct {
	DB *sql.DB
}

// NewMySQLTrackRepository creates a new instance of mysqlTrackRepository.
func NewMySQLTrackRepository() TrackRepository {
	return &mysqlTrackRepository{DB: db.DB}
}

// NewMySQLTrackRepositoryWithDB 使用指定连接创建仓储，测试用
func NewMySQLTrackRepositoryWithDB(conn *sql.DB) TrackRepository {
	return &mysqlTrackRepository{DB: conn}
}

// InsertTrack adds a new track to the catalog. Transport-level failures are
// classified as transient so the import pipeline can apply its retry policy.
func (r *mysqlTrackRepository) InsertTrack(ctx context.Context, track *model.Track) (int64, error) {
	query := `INSERT INTO tracks (user_id, title, artist, duration, duration_str, storage_type, storage_key, storage_url, is_public, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := r.DB.PrepareContext(ctx, query)
	if err != nil {
		return 0, classifyDBError("failed to prepare statement for InsertTrack", err)
	}
	defer stmt.Close()

	// 本地投递目录导入的曲目没有归属用户，user_id写NULL
	owner := sql.NullInt64{Int64: track.UserID, Valid: track.UserID > 0}

	now := time.Now()
	res, err := stmt.ExecContext(ctx, owner, track.Title, track.Artist, track.Duration, track.DurationStr,
		track.StorageType, track.StorageKey, track.StorageURL, track.IsPublic, now, now)
	if err != nil {
		return 0, classifyDBError("failed to execute InsertTrack", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, classifyDBError("failed to get last insert ID for InsertTrack", err)
	}
	logger.Info("Track committed to catalog",
		logger.Int64("trackId", id),
		logger.String("title", track.Title))
	return id, nil
}

// GetTrackByID retrieves a track by its ID.
func (r *mysqlTrackRepository) GetTrackByID(ctx context.Context, id int64) (*model.Track, error) {
	query := `SELECT id, user_id, title, artist, duration, duration_str, storage_type, storage_key, storage_url, is_public, created_at, updated_at
	           FROM tracks WHERE id = ?`
	row := r.DB.QueryRowContext(ctx, query, id)

	track := &model.Track{}
	var owner sql.NullInt64
	err := row.Scan(&track.ID, &owner, &track.Title, &track.Artist, &track.Duration, &track.DurationStr,
		&track.StorageType, &track.StorageKey, &track.StorageURL, &track.IsPublic, &track.CreatedAt, &track.UpdatedAt)
	track.UserID = owner.Int64
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Track not found
		}
		return nil, fmt.Errorf("failed to scan track by ID %d: %w", id, err)
	}
	return track, nil
}

// GetAllTracksByUserID retrieves all tracks owned by a user.
func (r *mysqlTrackRepository) GetAllTracksByUserID(ctx context.Context, userID int64) ([]*model.Track, error) {
	query := `SELECT id, user_id, title, artist, duration, duration_str, storage_type, storage_key, storage_url, is_public, created_at, updated_at
	           FROM tracks WHERE user_id = ? ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks for user %d: %w", userID, err)
	}
	defer rows.Close()

	var tracks []*model.Track
	for rows.Next() {
		track := &model.Track{}
		err := rows.Scan(&track.ID, &track.UserID, &track.Title, &track.Artist, &track.Duration, &track.DurationStr,
			&track.StorageType, &track.StorageKey, &track.StorageURL, &track.IsPublic, &track.CreatedAt, &track.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track row: %w", err)
		}
		tracks = append(tracks, track)
	}
	return tracks, rows.Err()
}

// DeleteTrack removes a track from the catalog.
func (r *mysqlTrackRepository) DeleteTrack(ctx context.Context, id int64) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM tracks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete track %d: %w", id, err)
	}
	return nil
}

// classifyDBError 把连接层错误标记为瞬时网络错误，约束冲突等保持原样
func classifyDBError(msg string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "invalid connection"),
		strings.Contains(err.Error(), "broken pipe"):
		return model.NewImportError(model.KindTransientNetwork, msg, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}
