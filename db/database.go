package db

import (
	"database/sql"
	"fmt"

	"Bandmate/config"
	"Bandmate/logger"
	"Bandmate/model"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

var DB *sql.DB

// ConnectDB establishes a connection to the database.
func ConnectDB(cfg *config.Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	var err error
	DB, err = sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	if err = DB.Ping(); err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Successfully connected to the database.")
	return nil
}

// InitDB initializes the database schema. The users table is migrated by
// GORM, the tracks table uses explicit DDL.
func InitDB() error {
	if GormDB != nil {
		if err := GormDB.AutoMigrate(&model.User{}); err != nil {
			return fmt.Errorf("failed to migrate users table: %w", err)
		}
	}
	if err := createTracksTable(); err != nil {
		return err
	}
	logger.Info("Database initialization completed.")
	return nil
}

func createTracksTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tracks (
		id INT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT,
		title VARCHAR(255) NOT NULL,
		artist VARCHAR(255),
		duration DOUBLE,
		duration_str VARCHAR(16),
		storage_type VARCHAR(32) NOT NULL,
		storage_key VARCHAR(767),
		storage_url VARCHAR(2048),
		is_public TINYINT(1) NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		CONSTRAINT fk_user_tracks FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create tracks table: %w", err)
	}
	return nil
}
