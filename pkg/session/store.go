package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// schemaVersion records applied schema migrations for the session database.
type schemaVersion struct {
	Version   int `gorm:"primaryKey"`
	AppliedAt time.Time
}

func (schemaVersion) TableName() string {
	return "schema_version"
}

// currentSchemaVersion is bumped whenever the session schema changes.
const currentSchemaVersion = 1

// Store persists session records in SQLite.
//
// The store owns the backing file exclusively; external concurrent writers
// are not supported. All methods are safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the session database at the given path and
// applies any pending schema migrations.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("session database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// SQLite pragmas for better concurrent access:
	// - journal_mode(WAL): Write-Ahead Logging for concurrent readers/single writer
	// - busy_timeout(5000): Wait up to 5 seconds when database is locked
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	if err := db.AutoMigrate(&Session{}, &schemaVersion{}); err != nil {
		return nil, fmt.Errorf("failed to migrate session schema: %w", err)
	}

	if err := recordSchemaVersion(db, currentSchemaVersion); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// recordSchemaVersion inserts the version row if it is not present yet.
func recordSchemaVersion(db *gorm.DB, version int) error {
	var existing schemaVersion
	err := db.Where("version = ?", version).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if err := db.Create(&schemaVersion{Version: version, AppliedAt: time.Now()}).Error; err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// Get returns the session record, or ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// Create inserts a new session record.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	return s.db.WithContext(ctx).Create(sess).Error
}

// Touch updates the session's last-activity timestamp.
func (s *Store) Touch(ctx context.Context, sessionID string, now time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("last_activity", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Delete removes the session record. Deleting a missing record is a no-op.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&Session{}).Error
}

// FindExpired returns the IDs of sessions whose last activity is older than
// now minus timeout.
func (s *Store) FindExpired(ctx context.Context, now time.Time, timeout time.Duration) ([]string, error) {
	var ids []string
	cutoff := now.Add(-timeout)
	err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("last_activity < ?", cutoff).
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// LoadAll returns every durable session record. Called on startup so the
// registry resumes expiry tracking for sessions that survived a restart.
func (s *Store) LoadAll(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	if err := s.db.WithContext(ctx).Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// Healthcheck verifies the backing database responds.
func (s *Store) Healthcheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the backing database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
