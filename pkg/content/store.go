package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marmos91/sharethings/internal/logger"
)

// schemaVersion records applied schema migrations for the content database.
type schemaVersion struct {
	Version   int `gorm:"primaryKey"`
	AppliedAt time.Time
}

func (schemaVersion) TableName() string {
	return "schema_version"
}

// currentSchemaVersion is bumped whenever the content schema changes.
const currentSchemaVersion = 1

// lockStripes is the number of mutex stripes guarding row-level writes.
const lockStripes = 64

// Config contains content store configuration.
type Config struct {
	// DBPath is the SQLite file holding the content index.
	DBPath string

	// ChunkRoot is the directory under which chunk payloads are stored,
	// laid out as <ChunkRoot>/sessions/<sessionID>/<contentID>/<index>.bin.
	ChunkRoot string

	// LargeFileThreshold marks items at or above this total size as large
	// files at creation time. Zero disables the flag.
	LargeFileThreshold int64
}

// Store persists encrypted chunks and their metadata.
//
// The SQLite index holds item and chunk rows; payloads live on disk. The
// store owns both exclusively. All operations are safe for concurrent use:
// writes to the same row serialize on a mutex stripe, writes to distinct
// (contentID, chunkIndex) pairs proceed in parallel.
type Store struct {
	db  *gorm.DB
	cfg Config

	locks [lockStripes]sync.Mutex
}

// NewStore opens (or creates) the content index and chunk root, applying
// any pending schema migrations.
func NewStore(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("content database path is required")
	}
	if cfg.ChunkRoot == "" {
		return nil, fmt.Errorf("chunk root directory is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.ChunkRoot, "sessions"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk root: %w", err)
	}

	dsn := cfg.DBPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open content database: %w", err)
	}

	if err := db.AutoMigrate(&Item{}, &Chunk{}, &schemaVersion{}); err != nil {
		return nil, fmt.Errorf("failed to migrate content schema: %w", err)
	}

	var existing schemaVersion
	err = db.Where("version = ?", currentSchemaVersion).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := db.Create(&schemaVersion{Version: currentSchemaVersion, AppliedAt: time.Now()}).Error; err != nil {
			return nil, fmt.Errorf("failed to record schema version: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}

	return &Store{db: db, cfg: cfg}, nil
}

// lockFor returns the mutex stripe for a row key.
func (s *Store) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// chunkDir returns the on-disk directory of a content item's payloads.
func (s *Store) chunkDir(sessionID, contentID string) string {
	return filepath.Join(s.cfg.ChunkRoot, "sessions", sessionID, contentID)
}

// chunkPath returns the on-disk path of one chunk payload.
func (s *Store) chunkPath(sessionID, contentID string, index int) string {
	return filepath.Join(s.chunkDir(sessionID, contentID), strconv.Itoa(index)+".bin")
}

// SaveChunk persists one encrypted chunk.
//
// The write is idempotent per (contentID, chunkIndex): a byte-equal
// duplicate is a no-op, a byte-different duplicate fails with
// ErrChunkConflict. On the first chunk of an unknown contentID the item row
// is created lazily from meta, so chunks may arrive in any order.
func (s *Store) SaveChunk(ctx context.Context, payload []byte, meta ChunkMeta) error {
	if meta.TotalChunks < 1 {
		return fmt.Errorf("%w: totalChunks must be at least 1", ErrChunkConflict)
	}
	if meta.ChunkIndex < 0 || meta.ChunkIndex >= meta.TotalChunks {
		return fmt.Errorf("%w: chunk index %d out of range [0, %d)", ErrChunkConflict, meta.ChunkIndex, meta.TotalChunks)
	}

	if _, err := s.ensureItem(ctx, meta); err != nil {
		return err
	}

	lock := s.lockFor(meta.ContentID + "/" + strconv.Itoa(meta.ChunkIndex))
	lock.Lock()
	defer lock.Unlock()

	var existing Chunk
	err := s.db.WithContext(ctx).
		Where("content_id = ? AND chunk_index = ?", meta.ContentID, meta.ChunkIndex).
		First(&existing).Error
	if err == nil {
		stored, readErr := os.ReadFile(s.chunkPath(meta.SessionID, meta.ContentID, meta.ChunkIndex))
		if readErr != nil {
			return fmt.Errorf("failed to verify duplicate chunk: %w", readErr)
		}
		if !bytes.Equal(stored, payload) {
			return fmt.Errorf("%w: rewrite of chunk %d with different payload", ErrChunkConflict, meta.ChunkIndex)
		}
		// Byte-equal duplicate, treat as already written.
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up chunk: %w", err)
	}

	if err := s.writeChunkFile(meta.SessionID, meta.ContentID, meta.ChunkIndex, payload); err != nil {
		return err
	}

	chunk := Chunk{
		ContentID:  meta.ContentID,
		ChunkIndex: meta.ChunkIndex,
		SessionID:  meta.SessionID,
		Size:       len(payload),
		IV:         meta.IV,
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&chunk).Error; err != nil {
		return fmt.Errorf("failed to index chunk: %w", err)
	}

	return nil
}

// writeChunkFile writes a payload atomically via temp file and rename.
func (s *Store) writeChunkFile(sessionID, contentID string, index int, payload []byte) error {
	dir := s.chunkDir(sessionID, contentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}

	final := s.chunkPath(sessionID, contentID, index)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return fmt.Errorf("failed to write chunk payload: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to finalize chunk payload: %w", err)
	}
	return nil
}

// ensureItem creates the item row lazily from chunk metadata, or validates
// consistency against the existing row and bumps its LastModified.
func (s *Store) ensureItem(ctx context.Context, meta ChunkMeta) (*Item, error) {
	lock := s.lockFor(meta.ContentID)
	lock.Lock()
	defer lock.Unlock()

	var item Item
	err := s.db.WithContext(ctx).Where("content_id = ?", meta.ContentID).First(&item).Error
	if err == nil {
		if item.TotalChunks != meta.TotalChunks {
			return nil, fmt.Errorf("%w: item declares %d chunks, chunk declares %d",
				ErrChunkConflict, item.TotalChunks, meta.TotalChunks)
		}
		if updateErr := s.db.WithContext(ctx).
			Model(&Item{}).
			Where("content_id = ?", meta.ContentID).
			Update("last_modified", time.Now()).Error; updateErr != nil {
			return nil, fmt.Errorf("failed to update item activity: %w", updateErr)
		}
		return &item, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up item: %w", err)
	}

	now := time.Now()
	item = Item{
		ContentID:    meta.ContentID,
		SessionID:    meta.SessionID,
		SenderID:     meta.SenderID,
		SenderName:   meta.SenderName,
		ContentType:  meta.ContentType,
		TotalChunks:  meta.TotalChunks,
		TotalSize:    meta.TotalSize,
		CreatedAt:    now,
		LastModified: now,
		EncryptionIV: meta.EncryptionIV,
		Metadata:     meta.Metadata,
		IsLargeFile:  s.cfg.LargeFileThreshold > 0 && meta.TotalSize >= s.cfg.LargeFileThreshold,
	}
	if item.ContentType == "" {
		item.ContentType = TypeOther
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	logger.Debug("content item created",
		logger.KeyContentID, meta.ContentID,
		logger.KeySessionID, meta.SessionID,
		logger.KeyTotalChunks, meta.TotalChunks,
		logger.KeySize, meta.TotalSize,
		logger.KeyLargeFile, item.IsLargeFile,
	)

	return &item, nil
}

// SaveContent upserts an item row without chunk data. Used when an item is
// announced ahead of its chunks.
//
// A re-announcement of an existing item refreshes only the descriptive
// columns; IsComplete, IsPinned, CreatedAt, and the large-file flag are
// never rewritten, so a client retry after a dropped ack cannot regress
// completion, unpin an item, or reorder listings.
func (s *Store) SaveContent(ctx context.Context, item *Item) error {
	lock := s.lockFor(item.ContentID)
	lock.Lock()
	defer lock.Unlock()

	var existing Item
	err := s.db.WithContext(ctx).Where("content_id = ?", item.ContentID).First(&existing).Error
	if err == nil {
		if item.TotalChunks > 0 && existing.TotalChunks != item.TotalChunks {
			return fmt.Errorf("%w: item declares %d chunks, announcement declares %d",
				ErrChunkConflict, existing.TotalChunks, item.TotalChunks)
		}
		updates := map[string]any{
			"sender_id":     item.SenderID,
			"sender_name":   item.SenderName,
			"last_modified": time.Now(),
		}
		if item.ContentType != "" {
			updates["content_type"] = item.ContentType
		}
		if item.Metadata != nil {
			updates["metadata"] = item.Metadata
		}
		if len(item.EncryptionIV) > 0 {
			updates["encryption_iv"] = item.EncryptionIV
		}
		return s.db.WithContext(ctx).
			Model(&Item{}).
			Where("content_id = ?", item.ContentID).
			Updates(updates).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up item: %w", err)
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.LastModified = time.Now()
	if item.ContentType == "" {
		item.ContentType = TypeOther
	}
	if s.cfg.LargeFileThreshold > 0 && item.TotalSize >= s.cfg.LargeFileThreshold {
		item.IsLargeFile = true
	}

	return s.db.WithContext(ctx).Create(item).Error
}

// GetChunk returns one chunk payload, or ErrChunkNotFound.
func (s *Store) GetChunk(ctx context.Context, contentID string, index int) ([]byte, error) {
	var chunk Chunk
	err := s.db.WithContext(ctx).
		Where("content_id = ? AND chunk_index = ?", contentID, index).
		First(&chunk).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChunkNotFound
		}
		return nil, err
	}

	payload, err := os.ReadFile(s.chunkPath(chunk.SessionID, contentID, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("failed to read chunk payload: %w", err)
	}
	return payload, nil
}

// GetContentMetadata returns the item row, or ErrContentNotFound.
func (s *Store) GetContentMetadata(ctx context.Context, contentID string) (*Item, error) {
	var item Item
	err := s.db.WithContext(ctx).Where("content_id = ?", contentID).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrContentNotFound
		}
		return nil, err
	}
	return &item, nil
}

// ListContent returns the session's items newest-first along with the total
// count for pagination. limit <= 0 means no limit.
func (s *Store) ListContent(ctx context.Context, sessionID string, limit, offset int) ([]*Item, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).
		Model(&Item{}).
		Where("session_id = ?", sessionID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var items []*Item
	if err := q.Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// CountChunks returns the number of chunk rows stored for a content item.
func (s *Store) CountChunks(ctx context.Context, contentID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Chunk{}).
		Where("content_id = ?", contentID).
		Count(&count).Error
	return int(count), err
}

// MarkContentComplete sets IsComplete once every chunk row exists.
//
// The transition is monotone: a complete item stays complete and repeated
// calls are no-ops. Completion with missing chunks fails with ErrIncomplete.
func (s *Store) MarkContentComplete(ctx context.Context, contentID string) error {
	lock := s.lockFor(contentID)
	lock.Lock()
	defer lock.Unlock()

	item, err := s.GetContentMetadata(ctx, contentID)
	if err != nil {
		return err
	}
	if item.IsComplete {
		return nil
	}

	count, err := s.CountChunks(ctx, contentID)
	if err != nil {
		return fmt.Errorf("failed to count chunks: %w", err)
	}
	if count < item.TotalChunks {
		return fmt.Errorf("%w: have %d of %d chunks", ErrIncomplete, count, item.TotalChunks)
	}

	return s.db.WithContext(ctx).
		Model(&Item{}).
		Where("content_id = ?", contentID).
		Updates(map[string]any{"is_complete": true, "last_modified": time.Now()}).Error
}

// RenameContent updates the item's client-visible file name. The name is
// trimmed; an empty result is rejected with ErrEmptyName.
func (s *Store) RenameContent(ctx context.Context, contentID, newName string) error {
	trimmed := strings.TrimSpace(newName)
	if trimmed == "" {
		return ErrEmptyName
	}

	lock := s.lockFor(contentID)
	lock.Lock()
	defer lock.Unlock()

	item, err := s.GetContentMetadata(ctx, contentID)
	if err != nil {
		return err
	}

	if item.Metadata == nil {
		item.Metadata = JSONMap{}
	}
	item.Metadata["fileName"] = trimmed

	return s.db.WithContext(ctx).
		Model(&Item{}).
		Where("content_id = ?", contentID).
		Updates(map[string]any{"metadata": item.Metadata, "last_modified": time.Now()}).Error
}

// SetPinned updates the item's pin flag. Pinned items are excluded from
// retention eviction.
func (s *Store) SetPinned(ctx context.Context, contentID string, pinned bool) error {
	lock := s.lockFor(contentID)
	lock.Lock()
	defer lock.Unlock()

	res := s.db.WithContext(ctx).
		Model(&Item{}).
		Where("content_id = ?", contentID).
		Updates(map[string]any{"is_pinned": pinned, "last_modified": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrContentNotFound
	}
	return nil
}

// RemoveContent deletes an item's chunks and metadata. Idempotent: removing
// a missing item succeeds with no effect.
func (s *Store) RemoveContent(ctx context.Context, contentID string) error {
	lock := s.lockFor(contentID)
	lock.Lock()
	defer lock.Unlock()

	item, err := s.GetContentMetadata(ctx, contentID)
	if err != nil {
		if errors.Is(err, ErrContentNotFound) {
			return nil
		}
		return err
	}

	return s.deleteItem(ctx, item)
}

// deleteItem removes rows and on-disk payloads for one item. Callers hold
// the item's stripe lock.
func (s *Store) deleteItem(ctx context.Context, item *Item) error {
	if err := s.db.WithContext(ctx).
		Where("content_id = ?", item.ContentID).
		Delete(&Chunk{}).Error; err != nil {
		return fmt.Errorf("failed to delete chunk rows: %w", err)
	}
	if err := s.db.WithContext(ctx).
		Where("content_id = ?", item.ContentID).
		Delete(&Item{}).Error; err != nil {
		return fmt.Errorf("failed to delete item row: %w", err)
	}
	if err := os.RemoveAll(s.chunkDir(item.SessionID, item.ContentID)); err != nil {
		return fmt.Errorf("failed to delete chunk payloads: %w", err)
	}
	return nil
}

// StreamContent invokes sink for each chunk in ascending index order. The
// sink is awaited before advancing; a sink error aborts the stream.
func (s *Store) StreamContent(ctx context.Context, contentID string, sink func(payload []byte, meta ChunkMeta) error) error {
	item, err := s.GetContentMetadata(ctx, contentID)
	if err != nil {
		return err
	}

	for index := 0; index < item.TotalChunks; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var chunk Chunk
		err := s.db.WithContext(ctx).
			Where("content_id = ? AND chunk_index = ?", contentID, index).
			First(&chunk).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: chunk %d of %s", ErrChunkNotFound, index, contentID)
			}
			return err
		}

		payload, err := os.ReadFile(s.chunkPath(item.SessionID, contentID, index))
		if err != nil {
			return fmt.Errorf("failed to read chunk %d: %w", index, err)
		}

		meta := ChunkMeta{
			ContentID:   contentID,
			SessionID:   item.SessionID,
			ChunkIndex:  index,
			TotalChunks: item.TotalChunks,
			Size:        chunk.Size,
			IV:          chunk.IV,
		}
		if err := sink(payload, meta); err != nil {
			return err
		}
	}

	return nil
}

// CleanupOldContent evicts the oldest unpinned complete items until at most
// maxItems of them remain. Pinned and incomplete items are never evicted.
// Returns the IDs of removed items.
func (s *Store) CleanupOldContent(ctx context.Context, sessionID string, maxItems int) ([]string, error) {
	if maxItems < 0 {
		maxItems = 0
	}

	var evictable []*Item
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND is_complete = ? AND is_pinned = ?", sessionID, true, false).
		Order("created_at ASC").
		Find(&evictable).Error
	if err != nil {
		return nil, err
	}

	excess := len(evictable) - maxItems
	if excess <= 0 {
		return nil, nil
	}

	removed := make([]string, 0, excess)
	for _, item := range evictable[:excess] {
		lock := s.lockFor(item.ContentID)
		lock.Lock()
		err := s.deleteItem(ctx, item)
		lock.Unlock()
		if err != nil {
			return removed, err
		}
		removed = append(removed, item.ContentID)
	}

	logger.Info("retention eviction",
		logger.KeySessionID, sessionID,
		logger.KeyRemoved, len(removed),
	)

	return removed, nil
}

// CleanupAllSessionContent deletes every item in the session and drops its
// on-disk directory. Returns the IDs of removed items; a second call on an
// empty session returns an empty list.
func (s *Store) CleanupAllSessionContent(ctx context.Context, sessionID string) ([]string, error) {
	var items []*Item
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&items).Error; err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(items))
	for _, item := range items {
		lock := s.lockFor(item.ContentID)
		lock.Lock()
		err := s.deleteItem(ctx, item)
		lock.Unlock()
		if err != nil {
			return removed, err
		}
		removed = append(removed, item.ContentID)
	}

	if err := os.RemoveAll(filepath.Join(s.cfg.ChunkRoot, "sessions", sessionID)); err != nil {
		return removed, fmt.Errorf("failed to delete session directory: %w", err)
	}

	return removed, nil
}

// Healthcheck verifies the index database and chunk root are reachable.
func (s *Store) Healthcheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}
	if _, err := os.Stat(s.cfg.ChunkRoot); err != nil {
		return fmt.Errorf("chunk root unavailable: %w", err)
	}
	return nil
}

// Close closes the index database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
