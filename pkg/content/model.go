// Package content implements the chunked content store: a per-session,
// append-once store of encrypted chunks with a SQLite index and on-disk
// payloads.
//
// The server never sees plaintext. Chunk payloads and item metadata are
// opaque ciphertext and opaque JSON respectively; the store only tracks
// structure (indexes, sizes, completion, pinning) needed for relay, replay,
// pagination, and retention.
package content

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for content operations.
var (
	// ErrContentNotFound is returned when a content item does not exist.
	ErrContentNotFound = errors.New("content not found")

	// ErrChunkNotFound is returned when a chunk row or payload is missing.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrChunkConflict is returned when a chunk write conflicts with an
	// existing row: a byte-different duplicate, an out-of-range index, or a
	// totalChunks value inconsistent with the stored item.
	ErrChunkConflict = errors.New("chunk conflict")

	// ErrEmptyName is returned when a rename target is empty after trimming.
	ErrEmptyName = errors.New("name cannot be empty")

	// ErrIncomplete is returned when completion is requested before every
	// chunk has been written.
	ErrIncomplete = errors.New("content incomplete")
)

// ContentType classifies a content item. The server treats it as an opaque
// label; clients use it to decide how to present the decrypted payload.
type ContentType string

const (
	TypeText  ContentType = "text"
	TypeImage ContentType = "image"
	TypeFile  ContentType = "file"
	TypeOther ContentType = "other"
)

// JSONMap is a free-form JSON object stored as a serialized blob. It carries
// client-provided metadata (fileName, mimeType, image dimensions, ...) that
// the server passes through without interpretation, except for fileName
// updates on rename.
type JSONMap map[string]any

// Value implements driver.Valuer for GORM.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for GORM.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
}

// Item is a content item's index row. Chunk payloads live on disk; the row
// tracks structure and policy flags.
type Item struct {
	ContentID    string      `gorm:"primaryKey;size:255" json:"content_id"`
	SessionID    string      `gorm:"index:idx_content_session_created,priority:1;not null;size:255" json:"session_id"`
	SenderID     string      `gorm:"size:255" json:"sender_id"`
	SenderName   string      `gorm:"size:255" json:"sender_name"`
	ContentType  ContentType `gorm:"size:32" json:"content_type"`
	TotalChunks  int         `gorm:"not null" json:"total_chunks"`
	TotalSize    int64       `gorm:"not null" json:"total_size"`
	CreatedAt    time.Time   `gorm:"index:idx_content_session_created,priority:2,sort:desc" json:"created_at"`
	LastModified time.Time   `json:"last_modified"`
	EncryptionIV []byte      `json:"-"`
	Metadata     JSONMap     `gorm:"type:blob" json:"metadata,omitempty"`
	IsComplete   bool        `gorm:"default:false" json:"is_complete"`
	IsPinned     bool        `gorm:"default:false" json:"is_pinned"`
	IsLargeFile  bool        `gorm:"default:false" json:"is_large_file"`
}

// TableName returns the table name for Item.
func (Item) TableName() string {
	return "content_items"
}

// FileName returns the client-provided file name from the metadata blob.
func (i *Item) FileName() string {
	if i.Metadata == nil {
		return ""
	}
	name, _ := i.Metadata["fileName"].(string)
	return name
}

// MimeType returns the client-provided MIME type from the metadata blob.
func (i *Item) MimeType() string {
	if i.Metadata == nil {
		return ""
	}
	mime, _ := i.Metadata["mimeType"].(string)
	return mime
}

// Chunk is a chunk's index row. The payload is stored on disk under
// <root>/sessions/<sessionID>/<contentID>/<chunkIndex>.bin.
type Chunk struct {
	ContentID  string `gorm:"primaryKey;size:255" json:"content_id"`
	ChunkIndex int    `gorm:"primaryKey" json:"chunk_index"`
	SessionID  string `gorm:"index;not null;size:255" json:"session_id"`
	Size       int    `gorm:"not null" json:"size"`
	IV         []byte `json:"-"`
	CreatedAt  time.Time
}

// TableName returns the table name for Chunk.
func (Chunk) TableName() string {
	return "content_chunks"
}

// ChunkMeta describes one chunk write or one streamed chunk.
//
// On the first chunk of an unknown contentID the item row is created lazily
// from these fields, so publishers that stream chunks without a preceding
// metadata event still produce a well-formed item.
type ChunkMeta struct {
	ContentID   string
	SessionID   string
	ChunkIndex  int
	TotalChunks int
	Size        int
	IV          []byte

	// Item-level fields, used only for lazy item creation.
	TotalSize    int64
	ContentType  ContentType
	SenderID     string
	SenderName   string
	EncryptionIV []byte
	Metadata     JSONMap
}
