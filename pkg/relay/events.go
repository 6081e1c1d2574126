// Package relay implements the event dispatcher between client connections
// and the session and content stores: join/leave lifecycle, content and
// chunk fan-out, replay on join, per-event authorization, and the
// large-file policy.
package relay

import (
	"github.com/marmos91/sharethings/pkg/content"
	"github.com/marmos91/sharethings/pkg/session"
)

// Inbound event names.
const (
	EventJoin       = "join"
	EventLeave      = "leave"
	EventContent    = "content"
	EventChunk      = "chunk"
	EventRename     = "rename-content"
	EventRemove     = "remove-content"
	EventPin        = "pin-content"
	EventClearAll   = "clear-all-content"
	EventList       = "list-content"
	EventPing       = "ping"
)

// Outbound event names.
const (
	EventClientJoined      = "client-joined"
	EventClientLeft        = "client-left"
	EventContentRenamed    = "content-renamed"
	EventContentRemoved    = "content-removed"
	EventContentPinned     = "content-pinned"
	EventAllContentCleared = "all-content-cleared"
	EventSessionExpired    = "session-expired"
)

// Client-facing error strings carried in failed acks.
const (
	errInvalidPassphrase = "Invalid passphrase"
	errSessionNotFound   = "Session not found"
	errNotInSession      = "Not in session"
	errInvalidSession    = "Invalid session"
	errContentNotFound   = "Content not found"
	errEmptyName         = "Name cannot be empty"
	errStorage           = "Storage error"
	errInternal          = "Internal error"
)

// FingerprintPayload is the zero-knowledge passphrase proof presented on
// join. Byte slices ride JSON as base64.
type FingerprintPayload struct {
	IV   []byte `json:"iv"`
	Data []byte `json:"data"`
}

// JoinPayload is the inbound join request.
type JoinPayload struct {
	SessionID   string             `json:"sessionId"`
	ClientName  string             `json:"clientName"`
	Fingerprint FingerprintPayload `json:"fingerprint"`
}

// JoinResult is the join ack data: the issued token and the current roster.
type JoinResult struct {
	Token   string           `json:"token"`
	Clients []session.Client `json:"clients"`
}

// LeavePayload is the inbound leave request.
type LeavePayload struct {
	SessionID string `json:"sessionId"`
}

// ClientJoinedPayload announces a new room member to the others.
type ClientJoinedPayload struct {
	SessionID  string `json:"sessionId"`
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
}

// ClientLeftPayload announces a departed room member.
type ClientLeftPayload struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

// EncryptionMetadata carries the item-level IV, opaque to the server.
type EncryptionMetadata struct {
	IV []byte `json:"iv"`
}

// ContentInfo is the wire form of a content item's metadata.
type ContentInfo struct {
	ContentID          string              `json:"contentId"`
	SenderID           string              `json:"senderId"`
	SenderName         string              `json:"senderName"`
	ContentType        string              `json:"contentType"`
	Timestamp          int64               `json:"timestamp"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
	IsChunked          bool                `json:"isChunked"`
	TotalChunks        int                 `json:"totalChunks,omitempty"`
	TotalSize          int64               `json:"totalSize"`
	IsComplete         bool                `json:"isComplete"`
	IsPinned           bool                `json:"isPinned"`
	IsLargeFile        bool                `json:"isLargeFile"`
	EncryptionMetadata *EncryptionMetadata `json:"encryptionMetadata,omitempty"`
}

// ContentPayload carries content metadata, optionally with inline data for
// single-chunk items.
type ContentPayload struct {
	SessionID string      `json:"sessionId"`
	Content   ContentInfo `json:"content"`
	Data      []byte      `json:"data,omitempty"`
	Token     string      `json:"token"`
}

// ChunkInfo is one encrypted chunk on the wire.
type ChunkInfo struct {
	ContentID     string `json:"contentId"`
	ChunkIndex    int    `json:"chunkIndex"`
	TotalChunks   int    `json:"totalChunks"`
	EncryptedData []byte `json:"encryptedData"`
	IV            []byte `json:"iv"`
}

// ChunkPayload is the inbound chunk event.
type ChunkPayload struct {
	SessionID string    `json:"sessionId"`
	Chunk     ChunkInfo `json:"chunk"`
	Token     string    `json:"token"`
}

// RenamePayload is the inbound rename request.
type RenamePayload struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
	NewName   string `json:"newName"`
	Token     string `json:"token"`
}

// ContentRenamedPayload announces a rename to the whole room.
type ContentRenamedPayload struct {
	ContentID  string `json:"contentId"`
	NewName    string `json:"newName"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

// RemovePayload is the inbound remove request.
type RemovePayload struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
	Token     string `json:"token"`
}

// ContentRemovedPayload announces a removed item.
type ContentRemovedPayload struct {
	ContentID string `json:"contentId"`
}

// PinPayload is the inbound pin/unpin request.
type PinPayload struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
	Pinned    bool   `json:"pinned"`
	Token     string `json:"token"`
}

// ContentPinnedPayload announces a pin state change.
type ContentPinnedPayload struct {
	ContentID string `json:"contentId"`
	Pinned    bool   `json:"pinned"`
}

// ClearAllPayload is the inbound clear-all request.
type ClearAllPayload struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

// AllContentClearedPayload announces a session-wide wipe to the whole room.
type AllContentClearedPayload struct {
	SessionID string `json:"sessionId"`
	ClearedBy string `json:"clearedBy"`
}

// ListPayload is the inbound paginated listing request.
type ListPayload struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
	Token     string `json:"token"`
}

// ListResult is the listing ack data.
type ListResult struct {
	Items      []ContentInfo `json:"items"`
	TotalCount int64         `json:"totalCount"`
	HasMore    bool          `json:"hasMore"`
}

// PingPayload is the inbound session-validity probe.
type PingPayload struct {
	SessionID string `json:"sessionId"`
}

// PingResult is the probe ack data.
type PingResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// SessionExpiredPayload notifies members their session timed out.
type SessionExpiredPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// itemInfo converts a stored item to its wire form.
func itemInfo(item *content.Item) ContentInfo {
	info := ContentInfo{
		ContentID:   item.ContentID,
		SenderID:    item.SenderID,
		SenderName:  item.SenderName,
		ContentType: string(item.ContentType),
		Timestamp:   item.CreatedAt.UnixMilli(),
		Metadata:    item.Metadata,
		IsChunked:   item.TotalChunks > 1,
		TotalChunks: item.TotalChunks,
		TotalSize:   item.TotalSize,
		IsComplete:  item.IsComplete,
		IsPinned:    item.IsPinned,
		IsLargeFile: item.IsLargeFile,
	}
	if len(item.EncryptionIV) > 0 {
		info.EncryptionMetadata = &EncryptionMetadata{IV: item.EncryptionIV}
	}
	return info
}
