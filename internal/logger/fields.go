package logger

import "log/slog"

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that session and
// content activity can be correlated during log aggregation and querying.
const (
	// Session & client identity
	KeySessionID  = "session_id"  // Session identifier (client-chosen room ID)
	KeyClientID   = "client_id"   // Connection identity assigned by the transport
	KeyClientName = "client_name" // Free-form display name of the client
	KeyClientIP   = "client_ip"   // Client IP address

	// Events
	KeyEvent    = "event"     // Inbound or outbound event name (join, chunk, ...)
	KeySenderID = "sender_id" // Originating client of a broadcast

	// Content
	KeyContentID   = "content_id"   // Content item identifier within a session
	KeyContentType = "content_type" // text, image, file, other
	KeyChunkIndex  = "chunk_index"  // Chunk index within a content item
	KeyTotalChunks = "total_chunks" // Declared chunk count of a content item
	KeySize        = "size"         // Byte size (chunk or total)
	KeyLargeFile   = "large_file"   // Large-file policy flag

	// Operation metadata
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyRemoved    = "removed"     // Number of items removed by cleanup/eviction
	KeyCount      = "count"       // Generic count field
)

// Field constructors for type safety.

// SessionID returns a slog.Attr for a session identifier
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// ClientID returns a slog.Attr for a connection identity
func ClientID(id string) slog.Attr {
	return slog.String(KeyClientID, id)
}

// ClientName returns a slog.Attr for a client display name
func ClientName(name string) slog.Attr {
	return slog.String(KeyClientName, name)
}

// Event returns a slog.Attr for an event name
func Event(name string) slog.Attr {
	return slog.String(KeyEvent, name)
}

// ContentID returns a slog.Attr for a content identifier
func ContentID(id string) slog.Attr {
	return slog.String(KeyContentID, id)
}

// ChunkIndex returns a slog.Attr for a chunk index
func ChunkIndex(i int) slog.Attr {
	return slog.Int(KeyChunkIndex, i)
}

// Size returns a slog.Attr for a byte size
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
