package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marmos91/sharethings/internal/logger"
	"github.com/marmos91/sharethings/pkg/content"
	"github.com/marmos91/sharethings/pkg/metrics"
	"github.com/marmos91/sharethings/pkg/session"
	"github.com/marmos91/sharethings/pkg/transport"
)

// Sender is one connected client as seen by event handlers. Satisfied by
// *transport.Conn; tests substitute a fake.
type Sender interface {
	ID() string
	Emit(event string, payload any) error
	Ack(id string, data any) error
	Nack(id, errMsg string) error
}

// Fabric is the room-capable broadcast surface. Satisfied by *transport.Hub.
type Fabric interface {
	Emit(clientID, event string, payload any) error
	EmitRoom(room, event string, payload any, exclude ...string) (int, error)
	JoinRoom(room, clientID string)
	LeaveRoom(room, clientID string)
}

// Config contains relay tuning parameters.
type Config struct {
	// DefaultPageSize bounds list-content replies and the replay on join.
	DefaultPageSize int

	// MaxItemsPerSession is the retention cap enforced after completion.
	MaxItemsPerSession int
}

// Relay dispatches session and content events. It owns the per-connection
// join state; persistent state belongs to the registry and the store.
type Relay struct {
	registry *session.Registry
	store    *content.Store
	fabric   Fabric
	cfg      Config
	metrics  *metrics.RelayMetrics

	mu     sync.RWMutex
	joined map[string]string // clientID -> sessionID
}

// New creates a relay over the given registry, store, and fabric.
// m may be nil to disable instrumentation.
func New(registry *session.Registry, store *content.Store, fabric Fabric, cfg Config, m *metrics.RelayMetrics) *Relay {
	return &Relay{
		registry: registry,
		store:    store,
		fabric:   fabric,
		cfg:      cfg,
		metrics:  m,
		joined:   make(map[string]string),
	}
}

// Bind registers every event handler on the hub.
func (r *Relay) Bind(hub *transport.Hub) {
	bind := func(event string, fn func(Sender, transport.Message)) {
		hub.OnEvent(event, func(c *transport.Conn, msg transport.Message) {
			start := time.Now()
			fn(c, msg)
			r.metrics.ObserveEvent(event, nil, time.Since(start))
		})
	}

	bind(EventJoin, r.HandleJoin)
	bind(EventLeave, r.HandleLeave)
	bind(EventContent, r.HandleContent)
	bind(EventChunk, r.HandleChunk)
	bind(EventRename, r.HandleRename)
	bind(EventRemove, r.HandleRemove)
	bind(EventPin, r.HandlePin)
	bind(EventClearAll, r.HandleClearAll)
	bind(EventList, r.HandleList)
	bind(EventPing, r.HandlePing)

	hub.OnDisconnect(func(c *transport.Conn) {
		r.HandleDisconnect(c.ID())
	})
}

// JoinedSession returns the session the connection is currently joined to.
func (r *Relay) JoinedSession(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.joined[clientID]
	return s, ok
}

// authorize checks the (sessionId, clientId, token) triple for a
// content-plane event. Returns a client-facing error string on failure.
func (r *Relay) authorize(ctx context.Context, c Sender, sessionID, token string) string {
	joined, ok := r.JoinedSession(c.ID())
	if !ok || joined != sessionID {
		r.metrics.ObserveAuthFailure()
		return errNotInSession
	}
	if !r.registry.ValidateToken(c.ID(), token) {
		r.metrics.ObserveAuthFailure()
		return errInvalidSession
	}
	if !r.registry.Has(ctx, sessionID) {
		r.metrics.ObserveAuthFailure()
		return errSessionNotFound
	}

	// Authorized traffic counts as session activity.
	if err := r.registry.Touch(ctx, sessionID); err != nil {
		logger.Warn("failed to touch session",
			logger.KeySessionID, sessionID,
			logger.KeyError, err.Error(),
		)
	}
	return ""
}

// HandleJoin authenticates the client, adds it to the room, announces it,
// and replays existing complete content.
func (r *Relay) HandleJoin(c Sender, msg transport.Message) {
	ctx := context.Background()

	var p JoinPayload
	if err := msg.Decode(&p); err != nil {
		_ = c.Nack(msg.ID, errInternal)
		return
	}

	// Re-join from another session implies leaving it first.
	if prev, ok := r.JoinedSession(c.ID()); ok {
		r.leaveSession(c.ID(), prev)
	}

	fp := session.Fingerprint{IV: p.Fingerprint.IV, Data: p.Fingerprint.Data}
	token, err := r.registry.Join(ctx, p.SessionID, fp, c.ID(), p.ClientName)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidPassphrase):
			_ = c.Nack(msg.ID, errInvalidPassphrase)
		default:
			logger.Error("join failed",
				logger.KeySessionID, p.SessionID,
				logger.KeyClientID, c.ID(),
				logger.KeyError, err.Error(),
			)
			_ = c.Nack(msg.ID, errStorage)
		}
		return
	}

	r.mu.Lock()
	r.joined[c.ID()] = p.SessionID
	r.mu.Unlock()
	r.fabric.JoinRoom(p.SessionID, c.ID())

	r.updateGauges()

	logger.Info("client joined session",
		logger.KeySessionID, p.SessionID,
		logger.KeyClientID, c.ID(),
		logger.KeyClientName, p.ClientName,
	)

	_, _ = r.fabric.EmitRoom(p.SessionID, EventClientJoined, ClientJoinedPayload{
		SessionID:  p.SessionID,
		ClientID:   c.ID(),
		ClientName: p.ClientName,
	}, c.ID())
	r.metrics.ObserveBroadcast(EventClientJoined, false)

	_ = c.Ack(msg.ID, JoinResult{
		Token:   token,
		Clients: r.registry.Clients(p.SessionID),
	})

	r.replayContent(ctx, c, p.SessionID)
}

// replayContent sends every complete item's metadata to the joiner, with
// chunks for non-large items.
func (r *Relay) replayContent(ctx context.Context, c Sender, sessionID string) {
	items, _, err := r.store.ListContent(ctx, sessionID, r.cfg.DefaultPageSize, 0)
	if err != nil {
		logger.Error("replay listing failed",
			logger.KeySessionID, sessionID,
			logger.KeyError, err.Error(),
		)
		return
	}

	replayed := 0
	for _, item := range items {
		if !item.IsComplete {
			continue
		}

		if err := c.Emit(EventContent, ContentPayload{
			SessionID: sessionID,
			Content:   itemInfo(item),
		}); err != nil {
			return
		}
		replayed++

		if item.IsLargeFile {
			// Large items are fetched on demand over the download endpoint.
			continue
		}

		err := r.store.StreamContent(ctx, item.ContentID, func(payload []byte, meta content.ChunkMeta) error {
			return c.Emit(EventChunk, ChunkPayload{
				SessionID: sessionID,
				Chunk: ChunkInfo{
					ContentID:     meta.ContentID,
					ChunkIndex:    meta.ChunkIndex,
					TotalChunks:   meta.TotalChunks,
					EncryptedData: payload,
					IV:            meta.IV,
				},
			})
		})
		if err != nil {
			logger.Warn("chunk replay aborted",
				logger.KeySessionID, sessionID,
				logger.KeyContentID, item.ContentID,
				logger.KeyError, err.Error(),
			)
			return
		}
	}

	r.metrics.ObserveReplay(replayed)
}

// HandleLeave removes the client from its session and announces it.
func (r *Relay) HandleLeave(c Sender, msg transport.Message) {
	var p LeavePayload
	if err := msg.Decode(&p); err != nil {
		_ = c.Nack(msg.ID, errInternal)
		return
	}

	joined, ok := r.JoinedSession(c.ID())
	if !ok || joined != p.SessionID {
		_ = c.Nack(msg.ID, errNotInSession)
		return
	}

	r.leaveSession(c.ID(), p.SessionID)
	_ = c.Ack(msg.ID, nil)
}

// leaveSession drops membership, room, and token, and announces the leave.
func (r *Relay) leaveSession(clientID, sessionID string) {
	r.mu.Lock()
	delete(r.joined, clientID)
	r.mu.Unlock()

	r.registry.RemoveClient(sessionID, clientID)
	r.fabric.LeaveRoom(sessionID, clientID)

	_, _ = r.fabric.EmitRoom(sessionID, EventClientLeft, ClientLeftPayload{
		SessionID: sessionID,
		ClientID:  clientID,
	})

	r.updateGauges()

	logger.Info("client left session",
		logger.KeySessionID, sessionID,
		logger.KeyClientID, clientID,
	)
}

// HandleDisconnect handles a transport-level close as an implicit leave.
func (r *Relay) HandleDisconnect(clientID string) {
	if sessionID, ok := r.JoinedSession(clientID); ok {
		r.leaveSession(clientID, sessionID)
	}
}

// HandleContent persists inline single-chunk items and fans the metadata
// out to the room. Multi-chunk items are created lazily by the first chunk.
func (r *Relay) HandleContent(c Sender, msg transport.Message) {
	ctx := context.Background()

	var p ContentPayload
	if err := msg.Decode(&p); err != nil {
		_ = c.Nack(msg.ID, errInternal)
		return
	}
	if errMsg := r.authorize(ctx, c, p.SessionID, p.Token); errMsg != "" {
		_ = c.Nack(msg.ID, errMsg)
		return
	}

	senderName := r.clientName(p.SessionID, c.ID())

	if len(p.Data) == 0 {
		// Chunks follow separately. Record the item row now so the chunk
		// handler can apply the large-file policy before the total size is
		// derivable from chunks alone.
		totalChunks := p.Content.TotalChunks
		if totalChunks < 1 {
			totalChunks = 1
		}
		var encryptionIV []byte
		if p.Content.EncryptionMetadata != nil {
			encryptionIV = p.Content.EncryptionMetadata.IV
		}
		item := &content.Item{
			ContentID:    p.Content.ContentID,
			SessionID:    p.SessionID,
			SenderID:     c.ID(),
			SenderName:   senderName,
			ContentType:  content.ContentType(p.Content.ContentType),
			TotalChunks:  totalChunks,
			TotalSize:    p.Content.TotalSize,
			EncryptionIV: encryptionIV,
			Metadata:     p.Content.Metadata,
		}
		if err := r.store.SaveContent(ctx, item); err != nil {
			r.nackStoreError(c, msg.ID, EventContent, err)
			return
		}
	} else {
		// Inline data is a degenerate single-chunk item.
		meta := content.ChunkMeta{
			ContentID:    p.Content.ContentID,
			SessionID:    p.SessionID,
			ChunkIndex:   0,
			TotalChunks:  1,
			TotalSize:    p.Content.TotalSize,
			ContentType:  content.ContentType(p.Content.ContentType),
			SenderID:     c.ID(),
			SenderName:   senderName,
			Metadata:     p.Content.Metadata,
		}
		if p.Content.EncryptionMetadata != nil {
			meta.IV = p.Content.EncryptionMetadata.IV
			meta.EncryptionIV = p.Content.EncryptionMetadata.IV
		}
		if err := r.store.SaveChunk(ctx, p.Data, meta); err != nil {
			r.nackStoreError(c, msg.ID, EventContent, err)
			return
		}
		r.metrics.ObserveChunkStored(len(p.Data))
		if err := r.store.MarkContentComplete(ctx, p.Content.ContentID); err != nil {
			r.nackStoreError(c, msg.ID, EventContent, err)
			return
		}
		r.enforceRetention(ctx, p.SessionID)
	}

	stored, err := r.store.GetContentMetadata(ctx, p.Content.ContentID)
	if err != nil {
		r.nackStoreError(c, msg.ID, EventContent, err)
		return
	}

	out := ContentPayload{
		SessionID: p.SessionID,
		Content:   itemInfo(stored),
	}
	// Peers download large items on demand; never push the bytes.
	if len(p.Data) > 0 && !stored.IsLargeFile {
		out.Data = p.Data
	}
	_, _ = r.fabric.EmitRoom(p.SessionID, EventContent, out, c.ID())
	r.metrics.ObserveBroadcast(EventContent, false)

	_ = c.Ack(msg.ID, nil)
}

// HandleChunk persists one chunk, fans it out unless the item is a large
// file, and marks the item complete once all chunks are stored.
func (r *Relay) HandleChunk(c Sender, msg transport.Message) {
	ctx := context.Background()

	var p ChunkPayload
	if err := msg.Decode(&p); err != nil {
		_ = c.Nack(msg.ID, errInternal)
		return
	}
	if errMsg := r.authorize(ctx, c, p.SessionID, p.Token); errMsg != "" {
		_ = c.Nack(msg.ID, errMsg)
		return
	}

	meta := content.ChunkMeta{
		ContentID:   p.Chunk.ContentID,
		SessionID:   p.SessionID,
		ChunkIndex:  p.Chunk.ChunkIndex,
		TotalChunks: p.Chunk.TotalChunks,
		IV:          p.Chunk.IV,
		SenderID:    c.ID(),
	}
	if err := r.store.SaveChunk(ctx, p.Chunk.EncryptedData, meta); err != nil {
		r.nackStoreError(c, msg.ID, EventChunk, err)
		return
	}
	r.metrics.ObserveChunkStored(len(p.Chunk.EncryptedData))

	item, err := r.store.GetContentMetadata(ctx, p.Chunk.ContentID)
	if err != nil {
		r.nackStoreError(c, msg.ID, EventChunk, err)
		return
	}

	if !item.IsLargeFile {
		out := p
		out.Token = ""
		_, _ = r.fabric.EmitRoom(p.SessionID, EventChunk, out, c.ID())
		r.metrics.ObserveBroadcast(EventChunk, false)
	}

	count, err := r.store.CountChunks(ctx, p.Chunk.ContentID)
	if err == nil && count == item.TotalChunks && !item.IsComplete {
		if err := r.store.MarkContentComplete(ctx, p.Chunk.ContentID); err != nil {
			logger.Error("completion failed",
				logger.KeyContentID, p.Chunk.ContentID,
				logger.KeyError, err.Error(),
			)
		} else {
			r.enforceRetention(ctx, p.SessionID)
		}
	}

	_ = c.Ack(msg.ID, nil)
}

// enforceRetention evicts beyond-cap items and announces each eviction to
// the whole room.
func (r *Relay) enforceRetention(ctx context.Context, sessionID string) {
	removed, err := r.store.CleanupOldContent(ctx, sessionID, r.cfg.MaxItemsPerSession)
	if err != nil {
		logger.Error("retention cleanup failed",
			logger.KeySessionID, sessionID,
			logger.KeyError, err.Error(),
		)
		return
	}

	for _, contentID := range removed {
		_, _ = r.fabric.EmitRoom(sessionID, EventContentRemoved, ContentRemovedPayload{
			ContentID: contentID,
		})
	}
}

// HandleRename trims and applies a rename, then announces it to the whole
// room including the caller.
func (r *Relay) HandleRename(c Sender, msg transport.Message) {
	ctx := context.Background()

	var p RenamePayload
	if err := msg.Decode(&p); err != nil {
		_ = c.Nack(msg.ID, errInternal)
		return
	}
	if errMsg := r.authorize(ctx, c, p.SessionID, p.Token); errMsg != "" {
		_ = c.Nack(msg.ID, errMsg)
		return
	}

	if err := r.store.RenameContent(ctx, p.ContentID, p.NewName); err != nil {
		r.nackStoreError(c, msg.ID, EventRename, err)
		return
	}

	item, err := r.store.GetContentMetadata(ctx, p.ContentID)
	if err != nil {
		r.nackStoreError(c, msg.ID, EventRename, err)
		return
	}

	_, _ = r.fabric.EmitRoom(p.SessionID, EventContentRenamed, ContentRenamedPayload{
		ContentID:  p.ContentID,
		NewName:    item.FileName(),
		SenderID:   c.ID(),
		SenderName: r.clientName(p.SessionID, c.ID()),
	})

	_ = c.Ack(msg.ID, nil)
}

// HandleRemove deletes an item and announces the removal.
func (r *Relay) HandleRemove(c Sender, msg transport.Message) {
	ctx := context.Background()

	var p RemovePayload
	if err := msg.Decode(&p); err != nil {
		_ = c.Nack(msg.ID, errInternal)
		return
	}
	if errMsg := r.authorize(ctx, c, p.SessionID, p.Token); errMsg != "" {
		_ = c.Nack(msg.ID, errMsg)
		return
	}

	if err := r.store.RemoveContent(ctx, p.ContentID); err != nil {
		r.nackStoreError(c, msg.ID, EventRemove, err)
		return
	}

	_, _ = r.fabric.EmitRoom(p.SessionID, EventContentRemoved, ContentRemovedPayload{
		ContentID: p.ContentID,
	}, c.ID())

	_ = c.Ack(msg.ID, nil)
}

// HandlePin updates the pin flag and announces the change.
func (r *Relay) HandlePin(c Sender, msg transport.Message) {
	ctx := context.Background()

	var p PinPayload
	if err := msg.Decode(&p); err != nil {
		_ = c.Nack(msg.ID, errInternal)
		return
	}
	if errMsg := r.authorize(ctx, c, p.SessionID, p.Token); errMsg != "" {
		_ = c.Nack(msg.ID, errMsg)
		return
	}

	if err := r.store.SetPinned(ctx, p.ContentID, p.Pinned); err != nil {
		r.nackStoreError(c, msg.ID, EventPin, err)
		return
	}

	_, _ = r.fabric.EmitRoom(p.SessionID, EventContentPinned, ContentPinnedPayload{
		ContentID: p.ContentID,
		Pinned:    p.Pinned,
	}, c.ID())

	_ = c.Ack(msg.ID, nil)
}

// HandleClearAll wipes the session's content and announces it to the whole
// room including the caller.
func (r *Relay) HandleClearAll(c Sender, msg transport.Message) {
	ctx := context.Background()

	var p ClearAllPayload
	if err := msg.Decode(&p); err != nil {
		_ = c.Nack(msg.ID, errInternal)
		return
	}
	if errMsg := r.authorize(ctx, c, p.SessionID, p.Token); errMsg != "" {
		_ = c.Nack(msg.ID, errMsg)
		return
	}

	removed, err := r.store.CleanupAllSessionContent(ctx, p.SessionID)
	if err != nil {
		r.nackStoreError(c, msg.ID, EventClearAll, err)
		return
	}

	logger.Info("session content cleared",
		logger.KeySessionID, p.SessionID,
		logger.KeyClientID, c.ID(),
		logger.KeyRemoved, len(removed),
	)

	_, _ = r.fabric.EmitRoom(p.SessionID, EventAllContentCleared, AllContentClearedPayload{
		SessionID: p.SessionID,
		ClearedBy: c.ID(),
	})

	_ = c.Ack(msg.ID, map[string]any{"removed": removed})
}

// HandleList replies to the caller with one page of the session's items.
func (r *Relay) HandleList(c Sender, msg transport.Message) {
	ctx := context.Background()

	var p ListPayload
	if err := msg.Decode(&p); err != nil {
		_ = c.Nack(msg.ID, errInternal)
		return
	}
	if errMsg := r.authorize(ctx, c, p.SessionID, p.Token); errMsg != "" {
		_ = c.Nack(msg.ID, errMsg)
		return
	}

	limit := p.Limit
	if limit <= 0 {
		limit = r.cfg.DefaultPageSize
	}

	items, total, err := r.store.ListContent(ctx, p.SessionID, limit, p.Offset)
	if err != nil {
		r.nackStoreError(c, msg.ID, EventList, err)
		return
	}

	infos := make([]ContentInfo, 0, len(items))
	for _, item := range items {
		infos = append(infos, itemInfo(item))
	}

	_ = c.Ack(msg.ID, ListResult{
		Items:      infos,
		TotalCount: total,
		HasMore:    int64(p.Offset+len(items)) < total,
	})
}

// HandlePing answers a session-validity probe and refreshes activity.
func (r *Relay) HandlePing(c Sender, msg transport.Message) {
	ctx := context.Background()

	var p PingPayload
	if err := msg.Decode(&p); err != nil {
		_ = c.Nack(msg.ID, errInternal)
		return
	}

	joined, ok := r.JoinedSession(c.ID())
	if !ok || joined != p.SessionID {
		_ = c.Ack(msg.ID, PingResult{Valid: false, Error: errNotInSession})
		return
	}
	if !r.registry.Has(ctx, p.SessionID) {
		_ = c.Ack(msg.ID, PingResult{Valid: false, Error: errSessionNotFound})
		return
	}

	if err := r.registry.Touch(ctx, p.SessionID); err != nil {
		logger.Warn("failed to touch session",
			logger.KeySessionID, p.SessionID,
			logger.KeyError, err.Error(),
		)
	}

	_ = c.Ack(msg.ID, PingResult{Valid: true})
}

// NotifySessionExpired pushes the expiry event to each member, drops their
// room membership, and wipes the session's stored content so a rejoin under
// the same name starts empty. Wired as the expirer's notifier.
func (r *Relay) NotifySessionExpired(sessionID string, memberIDs []string) {
	payload := SessionExpiredPayload{
		SessionID: sessionID,
		Message:   "Session expired due to inactivity",
	}

	for _, clientID := range memberIDs {
		_ = r.fabric.Emit(clientID, EventSessionExpired, payload)
		r.fabric.LeaveRoom(sessionID, clientID)

		r.mu.Lock()
		delete(r.joined, clientID)
		r.mu.Unlock()
	}

	removed, err := r.store.CleanupAllSessionContent(context.Background(), sessionID)
	if err != nil {
		logger.Error("expired session content cleanup failed",
			logger.KeySessionID, sessionID,
			logger.KeyError, err.Error(),
		)
	} else if len(removed) > 0 {
		logger.Info("expired session content removed",
			logger.KeySessionID, sessionID,
			logger.KeyRemoved, len(removed),
		)
	}

	r.updateGauges()
}

// clientName resolves a member's display name from the roster.
func (r *Relay) clientName(sessionID, clientID string) string {
	for _, client := range r.registry.Clients(sessionID) {
		if client.ClientID == clientID {
			return client.ClientName
		}
	}
	return ""
}

// nackStoreError maps store errors to client-facing ack strings.
func (r *Relay) nackStoreError(c Sender, msgID, event string, err error) {
	logger.Error("store operation failed",
		logger.KeyClientID, c.ID(),
		logger.KeyEvent, event,
		logger.KeyError, err.Error(),
	)

	switch {
	case errors.Is(err, content.ErrContentNotFound), errors.Is(err, content.ErrChunkNotFound):
		_ = c.Nack(msgID, errContentNotFound)
	case errors.Is(err, content.ErrEmptyName):
		_ = c.Nack(msgID, errEmptyName)
	case errors.Is(err, content.ErrChunkConflict), errors.Is(err, content.ErrIncomplete):
		_ = c.Nack(msgID, errStorage)
	default:
		_ = c.Nack(msgID, errStorage)
	}
}

// updateGauges refreshes the session and client gauges.
func (r *Relay) updateGauges() {
	r.metrics.SetActiveSessions(r.registry.ActiveSessions())
	r.metrics.SetConnectedClients(r.registry.ConnectedClients())
}
