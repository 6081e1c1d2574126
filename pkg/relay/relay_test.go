package relay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sharethings/pkg/content"
	"github.com/marmos91/sharethings/pkg/session"
	"github.com/marmos91/sharethings/pkg/transport"
)

type emitRec struct {
	event   string
	payload any
}

type ackRec struct {
	id   string
	data any
}

type nackRec struct {
	id     string
	errMsg string
}

// fakeSender records everything the relay sends to one client.
type fakeSender struct {
	id string

	mu      sync.Mutex
	emitted []emitRec
	acks    []ackRec
	nacks   []nackRec
}

func (f *fakeSender) ID() string { return f.id }

func (f *fakeSender) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, emitRec{event, payload})
	return nil
}

func (f *fakeSender) Ack(id string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ackRec{id, data})
	return nil
}

func (f *fakeSender) Nack(id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, nackRec{id, errMsg})
	return nil
}

func (f *fakeSender) lastAck(t *testing.T) ackRec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.acks, "expected an ack")
	return f.acks[len(f.acks)-1]
}

func (f *fakeSender) lastNack(t *testing.T) nackRec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.nacks, "expected a nack")
	return f.nacks[len(f.nacks)-1]
}

func (f *fakeSender) eventsNamed(event string) []emitRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitRec
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type broadcastRec struct {
	room    string
	event   string
	payload any
	exclude []string
}

// fakeFabric records room membership and every broadcast.
type fakeFabric struct {
	mu         sync.Mutex
	rooms      map[string]map[string]bool
	direct     map[string][]emitRec
	broadcasts []broadcastRec
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{
		rooms:  make(map[string]map[string]bool),
		direct: make(map[string][]emitRec),
	}
}

func (f *fakeFabric) Emit(clientID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct[clientID] = append(f.direct[clientID], emitRec{event, payload})
	return nil
}

func (f *fakeFabric) EmitRoom(room, event string, payload any, exclude ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastRec{room, event, payload, exclude})
	return len(f.rooms[room]) - len(exclude), nil
}

func (f *fakeFabric) JoinRoom(room, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[room] == nil {
		f.rooms[room] = make(map[string]bool)
	}
	f.rooms[room][clientID] = true
}

func (f *fakeFabric) LeaveRoom(room, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms[room], clientID)
}

func (f *fakeFabric) broadcastsNamed(event string) []broadcastRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcastRec
	for _, b := range f.broadcasts {
		if b.event == event {
			out = append(out, b)
		}
	}
	return out
}

func fingerprintFor(passphrase string) FingerprintPayload {
	sum := sha256.Sum256([]byte(passphrase))
	return FingerprintPayload{IV: sum[:16], Data: sum[16:]}
}

func mustMsg(t *testing.T, event, id string, payload any) transport.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return transport.Message{Event: event, ID: id, Payload: raw}
}

type testEnv struct {
	relay    *Relay
	registry *session.Registry
	store    *content.Store
	fabric   *fakeFabric
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	sessStore, err := session.NewStore(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessStore.Close() })
	registry := session.NewRegistry(sessStore, 10*time.Minute)

	store, err := content.NewStore(content.Config{
		DBPath:             filepath.Join(dir, "content.db"),
		ChunkRoot:          dir,
		LargeFileThreshold: 1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fabric := newFakeFabric()
	r := New(registry, store, fabric, Config{DefaultPageSize: 50, MaxItemsPerSession: 100}, nil)
	return &testEnv{relay: r, registry: registry, store: store, fabric: fabric}
}

// join runs a join handshake and returns the sender and its token.
func (e *testEnv) join(t *testing.T, clientID, name, sessionID, passphrase string) (*fakeSender, string) {
	t.Helper()
	c := &fakeSender{id: clientID}
	e.relay.HandleJoin(c, mustMsg(t, EventJoin, "j-"+clientID, JoinPayload{
		SessionID:   sessionID,
		ClientName:  name,
		Fingerprint: fingerprintFor(passphrase),
	}))
	ack := c.lastAck(t)
	result, ok := ack.data.(JoinResult)
	require.True(t, ok, "join ack must carry a JoinResult")
	return c, result.Token
}

func TestJoin_AckRosterAndBroadcast(t *testing.T) {
	e := newTestEnv(t)

	_, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	assert.Len(t, tokenA, 64)

	b, _ := e.join(t, "cb", "bob", "s1", "secret")
	ack := b.lastAck(t)
	result := ack.data.(JoinResult)
	assert.Len(t, result.Clients, 2)

	// The second join announces bob to the room, excluding bob.
	joins := e.fabric.broadcastsNamed(EventClientJoined)
	require.Len(t, joins, 2)
	last := joins[1]
	assert.Equal(t, "s1", last.room)
	assert.Equal(t, []string{"cb"}, last.exclude)
	payload := last.payload.(ClientJoinedPayload)
	assert.Equal(t, "bob", payload.ClientName)
}

func TestJoin_WrongPassphrase(t *testing.T) {
	e := newTestEnv(t)
	e.join(t, "ca", "alice", "s1", "secret")

	c := &fakeSender{id: "cm"}
	e.relay.HandleJoin(c, mustMsg(t, EventJoin, "j1", JoinPayload{
		SessionID:   "s1",
		ClientName:  "mallory",
		Fingerprint: fingerprintFor("wrong"),
	}))

	assert.Equal(t, errInvalidPassphrase, c.lastNack(t).errMsg)
	_, joined := e.relay.JoinedSession("cm")
	assert.False(t, joined)
	assert.Len(t, e.registry.Clients("s1"), 1)
}

func publishText(t *testing.T, e *testEnv, c *fakeSender, token, sessionID, contentID string, data []byte) {
	t.Helper()
	e.relay.HandleContent(c, mustMsg(t, EventContent, "ct-"+contentID, ContentPayload{
		SessionID: sessionID,
		Token:     token,
		Content: ContentInfo{
			ContentID:   contentID,
			SenderName:  "alice",
			ContentType: "text",
			TotalChunks: 1,
			TotalSize:   int64(len(data)),
		},
		Data: data,
	}))
	ack := c.lastAck(t)
	require.Equal(t, "ct-"+contentID, ack.id)
}

func TestPublishText_PersistsAndBroadcasts(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	e.join(t, "cb", "bob", "s1", "secret")

	data := []byte("Hello, world!")
	publishText(t, e, a, tokenA, "s1", "c1", data)

	// The room saw the content with inline data, sender excluded.
	casts := e.fabric.broadcastsNamed(EventContent)
	require.Len(t, casts, 1)
	assert.Equal(t, []string{"ca"}, casts[0].exclude)
	out := casts[0].payload.(ContentPayload)
	assert.Equal(t, data, out.Data)
	assert.Empty(t, out.Token)
	assert.Equal(t, "ca", out.Content.SenderID)

	// The item is stored complete.
	item, err := e.store.GetContentMetadata(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, item.IsComplete)

	stored, err := e.store.GetChunk(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestContentReannounce_PreservesCompletionAndPin(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	e.join(t, "cb", "bob", "s1", "secret")

	data := []byte("hello")
	publishText(t, e, a, tokenA, "s1", "c1", data)
	e.relay.HandlePin(a, mustMsg(t, EventPin, "p1", PinPayload{
		SessionID: "s1", ContentID: "c1", Pinned: true, Token: tokenA,
	}))

	// A retry after a dropped ack re-sends the metadata without data.
	e.relay.HandleContent(a, mustMsg(t, EventContent, "ct-retry", ContentPayload{
		SessionID: "s1",
		Token:     tokenA,
		Content: ContentInfo{
			ContentID:   "c1",
			SenderName:  "alice",
			ContentType: "text",
			TotalChunks: 1,
			TotalSize:   int64(len(data)),
		},
	}))
	assert.Equal(t, "ct-retry", a.lastAck(t).id)

	item, err := e.store.GetContentMetadata(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, item.IsComplete, "completion is monotone")
	assert.True(t, item.IsPinned)

	// Peers see the stored state, not the client's stale view.
	casts := e.fabric.broadcastsNamed(EventContent)
	require.Len(t, casts, 2)
	out := casts[1].payload.(ContentPayload)
	assert.True(t, out.Content.IsComplete)
	assert.True(t, out.Content.IsPinned)
	assert.Empty(t, out.Data)

	// The item still replays to a late joiner.
	c, _ := e.join(t, "cc", "carol", "s1", "secret")
	contents := c.eventsNamed(EventContent)
	require.Len(t, contents, 1)
	assert.Equal(t, "c1", contents[0].payload.(ContentPayload).Content.ContentID)
}

func TestChunkedPublish_BroadcastsAndCompletes(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	e.join(t, "cb", "bob", "s1", "secret")

	for i := 0; i < 3; i++ {
		e.relay.HandleChunk(a, mustMsg(t, EventChunk, "", ChunkPayload{
			SessionID: "s1",
			Token:     tokenA,
			Chunk: ChunkInfo{
				ContentID:     "c1",
				ChunkIndex:    i,
				TotalChunks:   3,
				EncryptedData: bytes.Repeat([]byte{byte(i)}, 4),
				IV:            []byte{9},
			},
		}))
	}

	casts := e.fabric.broadcastsNamed(EventChunk)
	require.Len(t, casts, 3)
	for i, cast := range casts {
		out := cast.payload.(ChunkPayload)
		assert.Equal(t, i, out.Chunk.ChunkIndex)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 4), out.Chunk.EncryptedData)
		assert.Empty(t, out.Token)
	}

	item, err := e.store.GetContentMetadata(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, item.IsComplete)
}

func TestLargeFile_NoChunkBroadcast(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	e.join(t, "cb", "bob", "s1", "secret")

	// Announce a large item (threshold in tests is 1 MiB).
	e.relay.HandleContent(a, mustMsg(t, EventContent, "ct1", ContentPayload{
		SessionID: "s1",
		Token:     tokenA,
		Content: ContentInfo{
			ContentID:   "big",
			ContentType: "file",
			TotalChunks: 4,
			TotalSize:   2 << 20,
		},
	}))

	casts := e.fabric.broadcastsNamed(EventContent)
	require.Len(t, casts, 1)
	out := casts[0].payload.(ContentPayload)
	assert.True(t, out.Content.IsLargeFile)
	assert.Empty(t, out.Data)

	total := 0
	for i := 0; i < 4; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 1024)
		total += len(payload)
		e.relay.HandleChunk(a, mustMsg(t, EventChunk, "", ChunkPayload{
			SessionID: "s1",
			Token:     tokenA,
			Chunk: ChunkInfo{
				ContentID:     "big",
				ChunkIndex:    i,
				TotalChunks:   4,
				EncryptedData: payload,
			},
		}))
	}

	assert.Empty(t, e.fabric.broadcastsNamed(EventChunk), "large-file chunks must not be broadcast")

	item, err := e.store.GetContentMetadata(context.Background(), "big")
	require.NoError(t, err)
	assert.True(t, item.IsComplete)

	// All bytes are durable and streamable in order.
	streamed := 0
	err = e.store.StreamContent(context.Background(), "big", func(payload []byte, meta content.ChunkMeta) error {
		streamed += len(payload)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, total, streamed)
}

func TestAuthorization(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")

	// Wrong token.
	e.relay.HandleChunk(a, mustMsg(t, EventChunk, "m1", ChunkPayload{
		SessionID: "s1",
		Token:     "deadbeef",
		Chunk:     ChunkInfo{ContentID: "c1", ChunkIndex: 0, TotalChunks: 1, EncryptedData: []byte("x")},
	}))
	assert.Equal(t, errInvalidSession, a.lastNack(t).errMsg)

	// Not joined at all.
	stranger := &fakeSender{id: "cs"}
	e.relay.HandleChunk(stranger, mustMsg(t, EventChunk, "m2", ChunkPayload{
		SessionID: "s1",
		Token:     tokenA,
		Chunk:     ChunkInfo{ContentID: "c1", ChunkIndex: 0, TotalChunks: 1, EncryptedData: []byte("x")},
	}))
	assert.Equal(t, errNotInSession, stranger.lastNack(t).errMsg)

	// Joined to a different session than the one referenced.
	b, tokenB := e.join(t, "cb", "bob", "s2", "other")
	e.relay.HandleChunk(b, mustMsg(t, EventChunk, "m3", ChunkPayload{
		SessionID: "s1",
		Token:     tokenB,
		Chunk:     ChunkInfo{ContentID: "c1", ChunkIndex: 0, TotalChunks: 1, EncryptedData: []byte("x")},
	}))
	assert.Equal(t, errNotInSession, b.lastNack(t).errMsg)
}

func TestRename_TrimAndInclusiveBroadcast(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	b, tokenB := e.join(t, "cb", "bob", "s1", "secret")

	publishText(t, e, a, tokenA, "s1", "c1", []byte("hi"))

	e.relay.HandleRename(b, mustMsg(t, EventRename, "r1", RenamePayload{
		SessionID: "s1",
		ContentID: "c1",
		NewName:   "  notes.txt  ",
		Token:     tokenB,
	}))
	assert.Equal(t, "r1", b.lastAck(t).id)

	casts := e.fabric.broadcastsNamed(EventContentRenamed)
	require.Len(t, casts, 1)
	assert.Empty(t, casts[0].exclude, "rename broadcast includes the sender")
	out := casts[0].payload.(ContentRenamedPayload)
	assert.Equal(t, "notes.txt", out.NewName)
	assert.Equal(t, "cb", out.SenderID)
	assert.Equal(t, "bob", out.SenderName)

	item, err := e.store.GetContentMetadata(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", item.FileName())
}

func TestRename_Errors(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	publishText(t, e, a, tokenA, "s1", "c1", []byte("hi"))

	e.relay.HandleRename(a, mustMsg(t, EventRename, "r1", RenamePayload{
		SessionID: "s1", ContentID: "c1", NewName: "   ", Token: tokenA,
	}))
	assert.Equal(t, errEmptyName, a.lastNack(t).errMsg)

	e.relay.HandleRename(a, mustMsg(t, EventRename, "r2", RenamePayload{
		SessionID: "s1", ContentID: "missing", NewName: "x", Token: tokenA,
	}))
	assert.Equal(t, errContentNotFound, a.lastNack(t).errMsg)
}

func TestPinAndRemove(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	publishText(t, e, a, tokenA, "s1", "c1", []byte("hi"))

	e.relay.HandlePin(a, mustMsg(t, EventPin, "p1", PinPayload{
		SessionID: "s1", ContentID: "c1", Pinned: true, Token: tokenA,
	}))
	assert.Equal(t, "p1", a.lastAck(t).id)

	pins := e.fabric.broadcastsNamed(EventContentPinned)
	require.Len(t, pins, 1)
	assert.True(t, pins[0].payload.(ContentPinnedPayload).Pinned)

	e.relay.HandleRemove(a, mustMsg(t, EventRemove, "d1", RemovePayload{
		SessionID: "s1", ContentID: "c1", Token: tokenA,
	}))
	assert.Equal(t, "d1", a.lastAck(t).id)

	removes := e.fabric.broadcastsNamed(EventContentRemoved)
	require.Len(t, removes, 1)
	assert.Equal(t, "c1", removes[0].payload.(ContentRemovedPayload).ContentID)

	_, err := e.store.GetContentMetadata(context.Background(), "c1")
	assert.ErrorIs(t, err, content.ErrContentNotFound)
}

func TestClearAll_InclusiveAndIdempotent(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	for _, id := range []string{"c1", "c2", "c3"} {
		publishText(t, e, a, tokenA, "s1", id, []byte("hi"))
	}

	e.relay.HandleClearAll(a, mustMsg(t, EventClearAll, "x1", ClearAllPayload{
		SessionID: "s1", Token: tokenA,
	}))
	ack := a.lastAck(t)
	removed := ack.data.(map[string]any)["removed"].([]string)
	assert.Len(t, removed, 3)

	casts := e.fabric.broadcastsNamed(EventAllContentCleared)
	require.Len(t, casts, 1)
	assert.Empty(t, casts[0].exclude)
	assert.Equal(t, "ca", casts[0].payload.(AllContentClearedPayload).ClearedBy)

	_, total, err := e.store.ListContent(context.Background(), "s1", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	// Second clear succeeds with nothing removed.
	e.relay.HandleClearAll(a, mustMsg(t, EventClearAll, "x2", ClearAllPayload{
		SessionID: "s1", Token: tokenA,
	}))
	removed = a.lastAck(t).data.(map[string]any)["removed"].([]string)
	assert.Empty(t, removed)
}

func TestListContent_Pagination(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	for _, id := range []string{"c1", "c2", "c3"} {
		publishText(t, e, a, tokenA, "s1", id, []byte("hi"))
	}

	e.relay.HandleList(a, mustMsg(t, EventList, "l1", ListPayload{
		SessionID: "s1", Limit: 2, Offset: 0, Token: tokenA,
	}))
	result := a.lastAck(t).data.(ListResult)
	assert.EqualValues(t, 3, result.TotalCount)
	assert.Len(t, result.Items, 2)
	assert.True(t, result.HasMore)
	assert.Equal(t, "c3", result.Items[0].ContentID, "newest first")

	e.relay.HandleList(a, mustMsg(t, EventList, "l2", ListPayload{
		SessionID: "s1", Limit: 2, Offset: 2, Token: tokenA,
	}))
	result = a.lastAck(t).data.(ListResult)
	assert.Len(t, result.Items, 1)
	assert.False(t, result.HasMore)
}

func TestReplayOnJoin(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	publishText(t, e, a, tokenA, "s1", "c1", []byte("replayed"))

	// An incomplete item must not be replayed.
	e.relay.HandleChunk(a, mustMsg(t, EventChunk, "", ChunkPayload{
		SessionID: "s1",
		Token:     tokenA,
		Chunk:     ChunkInfo{ContentID: "c2", ChunkIndex: 0, TotalChunks: 2, EncryptedData: []byte("partial")},
	}))

	b, _ := e.join(t, "cb", "bob", "s1", "secret")

	contents := b.eventsNamed(EventContent)
	require.Len(t, contents, 1)
	info := contents[0].payload.(ContentPayload).Content
	assert.Equal(t, "c1", info.ContentID)
	assert.True(t, info.IsComplete)

	chunks := b.eventsNamed(EventChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("replayed"), chunks[0].payload.(ChunkPayload).Chunk.EncryptedData)
}

func TestReplay_LargeFileMetadataOnly(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")

	e.relay.HandleContent(a, mustMsg(t, EventContent, "ct1", ContentPayload{
		SessionID: "s1",
		Token:     tokenA,
		Content:   ContentInfo{ContentID: "big", TotalChunks: 2, TotalSize: 2 << 20},
	}))
	for i := 0; i < 2; i++ {
		e.relay.HandleChunk(a, mustMsg(t, EventChunk, "", ChunkPayload{
			SessionID: "s1",
			Token:     tokenA,
			Chunk:     ChunkInfo{ContentID: "big", ChunkIndex: i, TotalChunks: 2, EncryptedData: []byte("x")},
		}))
	}

	b, _ := e.join(t, "cb", "bob", "s1", "secret")

	contents := b.eventsNamed(EventContent)
	require.Len(t, contents, 1)
	assert.True(t, contents[0].payload.(ContentPayload).Content.IsLargeFile)
	assert.Empty(t, b.eventsNamed(EventChunk), "large-file chunks are not replayed")
}

func TestPing(t *testing.T) {
	e := newTestEnv(t)
	a, _ := e.join(t, "ca", "alice", "s1", "secret")

	e.relay.HandlePing(a, mustMsg(t, EventPing, "p1", PingPayload{SessionID: "s1"}))
	result := a.lastAck(t).data.(PingResult)
	assert.True(t, result.Valid)

	e.relay.HandlePing(a, mustMsg(t, EventPing, "p2", PingPayload{SessionID: "other"}))
	result = a.lastAck(t).data.(PingResult)
	assert.False(t, result.Valid)
	assert.Equal(t, errNotInSession, result.Error)
}

func TestDisconnect_BroadcastsLeave(t *testing.T) {
	e := newTestEnv(t)
	e.join(t, "ca", "alice", "s1", "secret")
	e.join(t, "cb", "bob", "s1", "secret")

	e.relay.HandleDisconnect("ca")

	_, joined := e.relay.JoinedSession("ca")
	assert.False(t, joined)
	assert.False(t, e.registry.IsMember("s1", "ca"))

	lefts := e.fabric.broadcastsNamed(EventClientLeft)
	require.Len(t, lefts, 1)
	assert.Equal(t, "ca", lefts[0].payload.(ClientLeftPayload).ClientID)

	// Disconnecting an unjoined connection is a no-op.
	e.relay.HandleDisconnect("unknown")
}

func TestNotifySessionExpired(t *testing.T) {
	e := newTestEnv(t)
	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	publishText(t, e, a, tokenA, "s1", "c1", []byte("hi"))

	e.relay.NotifySessionExpired("s1", []string{"ca"})

	msgs := e.fabric.direct["ca"]
	require.Len(t, msgs, 1)
	assert.Equal(t, EventSessionExpired, msgs[0].event)
	payload := msgs[0].payload.(SessionExpiredPayload)
	assert.Equal(t, "s1", payload.SessionID)
	assert.NotEmpty(t, payload.Message)

	_, joined := e.relay.JoinedSession("ca")
	assert.False(t, joined)

	// A rejoin under the same name must start with an empty content list.
	_, total, err := e.store.ListContent(context.Background(), "s1", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRetention_EvictsAndAnnounces(t *testing.T) {
	e := newTestEnv(t)
	e.relay.cfg.MaxItemsPerSession = 2

	a, tokenA := e.join(t, "ca", "alice", "s1", "secret")
	for _, id := range []string{"c1", "c2", "c3"} {
		publishText(t, e, a, tokenA, "s1", id, []byte("hi"))
	}

	removes := e.fabric.broadcastsNamed(EventContentRemoved)
	require.Len(t, removes, 1)
	assert.Equal(t, "c1", removes[0].payload.(ContentRemovedPayload).ContentID)

	_, total, err := e.store.ListContent(context.Background(), "s1", 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}
