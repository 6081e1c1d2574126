package handlers

import (
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sharethings/pkg/content"
	"github.com/marmos91/sharethings/pkg/session"
)

func newTestStores(t *testing.T) (*session.Registry, *content.Store) {
	t.Helper()
	dir := t.TempDir()

	sessStore, err := session.NewStore(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessStore.Close() })
	registry := session.NewRegistry(sessStore, 10*time.Minute)

	store, err := content.NewStore(content.Config{
		DBPath:    filepath.Join(dir, "content.db"),
		ChunkRoot: dir,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return registry, store
}

func joinSession(t *testing.T, registry *session.Registry, sessionID string) string {
	t.Helper()
	sum := sha256.Sum256([]byte("secret-" + sessionID))
	fp := session.Fingerprint{IV: sum[:16], Data: sum[16:]}
	token, err := registry.Join(context.Background(), sessionID, fp, "c-"+sessionID, "tester")
	require.NoError(t, err)
	return token
}

func storeItem(t *testing.T, store *content.Store, sessionID, contentID string, chunks [][]byte) {
	t.Helper()
	ctx := context.Background()

	total := int64(0)
	for _, c := range chunks {
		total += int64(len(c))
	}
	for i, payload := range chunks {
		require.NoError(t, store.SaveChunk(ctx, payload, content.ChunkMeta{
			ContentID:   contentID,
			SessionID:   sessionID,
			ChunkIndex:  i,
			TotalChunks: len(chunks),
			TotalSize:   total,
			ContentType: content.TypeFile,
			Metadata:    content.JSONMap{"fileName": "report.pdf", "mimeType": "application/pdf"},
		}))
	}
	require.NoError(t, store.MarkContentComplete(ctx, contentID))
}

func downloadRouter(registry *session.Registry, store *content.Store) http.Handler {
	r := chi.NewRouter()
	h := NewDownloadHandler(registry, store)
	r.Get("/api/content/{contentID}/download", h.Download)
	return r
}

func TestDownload_StreamsChunksInOrder(t *testing.T) {
	registry, store := newTestStores(t)
	token := joinSession(t, registry, "s1")
	storeItem(t, store, "s1", "c1", [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cc")})

	router := downloadRouter(registry, store)

	req := httptest.NewRequest(http.MethodGet, "/api/content/c1/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "aaaabbbbcc", rec.Body.String())
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "report.pdf")
}

func TestDownload_RequiresToken(t *testing.T) {
	registry, store := newTestStores(t)
	storeItem(t, store, "s1", "c1", [][]byte{[]byte("x")})

	router := downloadRouter(registry, store)

	req := httptest.NewRequest(http.MethodGet, "/api/content/c1/download", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/content/c1/download", nil)
	req.Header.Set("Authorization", "Bearer deadbeef")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDownload_WrongSessionForbidden(t *testing.T) {
	registry, store := newTestStores(t)
	storeItem(t, store, "s1", "c1", [][]byte{[]byte("x")})

	// A valid token for a different session must not grant access.
	otherToken := joinSession(t, registry, "s2")

	router := downloadRouter(registry, store)
	req := httptest.NewRequest(http.MethodGet, "/api/content/c1/download", nil)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDownload_MissingAndIncomplete(t *testing.T) {
	registry, store := newTestStores(t)
	token := joinSession(t, registry, "s1")
	router := downloadRouter(registry, store)

	req := httptest.NewRequest(http.MethodGet, "/api/content/missing/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// One chunk of two stored: incomplete.
	require.NoError(t, store.SaveChunk(context.Background(), []byte("x"), content.ChunkMeta{
		ContentID:   "partial",
		SessionID:   "s1",
		ChunkIndex:  0,
		TotalChunks: 2,
	}))

	req = httptest.NewRequest(http.MethodGet, "/api/content/partial/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
