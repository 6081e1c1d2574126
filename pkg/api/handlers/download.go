package handlers

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/sharethings/internal/logger"
	"github.com/marmos91/sharethings/pkg/content"
	"github.com/marmos91/sharethings/pkg/session"
)

// downloadTimeout bounds one full download stream.
const downloadTimeout = 10 * time.Minute

// DownloadHandler streams stored content over HTTP.
//
// Used for large files, whose chunks are never fanned out over the event
// fabric; members fetch them on demand with their session token.
type DownloadHandler struct {
	registry *session.Registry
	store    *content.Store
}

// NewDownloadHandler creates a new download handler.
func NewDownloadHandler(registry *session.Registry, store *content.Store) *DownloadHandler {
	return &DownloadHandler{registry: registry, store: store}
}

// extractBearerToken extracts the token from a Bearer Authorization header.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	return parts[1], true
}

// Download handles GET /api/content/{contentID}/download.
//
// The Authorization header must carry a Bearer token bound to the session
// that owns the content. Chunks are streamed in ascending index order;
// Content-Length equals the stored total size, Content-Type and the
// Content-Disposition filename come from the item's metadata.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	if contentID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("content ID required"))
		return
	}

	token, ok := extractBearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("Authorization header required"))
		return
	}

	sessionID, ok := h.registry.SessionForToken(token)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("Invalid session"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), downloadTimeout)
	defer cancel()

	item, err := h.store.GetContentMetadata(ctx, contentID)
	if err != nil {
		if errors.Is(err, content.ErrContentNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse("Content not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse("Storage error"))
		return
	}

	// The token must belong to the owning session.
	if item.SessionID != sessionID {
		writeJSON(w, http.StatusForbidden, errorResponse("Invalid session"))
		return
	}
	if !item.IsComplete {
		writeJSON(w, http.StatusConflict, errorResponse("Content not complete"))
		return
	}

	contentType := item.MimeType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	fileName := item.FileName()
	if fileName == "" {
		fileName = contentID
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(item.TotalSize, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": fileName,
	}))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	err = h.store.StreamContent(ctx, contentID, func(payload []byte, meta content.ChunkMeta) error {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("client write failed: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are already out; all we can do is log and cut the stream.
		logger.Warn("download stream aborted",
			logger.KeyContentID, contentID,
			logger.KeySessionID, sessionID,
			logger.KeyError, err.Error(),
		)
	}
}
