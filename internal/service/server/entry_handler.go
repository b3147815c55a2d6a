package server

import (
	"mime"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/domain"
	"github.com/vertextoedge/media-cache/internal/port"
)

// EntryHandler answers cache lookups for the UI and drag consumers
type EntryHandler struct {
	cache  port.CacheStore
	logger *zap.Logger
}

// NewEntryHandler creates a new EntryHandler
func NewEntryHandler(cache port.CacheStore, logger *zap.Logger) *EntryHandler {
	return &EntryHandler{
		cache:  cache,
		logger: logger,
	}
}

// remoteID returns the unescaped {id} path parameter
func remoteID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

// HandleList lists every present entry: GET /api/entries
func (h *EntryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.cache.Entries()
	if err != nil {
		h.logger.Error("failed to list cache entries", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list cache entries"})
		return
	}
	if entries == nil {
		entries = []*domain.CacheEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleGet returns one entry: GET /api/entries/{id}
func (h *EntryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.cache.Get(remoteID(r))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: domain.ErrNotCached.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// HandleHas reports presence without a body: HEAD /api/entries/{id}
func (h *EntryHandler) HandleHas(w http.ResponseWriter, r *http.Request) {
	if !h.cache.Has(remoteID(r)) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleFile streams the cached file: GET /api/entries/{id}/file
func (h *EntryHandler) HandleFile(w http.ResponseWriter, r *http.Request) {
	id := remoteID(r)
	entry, ok := h.cache.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: domain.ErrNotCached.Error()})
		return
	}

	f, err := os.Open(entry.LocalPath)
	if err != nil {
		// Deleted between the lookup and the open
		h.logger.Warn("failed to open cached file", zap.String("path", entry.LocalPath), zap.Error(err))
		writeJSON(w, http.StatusNotFound, errorResponse{Error: domain.ErrNotCached.Error()})
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		h.logger.Error("failed to stat cached file", zap.String("path", entry.LocalPath), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "file not available"})
		return
	}

	disposition := mime.FormatMediaType("inline", map[string]string{"filename": entry.FileName})
	if disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	}
	w.Header().Set("X-Local-Path", entry.LocalPath)

	// ServeContent handles ranges and sets the content type from the name
	http.ServeContent(w, r, entry.FileName, stat.ModTime(), f)

	h.logger.Debug("file served from cache",
		zap.String("remote_id", id),
		zap.String("path", entry.LocalPath),
		zap.Int64("size", stat.Size()))
}
