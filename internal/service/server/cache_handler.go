package server

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/domain"
	"github.com/vertextoedge/media-cache/internal/port"
)

// CacheHandler handles whole-cache requests
type CacheHandler struct {
	cache  port.CacheStore
	guard  port.SpaceGuard
	index  Index
	logger *zap.Logger
}

// NewCacheHandler creates a new CacheHandler
func NewCacheHandler(cache port.CacheStore, guard port.SpaceGuard, index Index, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{
		cache:  cache,
		guard:  guard,
		index:  index,
		logger: logger,
	}
}

type statsResponse struct {
	domain.CacheStats
	TotalSize string           `json:"total_size"`
	Available string           `json:"available"`
	Jobs      *domain.JobStats `json:"jobs,omitempty"`
}

// HandleStats reports cache size and free space: GET /api/stats
func (h *CacheHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := CollectStats(h.cache, h.guard)
	if err != nil {
		h.logger.Error("failed to collect cache stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to get cache stats"})
		return
	}

	resp := statsResponse{
		CacheStats: *stats,
		TotalSize:  humanize.IBytes(uint64(stats.TotalSizeBytes)),
		Available:  humanize.IBytes(uint64(stats.AvailableBytes)),
	}
	if jobs, err := h.index.GetJobStats(); err == nil {
		resp.Jobs = jobs
	} else {
		h.logger.Warn("failed to get job stats", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleClear deletes every cached file: DELETE /api/cache
func (h *CacheHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.cache.ClearAll()
	if err != nil {
		h.logger.Error("failed to clear cache", zap.Int("deleted", deleted), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":         "failed to clear cache",
			"files_deleted": deleted,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files_deleted": deleted})
}

// CollectStats summarizes the cache and the volume it lives on
func CollectStats(cache port.CacheStore, guard port.SpaceGuard) (*domain.CacheStats, error) {
	entries, err := cache.Entries()
	if err != nil {
		return nil, err
	}
	size, err := cache.TotalSize()
	if err != nil {
		return nil, err
	}

	stats := &domain.CacheStats{
		Entries:        len(entries),
		TotalSizeBytes: size,
	}
	check, err := guard.CheckSpace(0, cache.RootDir())
	if err != nil {
		return nil, err
	}
	stats.AvailableBytes = check.AvailableBytes
	stats.LowSpace = check.LowSpace
	return stats, nil
}
