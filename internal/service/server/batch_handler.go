package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/domain"
)

const maxBatchBody = 1 << 20

// BatchHandler starts batch downloads
type BatchHandler struct {
	batches BatchRunner
	logger  *zap.Logger
}

// NewBatchHandler creates a new BatchHandler
func NewBatchHandler(batches BatchRunner, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{
		batches: batches,
		logger:  logger,
	}
}

// HandleBatch downloads a selection and returns the per item outcome: POST /api/batch.
// The request runs until every item is done; closing the connection cancels it.
func (h *BatchHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid batch request: " + err.Error()})
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "batch has no items"})
		return
	}
	for i := range req.Items {
		if err := req.DownloadRequest(i).Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "item " + req.Items[i].RemoteID + ": " + err.Error()})
			return
		}
	}

	h.logger.Info("batch requested",
		zap.Int("items", len(req.Items)),
		zap.Int("concurrency", req.Concurrency))

	result := h.batches.DownloadBatch(r.Context(), &req)
	writeJSON(w, http.StatusOK, result)
}
