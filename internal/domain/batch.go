package domain

import "errors"

// BatchItem is one entry of a user selection
type BatchItem struct {
	RemoteID          string `json:"remote_id"`
	SourceURL         string `json:"source_url"`
	FileName          string `json:"file_name,omitempty"`
	ExpectedSizeBytes int64  `json:"expected_size_bytes,omitempty"`
}

// BatchRequest is an ordered group of downloads sharing a target directory
type BatchRequest struct {
	Items          []BatchItem `json:"items"`
	DestinationDir string      `json:"destination_dir,omitempty"`

	// Concurrency <= 1 runs the items strictly in order
	Concurrency int `json:"concurrency,omitempty"`
}

// DownloadRequest converts an item into an engine request
func (b *BatchRequest) DownloadRequest(i int) *DownloadRequest {
	item := b.Items[i]
	return &DownloadRequest{
		RemoteID:          item.RemoteID,
		SourceURL:         item.SourceURL,
		FileName:          item.FileName,
		ExpectedSizeBytes: item.ExpectedSizeBytes,
		DestinationDir:    b.DestinationDir,
	}
}

// ItemResult is the outcome of one batch item
type ItemResult struct {
	RemoteID  string      `json:"remote_id"`
	Attempted bool        `json:"attempted"`
	Entry     *CacheEntry `json:"entry,omitempty"`
	Kind      ErrorKind   `json:"error_kind,omitempty"`
	Err       error       `json:"-"`
	Message   string      `json:"message,omitempty"`
}

// Succeeded returns true if the item is now cached
func (r *ItemResult) Succeeded() bool {
	return r.Err == nil && r.Entry != nil
}

// SetError records a failure with its user facing message
func (r *ItemResult) SetError(err error) {
	r.Err = err
	r.Kind = KindOf(err)
	var de *DownloadError
	if errors.As(err, &de) {
		r.Message = de.UserMessage()
	} else if err != nil {
		r.Message = err.Error()
	}
}

// BatchResult aggregates the outcome of a batch
type BatchResult struct {
	Items     []ItemResult `json:"items"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`

	// InsufficientSpace is set when the whole batch was rejected up front
	InsufficientSpace bool  `json:"insufficient_space"`
	NeededBytes       int64 `json:"needed_bytes,omitempty"`
	AvailableBytes    int64 `json:"available_bytes,omitempty"`

	// DiskFullAborted is set when a mid-transfer disk full stopped the batch
	DiskFullAborted bool   `json:"disk_full_aborted"`
	DiskFullItem    string `json:"disk_full_item,omitempty"`
}

// Total returns the number of items accounted for
func (r *BatchResult) Total() int {
	return r.Succeeded + r.Failed + r.Skipped
}

// Tally recomputes the aggregate counters from the item results
func (r *BatchResult) Tally() {
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	for i := range r.Items {
		switch {
		case r.Items[i].Succeeded():
			r.Succeeded++
		case r.Items[i].Attempted:
			r.Failed++
		default:
			r.Skipped++
		}
	}
}
