// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Downloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "media_cache",
			Name:      "downloads_total",
			Help:      "Downloads finished, by outcome.",
		},
		[]string{"outcome"},
	)

	DownloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "media_cache",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to the cache by completed downloads.",
		},
	)

	ActiveDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "media_cache",
			Name:      "active_downloads",
			Help:      "Downloads currently transferring.",
		},
	)

	ReservedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "media_cache",
			Name:      "reserved_bytes",
			Help:      "Disk space reserved for in-flight downloads but not yet written.",
		},
	)

	SpaceRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "media_cache",
			Name:      "space_rejections_total",
			Help:      "Writes refused because they would eat into the safety buffer.",
		},
	)

	LowSpaceWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "media_cache",
			Name:      "low_space_warnings_total",
			Help:      "Space checks that passed below the low space threshold.",
		},
	)

	Batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "media_cache",
			Name:      "batches_total",
			Help:      "Batches finished, by outcome.",
		},
		[]string{"outcome"},
	)

	IndexRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "media_cache",
			Name:      "index_repairs_total",
			Help:      "Index entries dropped or adopted because they disagreed with the disk.",
		},
	)
)

var registerOnce sync.Once

// Register registers the media cache metrics into the default registry.
// Calls after the first are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Downloads,
			DownloadedBytes,
			ActiveDownloads,
			ReservedBytes,
			SpaceRejections,
			LowSpaceWarnings,
			Batches,
			IndexRepairs,
		)
	})
}
