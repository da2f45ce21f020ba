// Package metrics registers the Prometheus vectors this proxy exposes,
// namespaced gitcdn_*.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	ResponsesTotal *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec

	RepoCacheReceivedBytes prometheus.Histogram

	PackCacheHitBytes     *prometheus.CounterVec
	PackCacheEvictedBytes prometheus.Histogram
	PackCacheUsedBytes    prometheus.Gauge
	PackCleanerRunsTotal  *prometheus.CounterVec

	UploadPackDuration prometheus.Histogram
	SemaphoreWait      prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitcdn_requests_total",
			Help: "requests received, by repo and kind",
		}, []string{"repo", "kind"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitcdn_responses_total",
			Help: "responses sent, by repo, kind and http status",
		}, []string{"repo", "kind", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitcdn_errors_total",
			Help: "errors by repo and kind",
		}, []string{"repo", "kind"}),

		RepoCacheReceivedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitcdn_repo_cache_received_bytes",
			Help:    "bytes received from upstream during clone/fetch, parsed from git progress output",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		}),

		PackCacheHitBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitcdn_pack_cache_sent_bytes_total",
			Help: "pack bytes sent from the pack cache, labelled hit or miss",
		}, []string{"status"}),
		PackCacheEvictedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitcdn_pack_cache_evicted_bytes",
			Help:    "size of pack cache entries evicted by the cleaner",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		PackCacheUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitcdn_pack_cache_used_bytes",
			Help: "current total size of the pack cache",
		}),
		PackCleanerRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitcdn_pack_cleaner_runs_total",
			Help: "pack cache cleaner invocations, labelled by outcome",
		}, []string{"outcome"}),

		UploadPackDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitcdn_upload_pack_duration_seconds",
			Help:    "duration of git-upload-pack subprocess execution",
			Buckets: prometheus.DefBuckets,
		}),
		SemaphoreWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitcdn_upload_pack_semaphore_wait_seconds",
			Help:    "time spent waiting on the upload-pack concurrency semaphore",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.RequestsTotal,
		m.ResponsesTotal,
		m.ErrorsTotal,
		m.RepoCacheReceivedBytes,
		m.PackCacheHitBytes,
		m.PackCacheEvictedBytes,
		m.PackCacheUsedBytes,
		m.PackCleanerRunsTotal,
		m.UploadPackDuration,
		m.SemaphoreWait,
	)
	return m
}
