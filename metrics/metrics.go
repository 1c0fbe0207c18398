// Package metrics holds the Prometheus collectors of the tile cache, the tile index and the enrichment engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "hoogte"

// node outcomes
const (
	NodeEnriched   = "enriched"
	NodeKept       = "kept"
	NodeNotFound   = "not_found"
	NodeNoSample   = "no_sample"
	NodeUnmappable = "unmappable"
	NodeUnresolved = "unresolved"
)

// fetch attempt results
const (
	FetchOK          = "ok"
	FetchNotFound    = "not_found"
	FetchDownloadErr = "download_error"
	FetchDecodeErr   = "decode_error"
)

type Metrics struct {
	TilesRequested  prometheus.Counter
	FetchAttempts   *prometheus.CounterVec
	FetchDuration   prometheus.Histogram
	TilesReady      prometheus.Gauge
	TilesNotFound   prometheus.Counter
	TilesExhausted  prometheus.Counter
	TilesEvicted    prometheus.Counter
	PendingNodes    prometheus.Gauge
	FeedPages       prometheus.Counter
	IndexCacheHits  prometheus.Counter
	Downloads       prometheus.Counter
	DownloadedBytes prometheus.Counter
	Entities        *prometheus.CounterVec
	Nodes           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg, unless reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TilesRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_requested_total",
			Help:      "Total tile fetch tasks scheduled",
		}),
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Total tile fetch attempts by result",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a tile fetch task, all attempts included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		TilesReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tiles_ready",
			Help:      "Decoded tiles held in the ready cache",
		}),
		TilesNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_not_found_total",
			Help:      "Total tiles marked as not available remotely",
		}),
		TilesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_exhausted_total",
			Help:      "Total fetch tasks that used up all attempts",
		}),
		TilesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_evicted_total",
			Help:      "Total cached tiles evicted after a sampling failure",
		}),
		PendingNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_nodes",
			Help:      "Nodes waiting for their tile",
		}),
		FeedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_pages_total",
			Help:      "Total tile index feed pages fetched",
		}),
		IndexCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_cache_hits_total",
			Help:      "Total tile index loads served by the shared cache",
		}),
		Downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Total tiles downloaded",
		}),
		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Total bytes of downloaded tiles",
		}),
		Entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_total",
			Help:      "Total entities handled by kind",
		}, []string{"kind"}),
		Nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Total nodes emitted by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TilesRequested, m.FetchAttempts, m.FetchDuration, m.TilesReady, m.TilesNotFound,
			m.TilesExhausted, m.TilesEvicted, m.PendingNodes, m.FeedPages, m.IndexCacheHits,
			m.Downloads, m.DownloadedBytes, m.Entities, m.Nodes,
		)
	}
	return m
}

// OrNew returns m, or unregistered collectors when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}

func Handler() http.Handler { return promhttp.Handler() }

// Value returns the current value of a counter or gauge, 0 when c is neither.
func Value(c prometheus.Metric) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	if pb.Counter != nil {
		return pb.GetCounter().GetValue()
	}
	return pb.GetGauge().GetValue()
}
