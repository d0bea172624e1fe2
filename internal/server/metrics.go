package server

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cdp-go/internal/cdp"
)

// QueueReporter exposes the ingestion queue depths.
type QueueReporter interface {
	Len() (records, chunks int)
}

// StatsSource exposes the dedup counters.
type StatsSource interface {
	Stats() cdp.StatsSnapshot
}

// requestCounts are the per-method counters served at /Stats.json.
type requestCounts struct {
	get     atomic.Uint64
	post    atomic.Uint64
	unknown atomic.Uint64
}

type requestSnapshot struct {
	Get     uint64 `json:"get"`
	Post    uint64 `json:"post"`
	Unknown uint64 `json:"unknown"`
	Total   uint64 `json:"total"`
}

func (r *requestCounts) snapshot() requestSnapshot {
	s := requestSnapshot{
		Get:     r.get.Load(),
		Post:    r.post.Load(),
		Unknown: r.unknown.Load(),
	}
	s.Total = s.Get + s.Post + s.Unknown
	return s
}

// metrics holds the Prometheus collectors served at /metrics.
type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	received prometheus.Summary
}

func newMetrics(reg *prometheus.Registry, stats StatsSource, queues QueueReporter) *metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	m := &metrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cdp",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		),
		received: f.NewSummary(prometheus.SummaryOpts{
			Namespace:  "cdp",
			Subsystem:  "http",
			Name:       "request_size_bytes",
			Help:       "Size of POST bodies.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "cdp", Subsystem: "queue", Name: "records",
		Help: "File records waiting to be stored.",
	}, func() float64 {
		records, _ := queues.Len()
		return float64(records)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "cdp", Subsystem: "queue", Name: "chunks",
		Help: "Chunks waiting to be stored.",
	}, func() float64 {
		_, chunks := queues.Len()
		return float64(chunks)
	})

	counter := func(name, help string, value func(cdp.StatsSnapshot) uint64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "cdp", Subsystem: "dedup", Name: name, Help: help,
		}, func() float64 { return float64(value(stats.Stats())) })
	}
	counter("files_total", "Files announced.", func(s cdp.StatsSnapshot) uint64 { return s.Files })
	counter("announced_bytes_total", "Bytes of announced file content.", func(s cdp.StatsSnapshot) uint64 { return s.TotalBytes })
	counter("received_bytes_total", "Chunk bytes received.", func(s cdp.StatsSnapshot) uint64 { return s.ReceivedBytes })
	counter("meta_bytes_total", "Bytes of announced metadata.", func(s cdp.StatsSnapshot) uint64 { return s.MetaBytes })
	counter("chunks_total", "Chunks received.", func(s cdp.StatsSnapshot) uint64 { return s.Chunks })
	counter("store_errors_total", "Failed backend writes.", func(s cdp.StatsSnapshot) uint64 { return s.StoreErrors })
	counter("dropped_total", "Queued items dropped at shutdown.", func(s cdp.StatsSnapshot) uint64 { return s.Dropped })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "cdp", Subsystem: "dedup", Name: "saved_bytes",
		Help: "Announced bytes that never crossed the wire.",
	}, func() float64 { return float64(stats.Stats().DedupBytes) })

	return m
}

// middleware observes every request after the handler ran.
func (m *metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if c.Request.Method == "POST" && c.Request.ContentLength > 0 {
			m.received.Observe(float64(c.Request.ContentLength))
		}

		c.Next()

		route := routeOf(c)
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// routeOf returns the matched route pattern, keeping label cardinality
// bounded for /Data/<hash> and unknown URLs.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unknown"
}
