// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram）
//       发送侧流事件出口，挂到流驱动的 Stats 上
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BlobwireMetrics 全局指标集合
type BlobwireMetrics struct {
	// 流相关
	ActiveStreams prometheus.Gauge
	StreamsTotal  *prometheus.CounterVec

	// 流量相关
	BytesSent  prometheus.Counter
	ChunksSent *prometheus.CounterVec

	// 确认节奏
	AckLatency   prometheus.Histogram
	AckBatchSize prometheus.Gauge

	// 错误相关
	Errors *prometheus.CounterVec
}

// NewBlobwireMetrics 创建指标集合
func NewBlobwireMetrics(registry *prometheus.Registry) *BlobwireMetrics {
	m := &BlobwireMetrics{
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobwire",
			Name:      "active_streams",
			Help:      "Number of streams currently in flight",
		}),

		StreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blobwire",
			Name:      "streams_total",
			Help:      "Total streams by outcome",
		}, []string{"outcome"}),

		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobwire",
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent",
		}),

		ChunksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blobwire",
			Name:      "chunks_sent_total",
			Help:      "Total chunks sent by path",
		}, []string{"path"}),

		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blobwire",
			Name:      "ack_latency_seconds",
			Help:      "Acknowledgement round trip latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		AckBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobwire",
			Name:      "ack_batch_size",
			Help:      "Chunks between acknowledgements after last recompute",
		}),

		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blobwire",
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.ActiveStreams,
		m.StreamsTotal,
		m.BytesSent,
		m.ChunksSent,
		m.AckLatency,
		m.AckBatchSize,
		m.Errors,
	)

	return m
}

// =============================================================================
// 流驱动 Sink 实现
// =============================================================================

// StreamStarted 流启动
func (m *BlobwireMetrics) StreamStarted(streamID string, totalSize int64) {
	m.ActiveStreams.Inc()
}

// ChunkSent 分块发出
func (m *BlobwireMetrics) ChunkSent(streamID string, bytes int, acked bool) {
	path := "direct"
	if acked {
		path = "acked"
	}
	m.ChunksSent.WithLabelValues(path).Inc()
	m.BytesSent.Add(float64(bytes))
}

// AckObserved 收到确认
func (m *BlobwireMetrics) AckObserved(streamID string, rtt time.Duration, batch int) {
	m.AckLatency.Observe(rtt.Seconds())
	m.AckBatchSize.Set(float64(batch))
}

// StreamFinished 流终止
func (m *BlobwireMetrics) StreamFinished(streamID string, outcome string, bytesSent int64) {
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(outcome).Inc()
	if outcome == "failed" {
		m.Errors.WithLabelValues("stream").Inc()
	}
}

// RecordError 记录错误
func (m *BlobwireMetrics) RecordError(errorType string) {
	m.Errors.WithLabelValues(errorType).Inc()
}
