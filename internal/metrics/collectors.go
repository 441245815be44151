// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - 接收侧统计快照
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReceiverStats 接收器统计数据接口
type ReceiverStats interface {
	GetActiveStreams() int64
	GetStreamsAccepted() uint64
	GetStreamsCompleted() uint64
	GetStreamsCancelled() uint64
	GetStreamsFailed() uint64
	GetChunksReceived() uint64
	GetBytesReceived() uint64
	GetReplaysBlocked() uint64
	GetAnnouncesDenied() uint64
}

// ReceiverCollector 接收器指标收集器
type ReceiverCollector struct {
	statsProvider ReceiverStats

	// 描述符
	activeStreamsDesc    *prometheus.Desc
	streamsAcceptedDesc  *prometheus.Desc
	streamsCompletedDesc *prometheus.Desc
	streamsCancelledDesc *prometheus.Desc
	streamsFailedDesc    *prometheus.Desc
	chunksReceivedDesc   *prometheus.Desc
	bytesReceivedDesc    *prometheus.Desc
	replaysBlockedDesc   *prometheus.Desc
	announcesDeniedDesc  *prometheus.Desc
}

// NewReceiverCollector 创建接收器收集器
func NewReceiverCollector(provider ReceiverStats) *ReceiverCollector {
	namespace := "blobwire"
	subsystem := "receiver"

	return &ReceiverCollector{
		statsProvider: provider,

		activeStreamsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_streams"),
			"Number of streams currently being assembled",
			nil, nil,
		),
		streamsAcceptedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "streams_accepted_total"),
			"Total stream announces accepted",
			nil, nil,
		),
		streamsCompletedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "streams_completed_total"),
			"Total streams assembled to completion",
			nil, nil,
		),
		streamsCancelledDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "streams_cancelled_total"),
			"Total streams cancelled",
			nil, nil,
		),
		streamsFailedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "streams_failed_total"),
			"Total streams terminated by error",
			nil, nil,
		),
		chunksReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "chunks_received_total"),
			"Total chunk messages received",
			nil, nil,
		),
		bytesReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_received_total"),
			"Total payload bytes received",
			nil, nil,
		),
		replaysBlockedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "replays_blocked_total"),
			"Total stream announces rejected as replays",
			nil, nil,
		),
		announcesDeniedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "announces_denied_total"),
			"Total stream announces denied by limits",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *ReceiverCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeStreamsDesc
	ch <- c.streamsAcceptedDesc
	ch <- c.streamsCompletedDesc
	ch <- c.streamsCancelledDesc
	ch <- c.streamsFailedDesc
	ch <- c.chunksReceivedDesc
	ch <- c.bytesReceivedDesc
	ch <- c.replaysBlockedDesc
	ch <- c.announcesDeniedDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *ReceiverCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statsProvider

	ch <- prometheus.MustNewConstMetric(c.activeStreamsDesc, prometheus.GaugeValue, float64(s.GetActiveStreams()))
	ch <- prometheus.MustNewConstMetric(c.streamsAcceptedDesc, prometheus.CounterValue, float64(s.GetStreamsAccepted()))
	ch <- prometheus.MustNewConstMetric(c.streamsCompletedDesc, prometheus.CounterValue, float64(s.GetStreamsCompleted()))
	ch <- prometheus.MustNewConstMetric(c.streamsCancelledDesc, prometheus.CounterValue, float64(s.GetStreamsCancelled()))
	ch <- prometheus.MustNewConstMetric(c.streamsFailedDesc, prometheus.CounterValue, float64(s.GetStreamsFailed()))
	ch <- prometheus.MustNewConstMetric(c.chunksReceivedDesc, prometheus.CounterValue, float64(s.GetChunksReceived()))
	ch <- prometheus.MustNewConstMetric(c.bytesReceivedDesc, prometheus.CounterValue, float64(s.GetBytesReceived()))
	ch <- prometheus.MustNewConstMetric(c.replaysBlockedDesc, prometheus.CounterValue, float64(s.GetReplaysBlocked()))
	ch <- prometheus.MustNewConstMetric(c.announcesDeniedDesc, prometheus.CounterValue, float64(s.GetAnnouncesDenied()))
}
