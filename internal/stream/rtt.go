// =============================================================================
// 文件: internal/stream/rtt.go
// 描述: 确认往返耗时估算 (RFC 6298 平滑) - 仅用于统计与指标暴露
//       不参与批次计算，批次公式见 acktimer.go
// =============================================================================
package stream

import (
	"sync"
	"time"
)

const (
	// 平滑因子
	rttAlpha       = 0.125 // SRTT (1/8)
	rttBeta        = 0.25  // RTTVAR (1/4)
	defaultInitRTT = 100 * time.Millisecond
)

// RTTEstimator 确认耗时估算器
type RTTEstimator struct {
	smoothedRTT time.Duration // 平滑 RTT (SRTT)
	rttVariance time.Duration // RTT 方差 (RTTVAR)
	minRTT      time.Duration
	maxRTT      time.Duration
	latestRTT   time.Duration

	totalSamples uint64
	initialized  bool

	mu sync.RWMutex
}

// NewRTTEstimator 创建估算器
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{
		smoothedRTT: defaultInitRTT,
		rttVariance: defaultInitRTT / 2,
	}
}

// Update 记录一次确认往返耗时 (RFC 6298)
func (r *RTTEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.latestRTT = sample
	r.totalSamples++

	if r.minRTT == 0 || sample < r.minRTT {
		r.minRTT = sample
	}
	if sample > r.maxRTT {
		r.maxRTT = sample
	}

	if !r.initialized {
		// 首个采样直接初始化
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		r.initialized = true
		return
	}

	diff := r.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttVariance = time.Duration((1-rttBeta)*float64(r.rttVariance) + rttBeta*float64(diff))
	r.smoothedRTT = time.Duration((1-rttAlpha)*float64(r.smoothedRTT) + rttAlpha*float64(sample))
}

// SmoothedRTT 平滑 RTT
func (r *RTTEstimator) SmoothedRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.smoothedRTT
}

// LatestRTT 最新采样
func (r *RTTEstimator) LatestRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestRTT
}

// MinRTT 最小采样
func (r *RTTEstimator) MinRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minRTT
}

// MaxRTT 最大采样
func (r *RTTEstimator) MaxRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxRTT
}

// Samples 采样总数
func (r *RTTEstimator) Samples() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalSamples
}
