// =============================================================================
// 文件: internal/stream/acktimer.go
// 描述: 确认节奏控制器 - 按实际耗时自适应调整两次确认之间的块数
//       目标: 确认间隔逼近 targetAckInterval，而非固定块数
// =============================================================================
package stream

import (
	"math"
	"time"
)

const (
	// DefaultTargetAckInterval 默认确认间隔目标
	DefaultTargetAckInterval = 500 * time.Millisecond

	// DefaultInitialChunksBetweenAcks 首个批次的块数
	DefaultInitialChunksBetweenAcks = 5
)

// Decision 单块发送路径
type Decision int

const (
	// DecisionNoAck 直发不等待 (吞吐优先，由传输层缓冲吸收)
	DecisionNoAck Decision = iota
	// DecisionAck 发送并阻塞等待接收端存活确认
	DecisionAck
)

// AckTimer 每流一份的确认节奏状态
// 单写者: 仅流驱动循环访问，无需加锁
type AckTimer struct {
	target             time.Duration
	chunksUntilNextAck int
	lastAckTime        time.Time

	now func() time.Time // 测试注入
}

// NewAckTimer 创建控制器
// target <= 0 或 initialBatch < 1 时取默认值
func NewAckTimer(target time.Duration, initialBatch int) *AckTimer {
	if target <= 0 {
		target = DefaultTargetAckInterval
	}
	if initialBatch < 1 {
		initialBatch = DefaultInitialChunksBetweenAcks
	}
	t := &AckTimer{
		target:             target,
		chunksUntilNextAck: initialBatch,
		now:                time.Now,
	}
	t.lastAckTime = t.now()
	return t
}

// Next 返回即将发送的块走哪条路径
// 计数器 > 1 时递减并走直发路径; 到达 1 后走确认路径，
// 直到 ObserveAck 根据实测耗时重置批次
func (t *AckTimer) Next() Decision {
	if t.chunksUntilNextAck > 1 {
		t.chunksUntilNextAck--
		return DecisionNoAck
	}
	return DecisionAck
}

// ObserveAck 确认返回后调用: 测量两次确认的间隔并重算批次
// 返回 (实测间隔, 新批次)
func (t *AckTimer) ObserveAck() (elapsed time.Duration, batch int) {
	now := t.now()
	elapsed = now.Sub(t.lastAckTime)
	t.lastAckTime = now

	batch = NextBatchSize(elapsed, t.target)
	t.chunksUntilNextAck = batch
	return elapsed, batch
}

// Pending 距下次强制确认还剩的块数 (含确认块自身)
func (t *AckTimer) Pending() int {
	return t.chunksUntilNextAck
}

// NextBatchSize 纯函数: 由实测间隔推算下一批次大小
// 块到得比目标快 → 放大批次; 比目标慢 → 收缩到每块确认，下限 1
func NextBatchSize(elapsed, target time.Duration) int {
	elapsedMs := elapsed.Milliseconds()
	if elapsedMs < 1 {
		elapsedMs = 1
	}
	targetMs := target.Milliseconds()
	if targetMs < 1 {
		targetMs = 1
	}

	batch := int(math.Round(float64(targetMs) / float64(elapsedMs)))
	if batch < 1 {
		batch = 1
	}
	return batch
}
