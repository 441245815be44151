// =============================================================================
// 文件: internal/handler/receiver.go
// 描述: 流接收器 - 接收端核心处理中心
//       声明建流 (重放与限额检查) → 分块装配 → 确认路径回存活标志
//       哨兵块与越界流立即终止; 空闲流由清理循环回收
// =============================================================================
package handler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/blobwire/internal/crypto"
	"github.com/mrcgq/blobwire/internal/protocol"
)

const (
	LogLevelError = iota
	LogLevelInfo
	LogLevelDebug
)

const (
	streamCleanupPeriod      = 30 * time.Second
	defaultStreamIdleTimeout = 5 * time.Minute
	defaultMaxActiveStreams  = 256
	defaultMaxStreamSize     = 4 * 1024 * 1024 * 1024 // 4 GiB
)

// Options 接收器配置
type Options struct {
	OutputDir        string        // 空则只校验不落盘
	MaxActiveStreams int           // 并发流上限
	MaxStreamSize    int64         // 单流声明长度上限
	IdleTimeout      time.Duration // 空闲流回收阈值
	ReplayGuard      bool          // 拒绝重复的流标识
	LogLevel         string
}

// Stats 接收统计快照
type Stats struct {
	ActiveStreams    int64
	StreamsAccepted  uint64
	StreamsCompleted uint64
	StreamsCancelled uint64
	StreamsFailed    uint64
	ChunksReceived   uint64
	BytesReceived    uint64
	ReplaysBlocked   uint64
	AnnouncesDenied  uint64
}

// StreamReceiver 流接收器
type StreamReceiver struct {
	opts  Options
	guard *crypto.StreamGuard

	streams sync.Map // streamID -> *Assembler

	logLevel int

	// 统计
	activeStreams    int64
	streamsAccepted  uint64
	streamsCompleted uint64
	streamsCancelled uint64
	streamsFailed    uint64
	chunksReceived   uint64
	bytesReceived    uint64
	replaysBlocked   uint64
	announcesDenied  uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamReceiver 创建接收器并启动清理循环
func NewStreamReceiver(opts Options) *StreamReceiver {
	if opts.MaxActiveStreams <= 0 {
		opts.MaxActiveStreams = defaultMaxActiveStreams
	}
	if opts.MaxStreamSize <= 0 {
		opts.MaxStreamSize = defaultMaxStreamSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultStreamIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &StreamReceiver{
		opts:     opts,
		logLevel: parseLogLevel(opts.LogLevel),
		ctx:      ctx,
		cancel:   cancel,
	}
	if opts.ReplayGuard {
		r.guard = crypto.NewStreamGuard()
	}

	go r.cleanupLoop()
	return r
}

func parseLogLevel(level string) int {
	switch level {
	case "debug":
		return LogLevelDebug
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// HandleAnnounce 处理流声明
func (r *StreamReceiver) HandleAnnounce(remote string, a *protocol.Announce) error {
	if r.guard != nil && !r.guard.CheckAndMark(a.StreamID) {
		atomic.AddUint64(&r.replaysBlocked, 1)
		return fmt.Errorf("流标识重放: %s", a.StreamID)
	}
	if a.TotalSize > r.opts.MaxStreamSize {
		atomic.AddUint64(&r.announcesDenied, 1)
		return fmt.Errorf("声明长度超限: %d > %d", a.TotalSize, r.opts.MaxStreamSize)
	}
	if atomic.LoadInt64(&r.activeStreams) >= int64(r.opts.MaxActiveStreams) {
		atomic.AddUint64(&r.announcesDenied, 1)
		return fmt.Errorf("并发流超限: %d", r.opts.MaxActiveStreams)
	}

	asm, err := newAssembler(a.StreamID, a.Name, a.TotalSize, r.opts.OutputDir)
	if err != nil {
		atomic.AddUint64(&r.announcesDenied, 1)
		return err
	}
	if _, loaded := r.streams.LoadOrStore(a.StreamID, asm); loaded {
		asm.Cancel()
		atomic.AddUint64(&r.announcesDenied, 1)
		return fmt.Errorf("流已存在: %s", a.StreamID)
	}

	atomic.AddInt64(&r.activeStreams, 1)
	atomic.AddUint64(&r.streamsAccepted, 1)
	r.log(LogLevelInfo, "流建立: %s (%d 字节, %q) 来自 %s", a.StreamID, a.TotalSize, a.Name, remote)

	// 空流声明即完成
	if a.TotalSize == 0 {
		if err := asm.CompleteIfEmpty(); err != nil {
			r.log(LogLevelError, "空流 %s 落位失败: %v", a.StreamID, err)
			asm.Cancel()
			atomic.AddUint64(&r.streamsFailed, 1)
			r.removeStream(a.StreamID)
			return err
		}
		r.finishStream(asm)
	}
	return nil
}

// HandleChunk 处理数据分块
// 确认路径的块返回非 nil Ack; alive=false 要求发送端停止该流
func (r *StreamReceiver) HandleChunk(remote string, c *protocol.Chunk) *protocol.Ack {
	atomic.AddUint64(&r.chunksReceived, 1)

	// 错误哨兵: 发送端异常终止，清理并静默
	if c.IsSentinel() {
		if v, ok := r.streams.Load(c.StreamID); ok {
			asm := v.(*Assembler)
			asm.Cancel()
			atomic.AddUint64(&r.streamsFailed, 1)
			r.removeStream(c.StreamID)
		}
		r.log(LogLevelInfo, "流异常终止: %s: %s", c.StreamID, c.Error)
		return nil
	}

	v, ok := r.streams.Load(c.StreamID)
	if !ok {
		// 未声明或已回收的流: 确认路径回停止标志
		r.log(LogLevelDebug, "未知流 %s 的块 %d 来自 %s", c.StreamID, c.ChunkID, remote)
		if c.AckRequired() {
			return &protocol.Ack{StreamID: c.StreamID, ChunkID: c.ChunkID, Alive: false}
		}
		return nil
	}
	asm := v.(*Assembler)

	if asm.Cancelled() {
		if c.AckRequired() {
			return &protocol.Ack{StreamID: c.StreamID, ChunkID: c.ChunkID, Alive: false}
		}
		return nil
	}

	done, err := asm.Append(c.ChunkID, c.Data)
	if err != nil {
		r.log(LogLevelError, "流 %s 块 %d 装配失败: %v", c.StreamID, c.ChunkID, err)
		asm.Cancel()
		atomic.AddUint64(&r.streamsFailed, 1)
		r.removeStream(c.StreamID)
		if c.AckRequired() {
			return &protocol.Ack{StreamID: c.StreamID, ChunkID: c.ChunkID, Alive: false}
		}
		return nil
	}

	atomic.AddUint64(&r.bytesReceived, uint64(len(c.Data)))

	if done {
		r.finishStream(asm)
	}

	if c.AckRequired() {
		return &protocol.Ack{StreamID: c.StreamID, ChunkID: c.ChunkID, Alive: true}
	}
	return nil
}

// CancelStream 主动要求某流停止
// 发送端在下一个确认点看到 alive=false 后协作停止
func (r *StreamReceiver) CancelStream(streamID string) bool {
	v, ok := r.streams.Load(streamID)
	if !ok {
		return false
	}
	asm := v.(*Assembler)
	asm.Cancel()
	atomic.AddUint64(&r.streamsCancelled, 1)
	r.log(LogLevelInfo, "流取消请求: %s", streamID)
	return true
}

// finishStream 正常完成收尾
func (r *StreamReceiver) finishStream(asm *Assembler) {
	atomic.AddUint64(&r.streamsCompleted, 1)
	r.removeStream(asm.StreamID)
	r.log(LogLevelInfo, "流完成: %s (%d 字节 → %s)", asm.StreamID, asm.TotalSize, asm.FinalPath())
}

func (r *StreamReceiver) removeStream(streamID string) {
	if _, ok := r.streams.LoadAndDelete(streamID); ok {
		atomic.AddInt64(&r.activeStreams, -1)
	}
}

// cleanupLoop 回收空闲流
func (r *StreamReceiver) cleanupLoop() {
	ticker := time.NewTicker(streamCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			r.streams.Range(func(key, value interface{}) bool {
				asm := value.(*Assembler)
				if asm.IdleSince(now) > r.opts.IdleTimeout {
					r.log(LogLevelInfo, "回收空闲流: %s (已收 %d 字节)", asm.StreamID, asm.Received())
					asm.Cancel()
					atomic.AddUint64(&r.streamsCancelled, 1)
					r.removeStream(asm.StreamID)
				}
				return true
			})
		}
	}
}

// Stats 统计快照
func (r *StreamReceiver) Stats() Stats {
	return Stats{
		ActiveStreams:    atomic.LoadInt64(&r.activeStreams),
		StreamsAccepted:  atomic.LoadUint64(&r.streamsAccepted),
		StreamsCompleted: atomic.LoadUint64(&r.streamsCompleted),
		StreamsCancelled: atomic.LoadUint64(&r.streamsCancelled),
		StreamsFailed:    atomic.LoadUint64(&r.streamsFailed),
		ChunksReceived:   atomic.LoadUint64(&r.chunksReceived),
		BytesReceived:    atomic.LoadUint64(&r.bytesReceived),
		ReplaysBlocked:   atomic.LoadUint64(&r.replaysBlocked),
		AnnouncesDenied:  atomic.LoadUint64(&r.announcesDenied),
	}
}

// 指标收集器取数接口 (metrics.ReceiverStats)

func (r *StreamReceiver) GetActiveStreams() int64     { return atomic.LoadInt64(&r.activeStreams) }
func (r *StreamReceiver) GetStreamsAccepted() uint64  { return atomic.LoadUint64(&r.streamsAccepted) }
func (r *StreamReceiver) GetStreamsCompleted() uint64 { return atomic.LoadUint64(&r.streamsCompleted) }
func (r *StreamReceiver) GetStreamsCancelled() uint64 { return atomic.LoadUint64(&r.streamsCancelled) }
func (r *StreamReceiver) GetStreamsFailed() uint64    { return atomic.LoadUint64(&r.streamsFailed) }
func (r *StreamReceiver) GetChunksReceived() uint64   { return atomic.LoadUint64(&r.chunksReceived) }
func (r *StreamReceiver) GetBytesReceived() uint64    { return atomic.LoadUint64(&r.bytesReceived) }
func (r *StreamReceiver) GetReplaysBlocked() uint64   { return atomic.LoadUint64(&r.replaysBlocked) }
func (r *StreamReceiver) GetAnnouncesDenied() uint64  { return atomic.LoadUint64(&r.announcesDenied) }

// Close 停止清理循环并丢弃所有未完成流
func (r *StreamReceiver) Close() error {
	r.cancel()
	if r.guard != nil {
		r.guard.Stop()
	}
	r.streams.Range(func(key, value interface{}) bool {
		value.(*Assembler).Cancel()
		r.removeStream(key.(string))
		return true
	})
	return nil
}

func (r *StreamReceiver) log(level int, format string, args ...interface{}) {
	if level > r.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [Receiver] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
