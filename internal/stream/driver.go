// =============================================================================
// 文件: internal/stream/driver.go
// 描述: 流驱动 - 端到端发送循环
//       拉取分块 → 询问确认节奏 → 直发或等确认 → 推进位置/块号
//       调用方立即返回，循环在独立 goroutine 中跑完
// =============================================================================
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/mrcgq/blobwire/internal/protocol"
	"github.com/mrcgq/blobwire/internal/source"
)

// Connection 外部连接协作者
// 同一连接可被多个并发流共享，实现方自行保证并发安全
type Connection interface {
	// Send 直发，不等待响应 (可被传输层排队缓冲)
	Send(streamID string, chunkID int64, data []byte, errText string) error
	// Invoke 往返调用，返回接收端存活标志 (false = 停止该流)
	Invoke(ctx context.Context, streamID string, chunkID int64, data []byte, errText string) (bool, error)
}

// Outcome 流终止方式 (三选一，终止后不再发送任何块)
type Outcome int

const (
	// OutcomeCompleted 正常完成: 位置到达总长，不发终止消息
	OutcomeCompleted Outcome = iota
	// OutcomeCancelled 协作取消: 确认返回 not-alive，静默停止，不算失败
	OutcomeCancelled
	// OutcomeFailed 出错: 已发出 chunkID=-1 哨兵
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result 流终止后的统计
type Result struct {
	StreamID   string
	Outcome    Outcome
	BytesSent  int64 // 已确认推进的字节数
	ChunksSent int64 // 实际发出的块数 (含取消那一块，不含哨兵)
	AckCount   int64
	Err        error // 仅 OutcomeFailed 时非空
}

// Sink 流事件统计出口 (指标层实现，可为 nil)
type Sink interface {
	StreamStarted(streamID string, totalSize int64)
	ChunkSent(streamID string, bytes int, acked bool)
	AckObserved(streamID string, rtt time.Duration, batch int)
	StreamFinished(streamID string, outcome string, bytesSent int64)
}

// Options 驱动配置
type Options struct {
	ChunkSize                int           // 分块大小，默认 protocol.DefaultChunkSize
	TargetAckInterval        time.Duration // 确认间隔目标，默认 500ms
	InitialChunksBetweenAcks int           // 首个批次块数，默认 5
	Stats                    Sink          // 可选
	LogLevel                 string        // debug/info/error
}

// Driver 流驱动
type Driver struct {
	opts     Options
	logLevel int
}

// NewDriver 创建驱动
func NewDriver(opts Options) *Driver {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = protocol.DefaultChunkSize
	}
	level := 1
	switch opts.LogLevel {
	case "debug":
		level = 2
	case "error":
		level = 0
	}
	return &Driver{opts: opts, logLevel: level}
}

// Stream 一次传输的句柄
// 每流独占自己的位置/块号/节奏状态，流之间无共享可变状态
type Stream struct {
	streamID string
	rtt      *RTTEstimator
	done     chan struct{}
	res      Result
}

// Done 传输结束时关闭
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Result 终止统计 (Done 关闭后读取才有意义)
func (s *Stream) Result() Result {
	select {
	case <-s.done:
		return s.res
	default:
		return Result{StreamID: s.streamID}
	}
}

// AckRTT 确认往返耗时估算器 (运行中可读)
func (s *Stream) AckRTT() *RTTEstimator {
	return s.rtt
}

// Begin 启动传输并立即返回，不等待完成
// 整个发送循环被调度到独立 goroutine: 发起调用先返回、传输后开始，
// 避免发起方与接收方互相等待
// ctx 仅透传给数据源物化与确认往返; 核心不做超时，取消由接收端驱动
func (d *Driver) Begin(ctx context.Context, conn Connection, src source.Source, streamID string) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}
	st := &Stream{
		streamID: streamID,
		rtt:      NewRTTEstimator(),
		done:     make(chan struct{}),
	}
	go d.run(ctx, conn, src, st)
	return st
}

// run 发送循环主体
func (d *Driver) run(ctx context.Context, conn Connection, src source.Source, st *Stream) {
	defer close(st.done)

	res := &st.res
	res.StreamID = st.streamID

	total := src.Len()
	timer := NewAckTimer(d.opts.TargetAckInterval, d.opts.InitialChunksBetweenAcks)

	if d.opts.Stats != nil {
		d.opts.Stats.StreamStarted(st.streamID, total)
	}
	d.log(2, "流启动: %s (%d 字节, 块 %d)", st.streamID, total, d.opts.ChunkSize)

	var position, chunkID int64

	for position < total {
		length := protocol.ChunkLength(total, position, d.opts.ChunkSize)

		// 分块物化 (deferred 源的挂起点)
		data, err := src.ReadSlice(ctx, position, length)
		if err != nil {
			d.fail(conn, res, fmt.Errorf("分块 %d 读取失败: %w", chunkID, err))
			return
		}

		switch timer.Next() {
		case DecisionNoAck:
			// 直发路径: 连发不等，靠传输层缓冲吸收
			if err := conn.Send(st.streamID, chunkID, data, ""); err != nil {
				d.fail(conn, res, fmt.Errorf("分块 %d 发送失败: %w", chunkID, err))
				return
			}
			res.ChunksSent++
			if d.opts.Stats != nil {
				d.opts.Stats.ChunkSent(st.streamID, length, false)
			}

		case DecisionAck:
			// 确认路径: 挂起直到接收端返回存活标志
			start := time.Now()
			alive, err := conn.Invoke(ctx, st.streamID, chunkID, data, "")
			if err != nil {
				d.fail(conn, res, fmt.Errorf("分块 %d 确认失败: %w", chunkID, err))
				return
			}
			res.ChunksSent++
			res.AckCount++
			st.rtt.Update(time.Since(start))

			elapsed, batch := timer.ObserveAck()
			if d.opts.Stats != nil {
				d.opts.Stats.ChunkSent(st.streamID, length, true)
				d.opts.Stats.AckObserved(st.streamID, time.Since(start), batch)
			}
			d.log(2, "流 %s 确认: 块 %d, 间隔 %v, 新批次 %d", st.streamID, chunkID, elapsed, batch)

			if !alive {
				// 协作取消: 静默停止，不发哨兵
				res.Outcome = OutcomeCancelled
				d.log(1, "流取消: %s (块 %d 后接收端停止)", st.streamID, chunkID)
				d.finish(res)
				return
			}
		}

		position += int64(length)
		chunkID++
		res.BytesSent = position
	}

	// 正常完成: 不发显式终止消息，接收端按声明长度推断
	res.Outcome = OutcomeCompleted
	d.log(1, "流完成: %s (%d 字节, %d 块, %d 次确认)", st.streamID, res.BytesSent, res.ChunksSent, res.AckCount)
	d.finish(res)
}

// fail 错误路径: 发出唯一的终止哨兵后停止
// 哨兵是错误跨边界的唯一通道; 哨兵本身发送失败不再处理
func (d *Driver) fail(conn Connection, res *Result, err error) {
	res.Outcome = OutcomeFailed
	res.Err = err
	d.log(0, "流失败: %s: %v", res.StreamID, err)

	_ = conn.Send(res.StreamID, protocol.SentinelChunkID, nil, err.Error())
	d.finish(res)
}

func (d *Driver) finish(res *Result) {
	if d.opts.Stats != nil {
		d.opts.Stats.StreamFinished(res.StreamID, res.Outcome.String(), res.BytesSent)
	}
}

func (d *Driver) log(level int, format string, args ...interface{}) {
	if level > d.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [Stream] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
