// =============================================================================
// 文件: internal/stream/driver_test.go
// 描述: 流驱动测试 - 用内存假连接验证发送循环的全部终止路径
// =============================================================================
package stream

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/blobwire/internal/protocol"
	"github.com/mrcgq/blobwire/internal/source"
)

// sentMsg 假连接记录的一条消息
type sentMsg struct {
	streamID string
	chunkID  int64
	data     []byte
	errText  string
	acked    bool
}

// fakeConn 内存假连接
type fakeConn struct {
	mu       sync.Mutex
	msgs     []sentMsg
	cancelAt int   // 第 N 次 Invoke 返回 not-alive (0 = 永不)
	invokes  int
	sendErr  error // 非空时 Send 直接失败
	gate     chan struct{} // 非空时首次发送前阻塞
	gateOnce sync.Once
}

func (f *fakeConn) waitGate() {
	if f.gate != nil {
		f.gateOnce.Do(func() { <-f.gate })
	}
}

func (f *fakeConn) Send(streamID string, chunkID int64, data []byte, errText string) error {
	f.waitGate()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil && errText == "" {
		return f.sendErr
	}
	f.msgs = append(f.msgs, sentMsg{streamID, chunkID, append([]byte(nil), data...), errText, false})
	return nil
}

func (f *fakeConn) Invoke(_ context.Context, streamID string, chunkID int64, data []byte, errText string) (bool, error) {
	f.waitGate()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sentMsg{streamID, chunkID, append([]byte(nil), data...), errText, true})
	f.invokes++
	if f.cancelAt > 0 && f.invokes >= f.cancelAt {
		return false, nil
	}
	return true, nil
}

func (f *fakeConn) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func waitDone(t *testing.T, st *Stream) Result {
	t.Helper()
	select {
	case <-st.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("传输超时未结束")
	}
	return st.Result()
}

func TestDriverCompletePayload(t *testing.T) {
	// 100 字节, 块 16 → 7 块 (末块 4 字节)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	conn := &fakeConn{}
	d := NewDriver(Options{ChunkSize: 16, LogLevel: "error"})

	st := d.Begin(context.Background(), conn, source.NewBytes(payload), "s1")
	res := waitDone(t, st)

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Outcome = %v, want completed", res.Outcome)
	}
	if res.BytesSent != 100 {
		t.Errorf("BytesSent = %d, want 100", res.BytesSent)
	}

	msgs := conn.messages()
	wantChunks := protocol.ChunkCount(100, 16)
	if int64(len(msgs)) != wantChunks {
		t.Fatalf("块数 = %d, want %d", len(msgs), wantChunks)
	}

	// 块号连续且从 0 开始; 块长求和等于总长; 拼接还原原始负载
	var rebuilt []byte
	var sum int
	for i, m := range msgs {
		if m.chunkID != int64(i) {
			t.Errorf("第 %d 条消息块号 = %d, want %d", i, m.chunkID, i)
		}
		if i < len(msgs)-1 && len(m.data) != 16 {
			t.Errorf("块 %d 长度 = %d, want 16", i, len(m.data))
		}
		sum += len(m.data)
		rebuilt = append(rebuilt, m.data...)
	}
	if sum != 100 {
		t.Errorf("块长求和 = %d, want 100", sum)
	}
	if !bytes.Equal(rebuilt, payload) {
		t.Error("拼接结果与原始负载不一致")
	}
}

func TestDriverEmptyPayload(t *testing.T) {
	conn := &fakeConn{}
	d := NewDriver(Options{ChunkSize: 16, LogLevel: "error"})

	st := d.Begin(context.Background(), conn, source.NewBytes(nil), "empty")
	res := waitDone(t, st)

	if res.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %v, want completed", res.Outcome)
	}
	// 0 字节 → 0 块，完全无消息
	if len(conn.messages()) != 0 {
		t.Errorf("空负载不应发出任何消息, got %d 条", len(conn.messages()))
	}
}

func TestDriverAckCadence(t *testing.T) {
	// 块 1 字节 × 20，初始批次 5: 第 5 块是首个确认块
	conn := &fakeConn{}
	d := NewDriver(Options{ChunkSize: 1, InitialChunksBetweenAcks: 5, LogLevel: "error"})

	st := d.Begin(context.Background(), conn, source.NewBytes(make([]byte, 20)), "cadence")
	waitDone(t, st)

	msgs := conn.messages()
	for i := 0; i < 4; i++ {
		if msgs[i].acked {
			t.Errorf("块 %d 应走直发路径", i)
		}
	}
	if !msgs[4].acked {
		t.Error("第 5 块 (块号 4) 应走确认路径")
	}
}

func TestDriverCancelledByReceiver(t *testing.T) {
	// 第 2 次确认返回 not-alive
	conn := &fakeConn{cancelAt: 2}
	d := NewDriver(Options{ChunkSize: 1, InitialChunksBetweenAcks: 2, LogLevel: "error"})

	// 负载足够大: 即使批次被放大到上百块，第 2 次确认也必然发生
	st := d.Begin(context.Background(), conn, source.NewBytes(make([]byte, 2000)), "cancel")
	res := waitDone(t, st)

	if res.Outcome != OutcomeCancelled {
		t.Fatalf("Outcome = %v, want cancelled", res.Outcome)
	}
	if res.Err != nil {
		t.Errorf("协作取消不是失败, Err = %v", res.Err)
	}

	msgs := conn.messages()
	// 取消块之后不再有任何消息，也没有哨兵
	last := msgs[len(msgs)-1]
	if !last.acked {
		t.Error("最后一条消息应是取消那次确认")
	}
	for _, m := range msgs {
		if m.chunkID == protocol.SentinelChunkID {
			t.Error("协作取消不应发出哨兵")
		}
	}
	if int64(len(msgs)) != res.ChunksSent {
		t.Errorf("消息数 = %d, ChunksSent = %d", len(msgs), res.ChunksSent)
	}
}

func TestDriverExtractionFailure(t *testing.T) {
	// 第 3 块 (offset 32) 物化失败
	boom := errors.New("句柄已吊销")
	src := source.NewFunc(100, func(_ context.Context, offset int64, length int) ([]byte, error) {
		if offset >= 32 {
			return nil, boom
		}
		return make([]byte, length), nil
	})
	conn := &fakeConn{}
	d := NewDriver(Options{ChunkSize: 16, LogLevel: "error"})

	st := d.Begin(context.Background(), conn, src, "fail")
	res := waitDone(t, st)

	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %v, want failed", res.Outcome)
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("Err = %v, want 包装吊销错误", res.Err)
	}

	msgs := conn.messages()
	// 恰好一个哨兵，且是最后一条消息
	var sentinels int
	for _, m := range msgs {
		if m.chunkID == protocol.SentinelChunkID {
			sentinels++
			if m.data != nil && len(m.data) != 0 {
				t.Error("哨兵块 data 应为空")
			}
			if m.errText == "" {
				t.Error("哨兵块应携带错误描述")
			}
		}
	}
	if sentinels != 1 {
		t.Errorf("哨兵数 = %d, want 1", sentinels)
	}
	if msgs[len(msgs)-1].chunkID != protocol.SentinelChunkID {
		t.Error("哨兵之后不应再有消息")
	}
	// 失败前成功发出 2 块
	if res.ChunksSent != 2 {
		t.Errorf("ChunksSent = %d, want 2", res.ChunksSent)
	}
}

func TestDriverTransportFailure(t *testing.T) {
	conn := &fakeConn{sendErr: errors.New("连接已断开")}
	d := NewDriver(Options{ChunkSize: 16, LogLevel: "error"})

	st := d.Begin(context.Background(), conn, source.NewBytes(make([]byte, 64)), "drop")
	res := waitDone(t, st)

	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %v, want failed", res.Outcome)
	}
	// 哨兵仍尽力发出 (假连接对 errText 非空的消息放行)
	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].chunkID != protocol.SentinelChunkID {
		t.Errorf("应只有一条哨兵消息, got %d 条", len(msgs))
	}
}

func TestDriverBeginReturnsImmediately(t *testing.T) {
	// 连接闸门未开时 Begin 必须已经返回: 传输整体调度在返回之后
	conn := &fakeConn{gate: make(chan struct{})}
	d := NewDriver(Options{ChunkSize: 16, LogLevel: "error"})

	start := time.Now()
	st := d.Begin(context.Background(), conn, source.NewBytes(make([]byte, 1024)), "detached")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Begin 阻塞了 %v", elapsed)
	}

	select {
	case <-st.Done():
		t.Fatal("闸门未开传输不应结束")
	default:
	}

	close(conn.gate)
	res := waitDone(t, st)
	if res.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %v, want completed", res.Outcome)
	}
}

func TestDriverConcurrentStreams(t *testing.T) {
	// 多流并发互不共享状态
	conn := &fakeConn{}
	d := NewDriver(Options{ChunkSize: 8, LogLevel: "error"})

	var streams []*Stream
	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		streams = append(streams, d.Begin(context.Background(), conn, source.NewBytes(make([]byte, 64)), id))
	}
	for _, st := range streams {
		if res := waitDone(t, st); res.Outcome != OutcomeCompleted {
			t.Errorf("流 %s Outcome = %v", res.StreamID, res.Outcome)
		}
	}

	// 每个流各自块号连续
	perStream := map[string]int64{}
	for _, m := range conn.messages() {
		if m.chunkID != perStream[m.streamID] {
			t.Errorf("流 %s 块号 = %d, want %d", m.streamID, m.chunkID, perStream[m.streamID])
		}
		perStream[m.streamID]++
	}
}
