// =============================================================================
// 文件: internal/transport/transport_test.go
// 描述: 客户端/服务器回环测试
// =============================================================================
package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/blobwire/internal/crypto"
	"github.com/mrcgq/blobwire/internal/protocol"
)

// recordingReceiver 记录收到的消息
type recordingReceiver struct {
	mu        sync.Mutex
	announces []*protocol.Announce
	chunks    []*protocol.Chunk
	alive     bool // Ack 返回的存活标志
}

func (r *recordingReceiver) HandleAnnounce(_ string, a *protocol.Announce) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announces = append(r.announces, a)
	return nil
}

func (r *recordingReceiver) HandleChunk(_ string, c *protocol.Chunk) *protocol.Ack {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	cp.Data = append([]byte(nil), c.Data...)
	r.chunks = append(r.chunks, &cp)
	if c.AckRequired() {
		return &protocol.Ack{StreamID: c.StreamID, ChunkID: c.ChunkID, Alive: r.alive}
	}
	return nil
}

func (r *recordingReceiver) chunkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// startLoopback 起一个测试服务器并拨号连接
func startLoopback(t *testing.T, psk string) (*Client, *recordingReceiver, func()) {
	t.Helper()

	recv := &recordingReceiver{alive: true}
	srv, err := NewWebSocketServer(ServerOptions{
		Path:       "/stream",
		PSK:        psk,
		TimeWindow: 30,
		LogLevel:   "error",
	}, recv)
	if err != nil {
		t.Fatalf("创建服务器失败: %v", err)
	}

	httpSrv := httptest.NewServer(srv.Handler())
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/stream"

	client, err := Dial(context.Background(), ClientOptions{
		URL:        wsURL,
		PSK:        psk,
		TimeWindow: 30,
		LogLevel:   "error",
	})
	if err != nil {
		httpSrv.Close()
		t.Fatalf("拨号失败: %v", err)
	}

	return client, recv, func() {
		client.Close()
		httpSrv.Close()
	}
}

func TestLoopbackAnnounceAndSend(t *testing.T) {
	client, recv, cleanup := startLoopback(t, "")
	defer cleanup()

	if err := client.Announce("s1", 1024, "blob.bin"); err != nil {
		t.Fatalf("Announce 失败: %v", err)
	}
	if err := client.Send("s1", 0, []byte("hello"), ""); err != nil {
		t.Fatalf("Send 失败: %v", err)
	}

	// 直发无响应，轮询等服务端收到
	deadline := time.Now().Add(3 * time.Second)
	for recv.chunkCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("服务端未收到分块")
		}
		time.Sleep(10 * time.Millisecond)
	}

	recv.mu.Lock()
	defer recv.mu.Unlock()
	if len(recv.announces) != 1 || recv.announces[0].TotalSize != 1024 {
		t.Errorf("声明未正确送达: %+v", recv.announces)
	}
	if string(recv.chunks[0].Data) != "hello" {
		t.Errorf("分块数据 = %q, want hello", recv.chunks[0].Data)
	}
	if recv.chunks[0].AckRequired() {
		t.Error("直发块不应带确认标志")
	}
}

func TestLoopbackInvoke(t *testing.T) {
	client, recv, cleanup := startLoopback(t, "")
	defer cleanup()

	alive, err := client.Invoke(context.Background(), "s2", 7, []byte("acked"), "")
	if err != nil {
		t.Fatalf("Invoke 失败: %v", err)
	}
	if !alive {
		t.Error("存活标志 = false, want true")
	}

	recv.mu.Lock()
	defer recv.mu.Unlock()
	if len(recv.chunks) != 1 || !recv.chunks[0].AckRequired() {
		t.Error("确认块未正确送达")
	}
}

func TestLoopbackInvokeNotAlive(t *testing.T) {
	client, recv, cleanup := startLoopback(t, "")
	defer cleanup()
	recv.alive = false

	alive, err := client.Invoke(context.Background(), "s3", 0, []byte("x"), "")
	if err != nil {
		t.Fatalf("Invoke 失败: %v", err)
	}
	if alive {
		t.Error("接收端拒绝后存活标志应为 false")
	}
}

func TestLoopbackSealed(t *testing.T) {
	psk, err := crypto.GeneratePSK()
	if err != nil {
		t.Fatalf("生成 PSK 失败: %v", err)
	}
	client, recv, cleanup := startLoopback(t, psk)
	defer cleanup()

	alive, err := client.Invoke(context.Background(), "sealed", 0, []byte("secret"), "")
	if err != nil {
		t.Fatalf("加封 Invoke 失败: %v", err)
	}
	if !alive {
		t.Error("存活标志 = false")
	}

	recv.mu.Lock()
	defer recv.mu.Unlock()
	if string(recv.chunks[0].Data) != "secret" {
		t.Errorf("解封后数据 = %q", recv.chunks[0].Data)
	}
}

func TestLoopbackSentinel(t *testing.T) {
	client, recv, cleanup := startLoopback(t, "")
	defer cleanup()

	if err := client.Send("s4", protocol.SentinelChunkID, nil, "源已吊销"); err != nil {
		t.Fatalf("哨兵发送失败: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for recv.chunkCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("服务端未收到哨兵")
		}
		time.Sleep(10 * time.Millisecond)
	}

	recv.mu.Lock()
	defer recv.mu.Unlock()
	if !recv.chunks[0].IsSentinel() {
		t.Error("收到的不是哨兵块")
	}
	if recv.chunks[0].Error != "源已吊销" {
		t.Errorf("哨兵错误文本 = %q", recv.chunks[0].Error)
	}
}

func TestInvokeContextCancel(t *testing.T) {
	// 接收器不回确认 → Invoke 应随 ctx 取消返回
	recv := &recordingReceiver{alive: true}
	srv, err := NewWebSocketServer(ServerOptions{Path: "/stream", LogLevel: "error"}, silentReceiver{recv})
	if err != nil {
		t.Fatalf("创建服务器失败: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/stream"
	client, err := Dial(context.Background(), ClientOptions{URL: wsURL, LogLevel: "error"})
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := client.Invoke(ctx, "s5", 0, []byte("x"), ""); err == nil {
		t.Error("无确认时 Invoke 应随上下文取消失败")
	}
}

// silentReceiver 吞掉确认请求
type silentReceiver struct {
	inner *recordingReceiver
}

func (s silentReceiver) HandleAnnounce(remote string, a *protocol.Announce) error {
	return s.inner.HandleAnnounce(remote, a)
}

func (s silentReceiver) HandleChunk(remote string, c *protocol.Chunk) *protocol.Ack {
	s.inner.HandleChunk(remote, c)
	return nil
}
