// =============================================================================
// 文件: internal/protocol/protocol_test.go
// =============================================================================
package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestAnnounceRoundTrip(t *testing.T) {
	msg, err := BuildAnnounce("stream-1", 1<<30, "backup.tar")
	if err != nil {
		t.Fatalf("构建失败: %v", err)
	}

	if MessageType(msg) != TypeAnnounce {
		t.Errorf("Type = 0x%02X, want 0x%02X", MessageType(msg), TypeAnnounce)
	}

	ann, err := ParseAnnounce(msg)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if ann.StreamID != "stream-1" {
		t.Errorf("StreamID = %s, want stream-1", ann.StreamID)
	}
	if ann.TotalSize != 1<<30 {
		t.Errorf("TotalSize = %d, want %d", ann.TotalSize, int64(1<<30))
	}
	if ann.Name != "backup.tar" {
		t.Errorf("Name = %s, want backup.tar", ann.Name)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	payload := []byte("hello chunk")
	msg, err := BuildChunk("s", 42, FlagAckRequired, payload, "")
	if err != nil {
		t.Fatalf("构建失败: %v", err)
	}

	c, err := ParseChunk(msg)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if c.StreamID != "s" {
		t.Errorf("StreamID = %s, want s", c.StreamID)
	}
	if c.ChunkID != 42 {
		t.Errorf("ChunkID = %d, want 42", c.ChunkID)
	}
	if !c.AckRequired() {
		t.Error("AckRequired 应为 true")
	}
	if c.IsSentinel() {
		t.Error("普通块不应是哨兵")
	}
	if !bytes.Equal(c.Data, payload) {
		t.Errorf("Data = %v, want %v", c.Data, payload)
	}
	if c.Error != "" {
		t.Errorf("Error = %q, want 空", c.Error)
	}
}

func TestSentinelChunk(t *testing.T) {
	msg, err := BuildSentinel("s", "read failed: handle revoked")
	if err != nil {
		t.Fatalf("构建失败: %v", err)
	}

	c, err := ParseChunk(msg)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if c.ChunkID != SentinelChunkID {
		t.Errorf("ChunkID = %d, want %d", c.ChunkID, SentinelChunkID)
	}
	if !c.IsSentinel() {
		t.Error("IsSentinel 应为 true")
	}
	if c.Data != nil {
		t.Errorf("哨兵块 Data 应为 nil, got %v", c.Data)
	}
	if !strings.Contains(c.Error, "handle revoked") {
		t.Errorf("Error = %q, 缺少错误描述", c.Error)
	}
}

func TestNegativeChunkIDRejected(t *testing.T) {
	// 非哨兵的负 ID 必须拒绝
	msg, err := BuildChunk("s", -5, 0, []byte("x"), "")
	if err != nil {
		t.Fatalf("构建失败: %v", err)
	}
	if _, err := ParseChunk(msg); err == nil {
		t.Error("负块 ID 应解析失败")
	}
}

func TestAckRoundTrip(t *testing.T) {
	for _, alive := range []bool{true, false} {
		msg, err := BuildAck("stream-xyz", 7, alive)
		if err != nil {
			t.Fatalf("构建失败: %v", err)
		}
		ack, err := ParseAck(msg)
		if err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if ack.StreamID != "stream-xyz" {
			t.Errorf("StreamID = %s, want stream-xyz", ack.StreamID)
		}
		if ack.ChunkID != 7 {
			t.Errorf("ChunkID = %d, want 7", ack.ChunkID)
		}
		if ack.Alive != alive {
			t.Errorf("Alive = %v, want %v", ack.Alive, alive)
		}
	}
}

func TestParseTruncated(t *testing.T) {
	msg, _ := BuildChunk("stream-1", 3, 0, []byte("payload"), "")
	for i := 0; i < len(msg); i++ {
		if _, err := ParseChunk(msg[:i]); err == nil {
			t.Errorf("截断到 %d 字节应解析失败", i)
		}
	}
}

func TestBuildRejectsBadStreamID(t *testing.T) {
	if _, err := BuildChunk("", 0, 0, nil, ""); err == nil {
		t.Error("空 StreamID 应拒绝")
	}
	long := strings.Repeat("x", MaxStreamIDSize+1)
	if _, err := BuildAck(long, 0, true); err == nil {
		t.Error("超长 StreamID 应拒绝")
	}
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		total int64
		size  int
		want  int64
	}{
		{0, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{10 * 1024, 1024, 10},
		{10*1024 + 1, 1024, 11},
	}
	for _, tt := range tests {
		if got := ChunkCount(tt.total, tt.size); got != tt.want {
			t.Errorf("ChunkCount(%d, %d) = %d, want %d", tt.total, tt.size, got, tt.want)
		}
	}
}

func TestChunkLength(t *testing.T) {
	// 末块恰好覆盖剩余字节，不越界
	if got := ChunkLength(100, 0, 64); got != 64 {
		t.Errorf("ChunkLength(100, 0, 64) = %d, want 64", got)
	}
	if got := ChunkLength(100, 64, 64); got != 36 {
		t.Errorf("ChunkLength(100, 64, 64) = %d, want 36", got)
	}
	if got := ChunkLength(100, 100, 64); got != 0 {
		t.Errorf("ChunkLength(100, 100, 64) = %d, want 0", got)
	}
}

func BenchmarkBuildChunk(b *testing.B) {
	payload := make([]byte, DefaultChunkSize)
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = BuildChunk("bench", int64(i), 0, payload, "")
	}
}

func BenchmarkParseChunk(b *testing.B) {
	payload := make([]byte, DefaultChunkSize)
	msg, _ := BuildChunk("bench", 1, 0, payload, "")
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ParseChunk(msg)
	}
}
