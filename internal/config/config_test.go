// =============================================================================
// 文件: internal/config/config_test.go
// 描述: 配置加载与校验测试
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("默认服务端配置应通过校验: %v", err)
	}
	if err := DefaultClientConfig().Validate(); err != nil {
		t.Errorf("默认客户端配置应通过校验: %v", err)
	}
}

func TestLoadServerConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":6000"
time_window: 60
log_level: "debug"
receiver:
  output_dir: "/tmp/blobs"
  max_active_streams: 10
  max_stream_size_mb: 100
  idle_timeout_sec: 60
metrics:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.GetListenPort() != 6000 {
		t.Errorf("端口 = %d, want 6000", cfg.GetListenPort())
	}
	if cfg.Receiver.MaxStreamSize() != 100*1024*1024 {
		t.Errorf("单流上限 = %d", cfg.Receiver.MaxStreamSize())
	}
	// 未写字段保留默认值
	if cfg.WebSocket.Path != "/stream" {
		t.Errorf("path = %s, want /stream", cfg.WebSocket.Path)
	}
}

func TestServerConfigPortConflict(t *testing.T) {
	path := writeConfig(t, `
listen: ":7000"
metrics:
  enabled: true
  listen: ":7000"
`)
	if _, err := Load(path); err == nil {
		t.Error("端口冲突应被拒绝")
	}
}

func TestServerConfigBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"时间窗口越界", "time_window: 0"},
		{"路径缺少斜杠", "websocket:\n  path: \"stream\""},
		{"TLS 缺证书", "websocket:\n  tls: true"},
		{"空闲阈值过小", "receiver:\n  idle_timeout_sec: 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Errorf("%s 应被拒绝", tt.name)
			}
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	path := writeConfig(t, `
url: "wss://cdn.example.com/stream"
host: "cdn.example.com"
tls:
  fingerprint: "firefox"
stream:
  chunk_size: 65536
  target_ack_interval_ms: 250
  concurrency: 8
`)

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Stream.ChunkSize != 65536 {
		t.Errorf("chunk_size = %d", cfg.Stream.ChunkSize)
	}
	if cfg.Stream.TargetAckInterval().Milliseconds() != 250 {
		t.Errorf("确认间隔 = %v", cfg.Stream.TargetAckInterval())
	}
	if cfg.Stream.InitialChunksBetweenAcks != 5 {
		t.Error("未写字段应保留默认值")
	}
}

func TestClientConfigBadURL(t *testing.T) {
	path := writeConfig(t, `url: "http://example.com/stream"`)
	if _, err := LoadClient(path); err == nil {
		t.Error("非 ws/wss 协议应被拒绝")
	}
}

func TestGenerateExampleConfigs(t *testing.T) {
	dir := t.TempDir()

	serverPath := filepath.Join(dir, "server.yaml")
	if err := WriteExampleConfig(serverPath); err != nil {
		t.Fatalf("生成服务端示例失败: %v", err)
	}
	if _, err := Load(serverPath); err != nil {
		t.Errorf("服务端示例配置应能加载: %v", err)
	}

	clientPath := filepath.Join(dir, "client.yaml")
	if err := WriteExampleClientConfig(clientPath); err != nil {
		t.Fatalf("生成客户端示例失败: %v", err)
	}
	if _, err := LoadClient(clientPath); err != nil {
		t.Errorf("客户端示例配置应能加载: %v", err)
	}
}
