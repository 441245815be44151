// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 服务端与客户端 YAML 配置
//       含默认值、校验、端口冲突检测与示例配置生成
// =============================================================================
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 服务端配置
// =============================================================================

// Config 服务端主配置
type Config struct {
	Listen     string `yaml:"listen"`
	PSK        string `yaml:"psk"`
	TimeWindow int    `yaml:"time_window"`
	LogLevel   string `yaml:"log_level"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// WebSocketConfig WebSocket 传输配置
type WebSocketConfig struct {
	Path     string `yaml:"path"`
	Host     string `yaml:"host"` // 非空时校验 Host 头
	TLS      bool   `yaml:"tls"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ReceiverConfig 接收器配置
type ReceiverConfig struct {
	OutputDir        string `yaml:"output_dir"`
	MaxActiveStreams int    `yaml:"max_active_streams"`
	MaxStreamSizeMB  int    `yaml:"max_stream_size_mb"`
	IdleTimeoutSec   int    `yaml:"idle_timeout_sec"`
	ReplayGuard      bool   `yaml:"replay_guard"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载服务端配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig 返回服务端默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:     ":54321",
		TimeWindow: 30,
		LogLevel:   "info",

		WebSocket: WebSocketConfig{
			Path: "/stream",
		},

		Receiver: ReceiverConfig{
			OutputDir:        "./received",
			MaxActiveStreams: 256,
			MaxStreamSizeMB:  4096,
			IdleTimeoutSec:   300,
			ReplayGuard:      true,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证服务端配置
func (c *Config) Validate() error {
	// PSK 可为空 (明文模式)，非空时必须是合法 base64 32 字节，由 crypto 层校验

	if c.TimeWindow < 1 || c.TimeWindow > 300 {
		return fmt.Errorf("time_window 需在 1-300 之间")
	}

	mainPort, err := parsePort(c.Listen)
	if err != nil {
		return fmt.Errorf("listen 端口格式错误: %w", err)
	}

	// 端口冲突检测
	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if metricsPort == mainPort {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 listen 冲突", metricsPort)
		}
	}

	if c.WebSocket.Path == "" {
		c.WebSocket.Path = "/stream"
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("websocket.path 必须以 / 开头")
	}
	if c.WebSocket.TLS {
		if c.WebSocket.CertFile == "" || c.WebSocket.KeyFile == "" {
			return fmt.Errorf("websocket TLS 模式需要配置 cert_file 和 key_file")
		}
	}

	if c.Receiver.MaxActiveStreams < 1 || c.Receiver.MaxActiveStreams > 65536 {
		return fmt.Errorf("receiver.max_active_streams 需在 1-65536 之间")
	}
	if c.Receiver.MaxStreamSizeMB < 1 {
		return fmt.Errorf("receiver.max_stream_size_mb 需为正数")
	}
	if c.Receiver.IdleTimeoutSec < 10 {
		return fmt.Errorf("receiver.idle_timeout_sec 不能小于 10")
	}

	return nil
}

// MaxStreamSize 单流长度上限 (字节)
func (c *ReceiverConfig) MaxStreamSize() int64 {
	return int64(c.MaxStreamSizeMB) * 1024 * 1024
}

// IdleTimeout 空闲回收阈值
func (c *ReceiverConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// GetListenPort 获取监听端口
func (c *Config) GetListenPort() int {
	port, _ := parsePort(c.Listen)
	return port
}

// =============================================================================
// 客户端配置
// =============================================================================

// ClientConfig 客户端主配置
type ClientConfig struct {
	URL        string `yaml:"url"`
	Host       string `yaml:"host"`
	PSK        string `yaml:"psk"`
	TimeWindow int    `yaml:"time_window"`
	LogLevel   string `yaml:"log_level"`

	TLS    ClientTLSConfig `yaml:"tls"`
	Stream StreamConfig    `yaml:"stream"`
}

// ClientTLSConfig wss 拨号配置
type ClientTLSConfig struct {
	Fingerprint        string `yaml:"fingerprint"` // chrome/firefox/safari/ios/android/edge/random
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// StreamConfig 发送节奏配置
type StreamConfig struct {
	ChunkSize                int `yaml:"chunk_size"`
	TargetAckIntervalMs      int `yaml:"target_ack_interval_ms"`
	InitialChunksBetweenAcks int `yaml:"initial_chunks_between_acks"`
	Concurrency              int `yaml:"concurrency"` // 并发上传数
}

// LoadClient 加载客户端配置
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultClientConfig 返回客户端默认配置
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		URL:        "ws://127.0.0.1:54321/stream",
		TimeWindow: 30,
		LogLevel:   "info",

		TLS: ClientTLSConfig{
			Fingerprint: "chrome",
		},

		Stream: StreamConfig{
			ChunkSize:                32 * 1024,
			TargetAckIntervalMs:      500,
			InitialChunksBetweenAcks: 5,
			Concurrency:              4,
		},
	}
}

// Validate 验证客户端配置
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url 解析失败: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url 协议需为 ws 或 wss: %s", u.Scheme)
	}

	if c.TimeWindow < 1 || c.TimeWindow > 300 {
		return fmt.Errorf("time_window 需在 1-300 之间")
	}

	if c.Stream.ChunkSize < 1 || c.Stream.ChunkSize > 16*1024*1024 {
		return fmt.Errorf("stream.chunk_size 需在 1 字节到 16MB 之间")
	}
	if c.Stream.TargetAckIntervalMs < 1 || c.Stream.TargetAckIntervalMs > 60000 {
		return fmt.Errorf("stream.target_ack_interval_ms 需在 1-60000 之间")
	}
	if c.Stream.InitialChunksBetweenAcks < 1 || c.Stream.InitialChunksBetweenAcks > 10000 {
		return fmt.Errorf("stream.initial_chunks_between_acks 需在 1-10000 之间")
	}
	if c.Stream.Concurrency < 1 || c.Stream.Concurrency > 256 {
		return fmt.Errorf("stream.concurrency 需在 1-256 之间")
	}

	return nil
}

// TargetAckInterval 确认间隔目标
func (c *StreamConfig) TargetAckInterval() time.Duration {
	return time.Duration(c.TargetAckIntervalMs) * time.Millisecond
}

// =============================================================================
// 工具函数
// =============================================================================

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成服务端示例配置
func GenerateExampleConfig() string {
	return `# Blobwire Server 配置文件示例
# =============================================================================

# 基础配置
listen: ":54321"                    # 监听地址
psk: ""                             # 预共享密钥 (留空为明文，使用 --gen-psk 生成)
time_window: 30                     # 密钥时间窗口 (秒)
log_level: "info"                   # 日志级别: debug, info, error

# WebSocket 传输
websocket:
  path: "/stream"                   # WebSocket 路径
  host: ""                          # Host 头校验 (留空不校验)
  tls: false                        # 启用 TLS
  cert_file: ""                     # TLS 证书文件
  key_file: ""                      # TLS 密钥文件

# 流接收器
receiver:
  output_dir: "./received"          # 落盘目录 (留空只校验不落盘)
  max_active_streams: 256           # 并发流上限
  max_stream_size_mb: 4096          # 单流声明长度上限 (MB)
  idle_timeout_sec: 300             # 空闲流回收阈值 (秒)
  replay_guard: true                # 拒绝重复的流标识

# Prometheus 监控
metrics:
  enabled: true
  listen: ":9100"                   # 监控端口
  path: "/metrics"                  # Prometheus 指标路径
  health_path: "/health"            # 健康检查路径
  enable_pprof: false               # 启用 pprof
`
}

// GenerateExampleClientConfig 生成客户端示例配置
func GenerateExampleClientConfig() string {
	return `# Blobwire Client 配置文件示例
# =============================================================================

url: "ws://127.0.0.1:54321/stream"  # 服务端地址 (ws:// 或 wss://)
host: ""                            # Host 头 (CDN 前置时使用)
psk: ""                             # 预共享密钥 (需与服务端一致)
time_window: 30                     # 密钥时间窗口 (秒)
log_level: "info"                   # 日志级别: debug, info, error

# wss TLS 配置
tls:
  fingerprint: "chrome"             # 浏览器指纹: chrome, firefox, safari, ios, android, edge, random
  server_name: ""                   # SNI 域名 (留空取 URL 主机名)
  insecure_skip_verify: false       # 跳过证书验证

# 发送节奏
stream:
  chunk_size: 32768                 # 分块大小 (字节)
  target_ack_interval_ms: 500       # 确认间隔目标 (毫秒)
  initial_chunks_between_acks: 5    # 首个批次块数
  concurrency: 4                    # 并发上传数
`
}

// WriteExampleConfig 写入服务端示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}

// WriteExampleClientConfig 写入客户端示例配置文件
func WriteExampleClientConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleClientConfig()), 0644)
}
