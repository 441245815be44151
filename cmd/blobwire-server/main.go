// =============================================================================
// 文件: cmd/blobwire-server/main.go
// 描述: 接收端主程序入口 - WebSocket 接收 + Prometheus 指标
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mrcgq/blobwire/internal/config"
	"github.com/mrcgq/blobwire/internal/crypto"
	"github.com/mrcgq/blobwire/internal/handler"
	"github.com/mrcgq/blobwire/internal/metrics"
	"github.com/mrcgq/blobwire/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genPSK := flag.Bool("gen-psk", false, "生成新的 PSK")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	listen := flag.String("listen", "", "覆盖监听地址")
	outputDir := flag.String("output", "", "覆盖落盘目录")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genPSK {
		psk, err := crypto.GeneratePSK()
		if err != nil {
			fmt.Fprintf(os.Stderr, "生成 PSK 失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(psk)
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	if *listen != "" {
		cfg.Listen = *listen
	}
	if *outputDir != "" {
		cfg.Receiver.OutputDir = *outputDir
	}

	if cfg.Receiver.OutputDir != "" {
		if err := os.MkdirAll(cfg.Receiver.OutputDir, 0700); err != nil {
			fmt.Fprintf(os.Stderr, "创建落盘目录失败: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 流接收器
	receiver := handler.NewStreamReceiver(handler.Options{
		OutputDir:        cfg.Receiver.OutputDir,
		MaxActiveStreams: cfg.Receiver.MaxActiveStreams,
		MaxStreamSize:    cfg.Receiver.MaxStreamSize(),
		IdleTimeout:      cfg.Receiver.IdleTimeout(),
		ReplayGuard:      cfg.Receiver.ReplayGuard,
		LogLevel:         cfg.LogLevel,
	})

	// WebSocket 服务器
	wsServer, err := transport.NewWebSocketServer(transport.ServerOptions{
		Addr:       cfg.Listen,
		Path:       cfg.WebSocket.Path,
		Host:       cfg.WebSocket.Host,
		UseTLS:     cfg.WebSocket.TLS,
		CertFile:   cfg.WebSocket.CertFile,
		KeyFile:    cfg.WebSocket.KeyFile,
		PSK:        cfg.PSK,
		TimeWindow: cfg.TimeWindow,
		LogLevel:   cfg.LogLevel,
	}, receiver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "传输层错误: %v\n", err)
		os.Exit(1)
	}

	// Metrics 服务器
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
		)
		metricsServer.MustRegisterCollector(metrics.NewReceiverCollector(receiver))
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return createHealthStatus(receiver, wsServer)
		})

		if err := metricsServer.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics 启动失败: %v\n", err)
		}
	}

	if err := wsServer.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		os.Exit(1)
	}

	printBanner(cfg, metricsServer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\n正在关闭...")
	cancel()

	if metricsServer != nil {
		metricsServer.Stop()
	}
	wsServer.Stop()
	receiver.Close()
}

// =============================================================================
// 健康检查
// =============================================================================

func createHealthStatus(r *handler.StreamReceiver, ws *transport.WebSocketServer) metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(startTime),
		Components: make(map[string]metrics.ComponentHealth),
	}

	status.Components["transport"] = metrics.ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("active_conns: %d", ws.GetActiveConns()),
	}

	stats := r.Stats()
	status.Components["receiver"] = metrics.ComponentHealth{
		Status: "healthy",
		Message: fmt.Sprintf("active_streams: %d, completed: %d, failed: %d",
			stats.ActiveStreams, stats.StreamsCompleted, stats.StreamsFailed),
	}

	return status
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("Blobwire Server v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("功能:")
	fmt.Println("  - WebSocket 流式接收 (CDN 友好)")
	fmt.Println("  - 自适应确认节奏分块传输")
	fmt.Println("  - ChaCha20-Poly1305 帧加封 (可选)")
	fmt.Println("  - 流标识重放防护")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics  : Prometheus 格式指标")
	fmt.Println("  - /health   : JSON 健康状态")
}

func printBanner(cfg *config.Config, ms *metrics.MetricsServer) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║         Blobwire Server v%-40s ║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  监听地址: %-53s ║\n", cfg.Listen+cfg.WebSocket.Path)
	fmt.Printf("║  落盘目录: %-53s ║\n", orDash(cfg.Receiver.OutputDir))
	fmt.Printf("║  帧加封:   %-53s ║\n", enabledString(cfg.PSK != ""))
	fmt.Printf("║  重放防护: %-53s ║\n", enabledString(cfg.Receiver.ReplayGuard))
	if ms != nil {
		fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Prometheus: http://localhost%s%-35s ║\n", cfg.Metrics.Listen, cfg.Metrics.Path)
		fmt.Printf("║  健康检查:   http://localhost%s%-33s ║\n", cfg.Metrics.Listen, cfg.Metrics.HealthPath)
	}
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Println("║  按 Ctrl+C 停止                                                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func orDash(s string) string {
	if s == "" {
		return "(不落盘)"
	}
	return s
}

func enabledString(on bool) string {
	if on {
		return "已启用"
	}
	return "未启用"
}
