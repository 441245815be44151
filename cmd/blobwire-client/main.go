// =============================================================================
// 文件: cmd/blobwire-client/main.go
// 描述: 发送端主程序入口 - 并发上传文件到接收端
// =============================================================================
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mrcgq/blobwire/internal/config"
	"github.com/mrcgq/blobwire/internal/crypto"
	"github.com/mrcgq/blobwire/internal/metrics"
	"github.com/mrcgq/blobwire/internal/source"
	"github.com/mrcgq/blobwire/internal/stream"
	"github.com/mrcgq/blobwire/internal/transport"
)

var Version = "1.0.0"

func main() {
	configPath := flag.String("c", "", "配置文件路径 (留空用默认值)")
	showVersion := flag.Bool("v", false, "显示版本")
	genPSK := flag.Bool("gen-psk", false, "生成新的 PSK")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	urlFlag := flag.String("url", "", "覆盖服务端地址")
	pskFlag := flag.String("psk", "", "覆盖预共享密钥")
	metricsListen := flag.String("metrics", "", "指标服务监听地址 (留空不启动)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Blobwire Client v%s (Go %s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
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
		if err := config.WriteExampleClientConfig("client.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: client.example.yaml")
		return
	}

	var cfg *config.ClientConfig
	var err error
	if *configPath != "" {
		cfg, err = config.LoadClient(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.DefaultClientConfig()
	}

	if *urlFlag != "" {
		cfg.URL = *urlFlag
	}
	if *pskFlag != "" {
		cfg.PSK = *pskFlag
	}

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "用法: blobwire-client [选项] 文件...")
		flag.PrintDefaults()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 可选指标出口
	var sink stream.Sink
	var bw *metrics.BlobwireMetrics
	var metricsServer *metrics.MetricsServer
	if *metricsListen != "" {
		metricsServer = metrics.NewMetricsServer(*metricsListen, "/metrics", "/health", false)
		bw = metrics.NewBlobwireMetrics(metricsServer.GetRegistry())
		sink = bw
		if err := metricsServer.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics 启动失败: %v\n", err)
		}
		defer metricsServer.Stop()
	}

	// 单连接承载全部并发流
	client, err := transport.Dial(ctx, transport.ClientOptions{
		URL:                cfg.URL,
		Host:               cfg.Host,
		PSK:                cfg.PSK,
		TimeWindow:         cfg.TimeWindow,
		Fingerprint:        cfg.TLS.Fingerprint,
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		LogLevel:           cfg.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "连接失败: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	driver := stream.NewDriver(stream.Options{
		ChunkSize:                cfg.Stream.ChunkSize,
		TargetAckInterval:        cfg.Stream.TargetAckInterval(),
		InitialChunksBetweenAcks: cfg.Stream.InitialChunksBetweenAcks,
		Stats:                    sink,
		LogLevel:                 cfg.LogLevel,
	})

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(cfg.Stream.Concurrency))

	for _, path := range files {
		path := path
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return upload(gctx, client, driver, path)
		})
	}

	if err := g.Wait(); err != nil {
		if bw != nil {
			bw.RecordError("upload")
		}
		fmt.Fprintf(os.Stderr, "上传失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("全部完成: %d 个文件, 耗时 %v\n", len(files), time.Since(start).Round(time.Millisecond))
}

// upload 上传单个文件: 声明 → 启动流 → 等待终止
func upload(ctx context.Context, client *transport.Client, driver *stream.Driver, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("打开 %s 失败: %w", path, err)
	}
	defer f.Close()

	src, err := source.NewFile(f)
	if err != nil {
		return fmt.Errorf("读取 %s 失败: %w", path, err)
	}

	name := filepath.Base(path)
	streamID, err := newStreamID(name)
	if err != nil {
		return err
	}

	if err := client.Announce(streamID, src.Len(), name); err != nil {
		return fmt.Errorf("声明 %s 失败: %w", name, err)
	}

	st := driver.Begin(ctx, client, src, streamID)
	select {
	case <-st.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	res := st.Result()
	switch res.Outcome {
	case stream.OutcomeCompleted:
		fmt.Printf("完成: %s (%d 字节, %d 块, %d 次确认, SRTT %v)\n",
			name, res.BytesSent, res.ChunksSent, res.AckCount, st.AckRTT().SmoothedRTT().Round(time.Millisecond))
		return nil
	case stream.OutcomeCancelled:
		fmt.Printf("已取消: %s (接收端停止于 %d 字节)\n", name, res.BytesSent)
		return nil
	default:
		return fmt.Errorf("%s 传输失败: %w", name, res.Err)
	}
}

// newStreamID 生成全局唯一的流标识
func newStreamID(name string) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成流标识失败: %w", err)
	}
	id := fmt.Sprintf("%s-%d-%s", name, time.Now().Unix(), hex.EncodeToString(buf))
	// StreamID 上限 255 字节，超长时截断名称部分
	if len(id) > 255 {
		id = id[len(id)-255:]
	}
	return id, nil
}
