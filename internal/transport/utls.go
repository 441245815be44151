// =============================================================================
// 文件: internal/transport/utls.go
// 描述: uTLS 客户端拨号 - wss 连接的 TLS 指纹模拟
//       支持 Chrome/Firefox/Safari/iOS/Android 等浏览器指纹
// 依赖: github.com/refraction-networking/utls
// =============================================================================
package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
)

// Fingerprint 浏览器指纹类型
type Fingerprint string

const (
	FingerprintChrome  Fingerprint = "chrome"
	FingerprintFirefox Fingerprint = "firefox"
	FingerprintSafari  Fingerprint = "safari"
	FingerprintIOS     Fingerprint = "ios"
	FingerprintAndroid Fingerprint = "android"
	FingerprintEdge    Fingerprint = "edge"
	FingerprintRandom  Fingerprint = "random"
)

// UTLSOptions uTLS 拨号配置
type UTLSOptions struct {
	ServerName         string      // SNI 域名
	Fingerprint        Fingerprint // 浏览器指纹
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	ALPN               []string
	HandshakeTimeout   time.Duration
	LogLevel           string
}

// UTLSDialer uTLS 拨号器
type UTLSDialer struct {
	opts     UTLSOptions
	logLevel int

	// 统计
	totalConns  uint64
	failedConns uint64
}

// NewUTLSDialer 创建拨号器
func NewUTLSDialer(opts UTLSOptions) *UTLSDialer {
	if opts.Fingerprint == "" {
		opts.Fingerprint = FingerprintChrome
	}
	if len(opts.ALPN) == 0 {
		// WebSocket 升级走 HTTP/1.1
		opts.ALPN = []string{"http/1.1"}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &UTLSDialer{
		opts:     opts,
		logLevel: parseLogLevel(opts.LogLevel),
	}
}

// clientHelloID 指纹映射
func (d *UTLSDialer) clientHelloID() utls.ClientHelloID {
	switch d.opts.Fingerprint {
	case FingerprintChrome:
		return utls.HelloChrome_Auto
	case FingerprintFirefox:
		return utls.HelloFirefox_Auto
	case FingerprintSafari:
		return utls.HelloSafari_Auto
	case FingerprintIOS:
		return utls.HelloIOS_Auto
	case FingerprintAndroid:
		return utls.HelloAndroid_11_OkHttp
	case FingerprintEdge:
		return utls.HelloEdge_Auto
	case FingerprintRandom:
		options := []utls.ClientHelloID{
			utls.HelloChrome_Auto,
			utls.HelloFirefox_Auto,
			utls.HelloSafari_Auto,
			utls.HelloEdge_Auto,
			utls.HelloIOS_Auto,
		}
		return options[rand.Intn(len(options))]
	default:
		return utls.HelloChrome_Auto
	}
}

// Dial 建立 TLS 连接
func (d *UTLSDialer) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	atomic.AddUint64(&d.totalConns, 1)

	dialer := &net.Dialer{Timeout: d.opts.HandshakeTimeout}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		atomic.AddUint64(&d.failedConns, 1)
		return nil, fmt.Errorf("连接失败: %w", err)
	}

	serverName := d.opts.ServerName
	if serverName == "" {
		host, _, _ := net.SplitHostPort(addr)
		serverName = host
	}

	tlsConfig := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: d.opts.InsecureSkipVerify,
		RootCAs:            d.opts.RootCAs,
		NextProtos:         d.opts.ALPN,
		MinVersion:         utls.VersionTLS12,
	}

	utlsConn := utls.UClient(rawConn, tlsConfig, d.clientHelloID())

	if err := d.handshake(ctx, utlsConn); err != nil {
		rawConn.Close()
		atomic.AddUint64(&d.failedConns, 1)
		return nil, fmt.Errorf("TLS 握手失败: %w", err)
	}

	d.log(2, "TLS 连接建立: SNI=%s, Fingerprint=%s, Version=0x%04x",
		serverName, d.opts.Fingerprint, utlsConn.ConnectionState().Version)
	return utlsConn, nil
}

// handshake 带超时的握手
func (d *UTLSDialer) handshake(ctx context.Context, conn *utls.UConn) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- conn.Handshake()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.opts.HandshakeTimeout):
		return fmt.Errorf("握手超时")
	}
}

// Stats 拨号统计 (总数, 失败数)
func (d *UTLSDialer) Stats() (total, failed uint64) {
	return atomic.LoadUint64(&d.totalConns), atomic.LoadUint64(&d.failedConns)
}

// ParseFingerprint 解析指纹字符串
func ParseFingerprint(fp string) Fingerprint {
	switch fp {
	case "chrome", "Chrome", "CHROME":
		return FingerprintChrome
	case "firefox", "Firefox", "FIREFOX":
		return FingerprintFirefox
	case "safari", "Safari", "SAFARI":
		return FingerprintSafari
	case "ios", "iOS", "IOS":
		return FingerprintIOS
	case "android", "Android", "ANDROID":
		return FingerprintAndroid
	case "edge", "Edge", "EDGE":
		return FingerprintEdge
	case "random", "Random", "RANDOM":
		return FingerprintRandom
	default:
		return FingerprintChrome
	}
}

func (d *UTLSDialer) log(level int, format string, args ...interface{}) {
	if level > d.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [uTLS] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
