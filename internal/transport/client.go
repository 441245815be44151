// =============================================================================
// 文件: internal/transport/client.go
// 描述: WebSocket 客户端连接 - 发送端到接收端的消息通道
//       实现流驱动的 Connection 接口: Send 直发 / Invoke 等确认
//       单连接可承载多个并发流，写入串行化，确认由读循环分发
// =============================================================================
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/blobwire/internal/crypto"
	"github.com/mrcgq/blobwire/internal/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultInvokeTimeout    = 30 * time.Second
)

// ClientOptions 客户端配置
type ClientOptions struct {
	URL        string // ws:// 或 wss://
	Host       string // Host 头 (可选，用于前置 CDN)
	PSK        string // 非空时启用帧加封
	TimeWindow int    // 密钥窗口 (秒)

	// wss 专用: 非空时用 uTLS 指纹拨号
	Fingerprint        string
	ServerName         string
	InsecureSkipVerify bool

	HandshakeTimeout time.Duration
	InvokeTimeout    time.Duration // 单次确认等待上限
	LogLevel         string
}

// ackKey 在途确认的索引
type ackKey struct {
	streamID string
	chunkID  int64
}

// Client WebSocket 客户端连接
type Client struct {
	conn  *websocket.Conn
	frame *crypto.FrameCrypto

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[ackKey]chan bool

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	invokeTimeout time.Duration
	logLevel      int
}

// Dial 建立到接收端的连接并启动读循环
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("URL 解析失败: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("不支持的协议: %s", u.Scheme)
	}

	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = defaultInvokeTimeout
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}

	if u.Scheme == "wss" {
		serverName := opts.ServerName
		if serverName == "" {
			serverName = u.Hostname()
		}
		if opts.Fingerprint != "" {
			// 浏览器指纹拨号
			utlsClient := NewUTLSDialer(UTLSOptions{
				ServerName:         serverName,
				Fingerprint:        ParseFingerprint(opts.Fingerprint),
				InsecureSkipVerify: opts.InsecureSkipVerify,
				HandshakeTimeout:   opts.HandshakeTimeout,
				LogLevel:           opts.LogLevel,
			})
			dialer.NetDialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return utlsClient.Dial(ctx, network, addr)
			}
		} else {
			dialer.TLSClientConfig = &tls.Config{
				ServerName:         serverName,
				InsecureSkipVerify: opts.InsecureSkipVerify,
			}
		}
	}

	var header http.Header
	if opts.Host != "" {
		header = http.Header{"Host": []string{opts.Host}}
	}

	wsConn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("拨号失败 (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("拨号失败: %w", err)
	}

	c := &Client{
		conn:          wsConn,
		pending:       make(map[ackKey]chan bool),
		closed:        make(chan struct{}),
		invokeTimeout: opts.InvokeTimeout,
		logLevel:      parseLogLevel(opts.LogLevel),
	}

	if opts.PSK != "" {
		frame, err := crypto.New(opts.PSK, opts.TimeWindow)
		if err != nil {
			wsConn.Close()
			return nil, fmt.Errorf("帧加封初始化失败: %w", err)
		}
		c.frame = frame
	}

	go c.readLoop()

	c.log(1, "已连接: %s", opts.URL)
	return c, nil
}

// Announce 发送流声明 (总长度带外通告)
func (c *Client) Announce(streamID string, totalSize int64, name string) error {
	msg, err := protocol.BuildAnnounce(streamID, totalSize, name)
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

// Send 直发一块，不等待响应
func (c *Client) Send(streamID string, chunkID int64, data []byte, errText string) error {
	msg, err := protocol.BuildChunk(streamID, chunkID, 0, data, errText)
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

// Invoke 发送一块并等待确认，返回接收端存活标志
func (c *Client) Invoke(ctx context.Context, streamID string, chunkID int64, data []byte, errText string) (bool, error) {
	msg, err := protocol.BuildChunk(streamID, chunkID, protocol.FlagAckRequired, data, errText)
	if err != nil {
		return false, err
	}

	key := ackKey{streamID, chunkID}
	ch := make(chan bool, 1)

	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	if err := c.writeMessage(msg); err != nil {
		return false, err
	}

	timer := time.NewTimer(c.invokeTimeout)
	defer timer.Stop()

	select {
	case alive := <-ch:
		return alive, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, fmt.Errorf("流 %s 块 %d 确认超时", streamID, chunkID)
	case <-c.closed:
		return false, fmt.Errorf("连接已关闭: %w", c.closeErr)
	}
}

// writeMessage 串行写一条消息 (可选加封)
func (c *Client) writeMessage(msg []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("连接已关闭")
	default:
	}

	if c.frame != nil {
		sealed, err := c.frame.Seal(msg)
		if err != nil {
			return fmt.Errorf("帧加封失败: %w", err)
		}
		msg = sealed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// readLoop 读循环: 只消费确认消息，按流+块号分发给在途 Invoke
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		if c.frame != nil {
			data, err = c.frame.Open(data)
			if err != nil {
				c.log(2, "帧解封失败: %v", err)
				continue
			}
		}

		if protocol.MessageType(data) != protocol.TypeAck {
			c.log(2, "忽略非确认消息: 0x%02X", protocol.MessageType(data))
			continue
		}
		ack, err := protocol.ParseAck(data)
		if err != nil {
			c.log(2, "确认解析失败: %v", err)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[ackKey{ack.StreamID, ack.ChunkID}]
		c.pendingMu.Unlock()
		if ok {
			ch <- ack.Alive
		} else {
			c.log(2, "无在途确认: 流 %s 块 %d", ack.StreamID, ack.ChunkID)
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.conn.Close()
	})
}

// Close 关闭连接
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown(fmt.Errorf("主动关闭"))
	return nil
}

// Done 连接断开时关闭
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func parseLogLevel(level string) int {
	switch level {
	case "debug":
		return 2
	case "error":
		return 0
	default:
		return 1
	}
}

func (c *Client) log(level int, format string, args ...interface{}) {
	if level > c.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [Client] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
