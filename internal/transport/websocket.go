// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 接收端服务器 - CDN 友好
//       解析三类消息并转交接收器，确认路径的块同步回写 Ack
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/blobwire/internal/crypto"
	"github.com/mrcgq/blobwire/internal/protocol"
)

// Receiver 消息接收器 (由 handler 层实现)
type Receiver interface {
	// HandleAnnounce 处理流声明，拒绝时返回错误 (重放、超限)
	HandleAnnounce(remote string, a *protocol.Announce) error
	// HandleChunk 处理数据分块，需要回确认时返回非 nil Ack
	HandleChunk(remote string, c *protocol.Chunk) *protocol.Ack
}

// WebSocketServer WebSocket 服务器
type WebSocketServer struct {
	addr     string
	path     string
	host     string
	useTLS   bool
	certFile string
	keyFile  string
	receiver Receiver
	frame    *crypto.FrameCrypto
	logLevel int

	httpServer *http.Server
	upgrader   websocket.Upgrader
	conns      sync.Map // *websocket.Conn -> *WSSession
	stopCh     chan struct{}
	wg         sync.WaitGroup

	// 统计
	activeConns int64
}

// WSSession WebSocket 会话
type WSSession struct {
	Conn       *websocket.Conn
	Remote     string
	LastActive time.Time
	mu         sync.Mutex
}

// ServerOptions 服务器配置
type ServerOptions struct {
	Addr       string
	Path       string
	Host       string // 非空时校验 Host 头
	UseTLS     bool
	CertFile   string
	KeyFile    string
	PSK        string // 非空时启用帧解封
	TimeWindow int
	LogLevel   string
}

// NewWebSocketServer 创建服务器
func NewWebSocketServer(opts ServerOptions, receiver Receiver) (*WebSocketServer, error) {
	s := &WebSocketServer{
		addr:     opts.Addr,
		path:     opts.Path,
		host:     opts.Host,
		useTLS:   opts.UseTLS,
		certFile: opts.CertFile,
		keyFile:  opts.KeyFile,
		receiver: receiver,
		logLevel: parseLogLevel(opts.LogLevel),
		stopCh:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
	}
	if opts.PSK != "" {
		frame, err := crypto.New(opts.PSK, opts.TimeWindow)
		if err != nil {
			return nil, fmt.Errorf("帧解封初始化失败: %w", err)
		}
		s.frame = frame
	}
	return s, nil
}

// Start 启动服务器
func (s *WebSocketServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc(s.path, s.handleWebSocket)

	// 伪装页面
	mux.HandleFunc("/", s.handleFakePage)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.useTLS {
			err = s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.log(0, "HTTP 服务器错误: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	scheme := "HTTP"
	if s.useTLS {
		scheme = "HTTPS"
	}
	s.log(1, "WebSocket 服务器已启动: %s (%s%s)", s.addr, scheme, s.path)
	return nil
}

// Handler 返回 HTTP 处理器 (测试用，不经 Start)
func (s *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	mux.HandleFunc("/", s.handleFakePage)
	return mux
}

// handleWebSocket 处理 WebSocket 连接
func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.host != "" && r.Host != s.host {
		s.log(2, "Host 不匹配: %s != %s", r.Host, s.host)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(2, "WebSocket 升级失败: %v", err)
		return
	}

	atomic.AddInt64(&s.activeConns, 1)
	defer atomic.AddInt64(&s.activeConns, -1)

	session := &WSSession{
		Conn:       conn,
		Remote:     r.RemoteAddr,
		LastActive: time.Now(),
	}
	s.conns.Store(conn, session)
	defer func() {
		s.conns.Delete(conn)
		conn.Close()
	}()

	s.log(2, "WebSocket 连接: %s", r.RemoteAddr)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log(2, "WebSocket 读取错误: %v", err)
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		session.mu.Lock()
		session.LastActive = time.Now()
		session.mu.Unlock()

		if s.frame != nil {
			data, err = s.frame.Open(data)
			if err != nil {
				s.log(2, "帧解封失败 (%s): %v", session.Remote, err)
				continue
			}
		}

		response := s.dispatch(session.Remote, data)

		if response != nil {
			if err := s.writeSession(session, response); err != nil {
				s.log(2, "WebSocket 写入错误: %v", err)
				return
			}
		}
	}
}

// dispatch 按消息类型分发，返回需要回写的消息 (可为 nil)
func (s *WebSocketServer) dispatch(remote string, data []byte) []byte {
	switch protocol.MessageType(data) {
	case protocol.TypeAnnounce:
		a, err := protocol.ParseAnnounce(data)
		if err != nil {
			s.log(2, "声明解析失败 (%s): %v", remote, err)
			return nil
		}
		if err := s.receiver.HandleAnnounce(remote, a); err != nil {
			s.log(1, "声明被拒绝 (%s, 流 %s): %v", remote, a.StreamID, err)
		}
		return nil

	case protocol.TypeChunk:
		c, err := protocol.ParseChunk(data)
		if err != nil {
			s.log(2, "分块解析失败 (%s): %v", remote, err)
			return nil
		}
		ack := s.receiver.HandleChunk(remote, c)
		if ack == nil {
			return nil
		}
		msg, err := protocol.BuildAck(ack.StreamID, ack.ChunkID, ack.Alive)
		if err != nil {
			s.log(0, "确认构建失败: %v", err)
			return nil
		}
		return msg

	default:
		s.log(2, "未知消息类型 0x%02X (%s)", protocol.MessageType(data), remote)
		return nil
	}
}

// writeSession 向会话回写一条消息 (可选加封)
func (s *WebSocketServer) writeSession(session *WSSession, msg []byte) error {
	if s.frame != nil {
		sealed, err := s.frame.Seal(msg)
		if err != nil {
			return fmt.Errorf("帧加封失败: %w", err)
		}
		msg = sealed
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	session.Conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return session.Conn.WriteMessage(websocket.BinaryMessage, msg)
}

// handleFakePage 伪装页面
func (s *WebSocketServer) handleFakePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Welcome</title>
    <meta charset="utf-8">
</head>
<body>
    <h1>It works!</h1>
    <p>This is the default page.</p>
</body>
</html>`)
}

// cleanupLoop 清理循环
func (s *WebSocketServer) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			s.conns.Range(func(key, value interface{}) bool {
				session := value.(*WSSession)
				session.mu.Lock()
				idle := now.Sub(session.LastActive)
				session.mu.Unlock()
				if idle > 10*time.Minute {
					conn := key.(*websocket.Conn)
					conn.Close()
					s.conns.Delete(key)
				}
				return true
			})
		}
	}
}

// Stop 停止服务器
func (s *WebSocketServer) Stop() {
	close(s.stopCh)

	s.conns.Range(func(key, value interface{}) bool {
		conn := key.(*websocket.Conn)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
		return true
	})

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}

	s.wg.Wait()
}

// GetActiveConns 获取活跃连接数
func (s *WebSocketServer) GetActiveConns() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

func (s *WebSocketServer) log(level int, format string, args ...interface{}) {
	if level > s.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [WebSocket] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
