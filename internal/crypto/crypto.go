// =============================================================================
// 文件: internal/crypto/crypto.go
// 描述: PSK 帧封装 - ChaCha20-Poly1305 + HKDF 时间窗口派生密钥
//       对每条 WebSocket 消息整体加封; psk 为空时传输层直接跳过本层
// =============================================================================
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	PSKSize   = 32
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead

	// 封装头: 窗口号(8) + Nonce(12)
	windowFieldSize = 8
	headerSize      = windowFieldSize + NonceSize
)

// FrameCrypto 帧封装器
type FrameCrypto struct {
	psk        []byte
	timeWindow int // 窗口长度 (秒)

	aeadCache sync.Map // window(int64) -> cipher.AEAD
}

// New 创建帧封装器
// pskBase64 为标准 base64 编码的 32 字节密钥; timeWindow 单位秒
func New(pskBase64 string, timeWindow int) (*FrameCrypto, error) {
	psk, err := base64.StdEncoding.DecodeString(pskBase64)
	if err != nil {
		return nil, fmt.Errorf("PSK 解码失败: %w", err)
	}
	if len(psk) != PSKSize {
		return nil, fmt.Errorf("PSK 长度必须是 %d 字节", PSKSize)
	}
	if timeWindow < 1 {
		timeWindow = 30
	}

	return &FrameCrypto{
		psk:        psk,
		timeWindow: timeWindow,
	}, nil
}

// GeneratePSK 生成新 PSK (base64)
func GeneratePSK() (string, error) {
	psk := make([]byte, PSKSize)
	if _, err := rand.Read(psk); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(psk), nil
}

// Seal 封装一帧
// 输出: Window(8) + Nonce(12) + Ciphertext + Tag(16)
func (c *FrameCrypto) Seal(plaintext []byte) ([]byte, error) {
	window := c.currentWindow()
	aead, err := c.getAEAD(window)
	if err != nil {
		return nil, err
	}

	output := make([]byte, headerSize+len(plaintext)+TagSize)
	binary.BigEndian.PutUint64(output[:windowFieldSize], uint64(window))
	nonce := output[windowFieldSize:headerSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	aead.Seal(output[headerSize:headerSize], nonce, plaintext, output[:windowFieldSize])
	return output, nil
}

// Open 解封一帧
// 声明窗口需落在当前窗口 ±1 内，容忍窗口切换瞬间与时钟偏差
func (c *FrameCrypto) Open(data []byte) ([]byte, error) {
	if len(data) < headerSize+TagSize {
		return nil, fmt.Errorf("帧太短: %d", len(data))
	}

	window := int64(binary.BigEndian.Uint64(data[:windowFieldSize]))
	current := c.currentWindow()
	if window < current-1 || window > current+1 {
		return nil, fmt.Errorf("时间窗口无效: %d (当前 %d)", window, current)
	}

	aead, err := c.getAEAD(window)
	if err != nil {
		return nil, err
	}

	nonce := data[windowFieldSize:headerSize]
	plaintext, err := aead.Open(nil, nonce, data[headerSize:], data[:windowFieldSize])
	if err != nil {
		return nil, fmt.Errorf("解封失败: %w", err)
	}
	return plaintext, nil
}

func (c *FrameCrypto) currentWindow() int64 {
	return time.Now().Unix() / int64(c.timeWindow)
}

// getAEAD 按窗口派生并缓存 AEAD
func (c *FrameCrypto) getAEAD(window int64) (cipher.AEAD, error) {
	if v, ok := c.aeadCache.Load(window); ok {
		return v.(cipher.AEAD), nil
	}

	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(window))
	reader := hkdf.New(sha256.New, c.psk, salt, []byte("blobwire-frame-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("创建 AEAD 失败: %w", err)
	}

	c.aeadCache.Store(window, aead)

	// 顺手清掉过期窗口，缓存只保留当前 ±2
	c.aeadCache.Range(func(k, _ interface{}) bool {
		w := k.(int64)
		if w < window-2 || w > window+2 {
			c.aeadCache.Delete(k)
		}
		return true
	})

	return aead, nil
}
