// =============================================================================
// 文件: internal/crypto/crypto_test.go
// 描述: 帧封装与重放防护测试
// =============================================================================
package crypto

import (
	"bytes"
	"fmt"
	"testing"
)

func newTestCrypto(t *testing.T) *FrameCrypto {
	t.Helper()
	psk, err := GeneratePSK()
	if err != nil {
		t.Fatalf("生成 PSK 失败: %v", err)
	}
	c, err := New(psk, 30)
	if err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	return c
}

func TestSealOpen(t *testing.T) {
	c := newTestCrypto(t)

	plaintext := []byte("chunk payload data")
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal 失败: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("密文不应包含明文")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Error("解封结果与明文不一致")
	}
}

func TestSealOpenEmpty(t *testing.T) {
	c := newTestCrypto(t)

	sealed, err := c.Seal(nil)
	if err != nil {
		t.Fatalf("Seal 失败: %v", err)
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}
	if len(opened) != 0 {
		t.Errorf("空明文解封长度 = %d", len(opened))
	}
}

func TestOpenTampered(t *testing.T) {
	c := newTestCrypto(t)

	sealed, _ := c.Seal([]byte("data"))
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := c.Open(sealed); err == nil {
		t.Error("篡改帧应被拒绝")
	}
}

func TestOpenWrongPSK(t *testing.T) {
	c1 := newTestCrypto(t)
	c2 := newTestCrypto(t)

	sealed, _ := c1.Seal([]byte("data"))
	if _, err := c2.Open(sealed); err == nil {
		t.Error("错误 PSK 应解封失败")
	}
}

func TestOpenTooShort(t *testing.T) {
	c := newTestCrypto(t)
	if _, err := c.Open(make([]byte, 10)); err == nil {
		t.Error("过短帧应被拒绝")
	}
}

func TestNewInvalidPSK(t *testing.T) {
	if _, err := New("not-base64!!", 30); err == nil {
		t.Error("非 base64 PSK 应报错")
	}
	if _, err := New("c2hvcnQ=", 30); err == nil {
		t.Error("长度不足的 PSK 应报错")
	}
}

func TestStreamGuardFirstSeen(t *testing.T) {
	g := NewStreamGuard()
	defer g.Stop()

	if !g.CheckAndMark("stream-a") {
		t.Error("首次出现应放行")
	}
	if g.CheckAndMark("stream-a") {
		t.Error("重复出现应拒绝")
	}
	if !g.CheckAndMark("stream-b") {
		t.Error("不同标识互不影响")
	}
}

func TestStreamGuardCheckOnly(t *testing.T) {
	g := NewStreamGuard()
	defer g.Stop()

	if !g.CheckOnly("stream-x") {
		t.Error("未记录的标识 CheckOnly 应放行")
	}
	// CheckOnly 不记录
	if !g.CheckAndMark("stream-x") {
		t.Error("CheckOnly 之后首次 CheckAndMark 仍应放行")
	}
	if g.CheckOnly("stream-x") {
		t.Error("已记录的标识 CheckOnly 应拒绝")
	}
}

func TestStreamGuardMany(t *testing.T) {
	g := NewStreamGuard()
	defer g.Stop()

	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("stream-%d", i)
		if !g.CheckAndMark(id) {
			t.Fatalf("标识 %s 首次出现被误拒", id)
		}
	}
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("stream-%d", i)
		if g.CheckAndMark(id) {
			t.Fatalf("标识 %s 重放未被拒绝", id)
		}
	}
}

func BenchmarkSeal(b *testing.B) {
	psk, _ := GeneratePSK()
	c, _ := New(psk, 30)
	data := make([]byte, 32*1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Seal(data)
	}
}

func BenchmarkGuardCheckAndMark(b *testing.B) {
	g := NewStreamGuard()
	defer g.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.CheckAndMark(fmt.Sprintf("bench-%d", i))
	}
}
