// =============================================================================
// 文件: internal/handler/assembler.go
// 描述: 流装配器 - 按块号顺序落盘单个流
//       分块必须从 0 连续递增; 写入临时文件，收齐声明长度后改名落位
// =============================================================================
package handler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Assembler 单流装配器
type Assembler struct {
	StreamID  string
	Name      string
	TotalSize int64
	CreatedAt time.Time

	nextChunkID int64
	received    int64
	lastActive  time.Time

	file      *os.File
	tmpPath   string
	finalPath string

	cancelled bool
	completed bool
	mu        sync.Mutex
}

// newAssembler 创建装配器并打开临时文件
// outputDir 为空时丢弃数据 (只做协议层校验)
func newAssembler(streamID, name string, totalSize int64, outputDir string) (*Assembler, error) {
	a := &Assembler{
		StreamID:   streamID,
		Name:       name,
		TotalSize:  totalSize,
		CreatedAt:  time.Now(),
		lastActive: time.Now(),
	}

	if outputDir != "" {
		base := sanitizeName(name)
		if base == "" {
			base = sanitizeName(streamID)
		}
		if base == "" {
			base = "stream"
		}
		a.finalPath = filepath.Join(outputDir, base)

		// 临时文件名由系统保证唯一: 同名流并发时各自独立落盘，
		// 互不截断、互不误删，最后落位的以改名覆盖
		f, err := os.CreateTemp(outputDir, base+".*.part")
		if err != nil {
			return nil, fmt.Errorf("打开临时文件失败: %w", err)
		}
		a.file = f
		a.tmpPath = f.Name()
	}

	return a, nil
}

// sanitizeName 去掉路径成分，防止声明名称逃出输出目录
func sanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" {
		return ""
	}
	return base
}

// Append 追加一块
// 返回 done=true 表示收齐声明长度且已落位
func (a *Assembler) Append(chunkID int64, data []byte) (done bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancelled {
		return false, fmt.Errorf("流已取消")
	}
	if a.completed {
		return false, fmt.Errorf("流已完成")
	}
	if chunkID != a.nextChunkID {
		return false, fmt.Errorf("块号不连续: got %d, want %d", chunkID, a.nextChunkID)
	}
	if a.received+int64(len(data)) > a.TotalSize {
		return false, fmt.Errorf("超出声明长度: %d + %d > %d", a.received, len(data), a.TotalSize)
	}

	if a.file != nil {
		if _, err := a.file.Write(data); err != nil {
			return false, fmt.Errorf("写入失败: %w", err)
		}
	}

	a.nextChunkID++
	a.received += int64(len(data))
	a.lastActive = time.Now()

	if a.received == a.TotalSize {
		if err := a.finalize(); err != nil {
			return false, err
		}
		a.completed = true
		return true, nil
	}
	return false, nil
}

// finalize 关闭临时文件并改名落位 (持锁调用)
func (a *Assembler) finalize() error {
	if a.file == nil {
		return nil
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("关闭文件失败: %w", err)
	}
	a.file = nil
	if err := os.Rename(a.tmpPath, a.finalPath); err != nil {
		return fmt.Errorf("落位失败: %w", err)
	}
	return nil
}

// CompleteIfEmpty 零长度流直接落位
func (a *Assembler) CompleteIfEmpty() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.TotalSize != 0 || a.completed || a.cancelled {
		return nil
	}
	if err := a.finalize(); err != nil {
		return err
	}
	a.completed = true
	return nil
}

// Cancel 标记取消并丢弃临时文件
func (a *Assembler) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completed || a.cancelled {
		return
	}
	a.cancelled = true
	a.discard()
}

// discard 清理临时文件 (持锁调用)
func (a *Assembler) discard() {
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
	if a.tmpPath != "" {
		os.Remove(a.tmpPath)
	}
}

// Cancelled 是否已取消
func (a *Assembler) Cancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// Completed 是否已完成
func (a *Assembler) Completed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}

// Received 已接收字节数
func (a *Assembler) Received() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.received
}

// IdleSince 距最后活动的时长
func (a *Assembler) IdleSince(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Sub(a.lastActive)
}

// FinalPath 落位路径 (空输出目录时为空)
func (a *Assembler) FinalPath() string {
	return a.finalPath
}
