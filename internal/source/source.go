// =============================================================================
// 文件: internal/source/source.go
// 描述: 分块数据源适配 - 把两种负载形态统一为"按偏移读 N 字节"
//       direct: 内存中连续字节 (零拷贝切片)
//       deferred: 句柄背后的字节需按区间异步物化 (可能很慢)
// =============================================================================
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrRangeInvalid 请求区间越界
var ErrRangeInvalid = errors.New("请求区间越界")

// Source 统一数据源接口
// 调用方不关心持有的是哪种形态；适配器不得修改底层数据，也不做重试
type Source interface {
	// Len 负载总字节数 (流期间不变)
	Len() int64
	// ReadSlice 物化 [offset, offset+length) 区间的字节
	// direct 源不挂起; deferred 源可能阻塞在底层读取上
	ReadSlice(ctx context.Context, offset int64, length int) ([]byte, error)
}

// checkRange 区间合法性检查，保证永不读越界
func checkRange(total, offset int64, length int) error {
	if offset < 0 || length < 0 || offset+int64(length) > total {
		return fmt.Errorf("%w: [%d, %d) 超出 %d", ErrRangeInvalid, offset, offset+int64(length), total)
	}
	return nil
}

// =============================================================================
// direct: 内存源
// =============================================================================

// BytesSource 常驻内存的连续缓冲
type BytesSource struct {
	buf []byte
}

// NewBytes 创建内存源 (不复制; 调用方保证流期间只读)
func NewBytes(buf []byte) *BytesSource {
	return &BytesSource{buf: buf}
}

func (s *BytesSource) Len() int64 {
	return int64(len(s.buf))
}

// ReadSlice 返回底层缓冲的子切片，零拷贝
func (s *BytesSource) ReadSlice(_ context.Context, offset int64, length int) ([]byte, error) {
	if err := checkRange(s.Len(), offset, length); err != nil {
		return nil, err
	}
	return s.buf[offset : offset+int64(length)], nil
}

// =============================================================================
// deferred: 文件/ReaderAt 源
// =============================================================================

// ReaderAtSource io.ReaderAt 背后的延迟源 (磁盘或其他存储)
type ReaderAtSource struct {
	r    io.ReaderAt
	size int64
}

// NewReaderAt 创建 ReaderAt 源
func NewReaderAt(r io.ReaderAt, size int64) *ReaderAtSource {
	return &ReaderAtSource{r: r, size: size}
}

// NewFile 创建文件源 (大小取自 Stat)
func NewFile(f *os.File) (*ReaderAtSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("获取文件信息失败: %w", err)
	}
	return &ReaderAtSource{r: f, size: info.Size()}, nil
}

func (s *ReaderAtSource) Len() int64 {
	return s.size
}

// ReadSlice 按区间读取; 读取失败原样上抛，不重试
func (s *ReaderAtSource) ReadSlice(ctx context.Context, offset int64, length int) ([]byte, error) {
	if err := checkRange(s.size, offset, length); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	n, err := s.r.ReadAt(buf, offset)
	if err != nil && !(err == io.EOF && n == length) {
		return nil, fmt.Errorf("读取区间 [%d, %d) 失败: %w", offset, offset+int64(length), err)
	}
	if n != length {
		return nil, fmt.Errorf("读取区间 [%d, %d) 不完整: %d 字节", offset, offset+int64(length), n)
	}
	return buf, nil
}

// =============================================================================
// deferred: 不透明句柄源
// =============================================================================

// RangeFunc 句柄的区间物化回调
type RangeFunc func(ctx context.Context, offset int64, length int) ([]byte, error)

// FuncSource 不透明大对象句柄 (字节未驻留，按需物化，句柄可能被吊销)
type FuncSource struct {
	size int64
	fn   RangeFunc
}

// NewFunc 创建句柄源
func NewFunc(size int64, fn RangeFunc) *FuncSource {
	return &FuncSource{size: size, fn: fn}
}

func (s *FuncSource) Len() int64 {
	return s.size
}

// ReadSlice 委托句柄物化; 校验返回长度与请求一致
func (s *FuncSource) ReadSlice(ctx context.Context, offset int64, length int) ([]byte, error) {
	if err := checkRange(s.size, offset, length); err != nil {
		return nil, err
	}
	data, err := s.fn(ctx, offset, length)
	if err != nil {
		return nil, err
	}
	if len(data) != length {
		return nil, fmt.Errorf("句柄返回长度不符: got %d, want %d", len(data), length)
	}
	return data, nil
}
