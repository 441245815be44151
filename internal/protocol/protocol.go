// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: chunk-delivery 二进制消息编解码
//       流式传输的三种消息: Announce(声明) / Chunk(分块) / Ack(确认)
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
)

// 消息类型
const (
	TypeAnnounce byte = 0x01 // 流声明: 总长度带外通告
	TypeChunk    byte = 0x02 // 数据分块 (含错误哨兵)
	TypeAck      byte = 0x03 // 确认响应: 接收端存活标志
)

// Chunk 标志位
const (
	FlagAckRequired byte = 0x01 // 本块要求同步确认
	FlagError       byte = 0x02 // 负载为错误文本而非数据
)

const (
	// SentinelChunkID 错误哨兵块 ID
	// 约定: chunkID == -1 且 data == nil 且 error 非空 → 流异常终止
	SentinelChunkID int64 = -1

	// DefaultChunkSize 默认分块大小
	DefaultChunkSize = 32 * 1024

	// MaxStreamIDSize StreamID 最大字节数 (单字节长度前缀)
	MaxStreamIDSize = 255

	// MaxChunkPayloadSize 单块最大负载 (防御畸形长度字段)
	MaxChunkPayloadSize = 16 * 1024 * 1024

	// MaxNameSize 声明名称最大字节数
	MaxNameSize = 4096
)

// =============================================================================
// 消息结构
// =============================================================================

// Announce 流声明
// 接收端据此得知总字节数，从而在收齐连续分块后推断正常完成
type Announce struct {
	StreamID  string
	TotalSize int64
	Name      string
}

// Chunk 数据分块
type Chunk struct {
	StreamID string
	ChunkID  int64
	Flags    byte
	Data     []byte
	Error    string
}

// Ack 确认响应
type Ack struct {
	StreamID string
	ChunkID  int64
	Alive    bool // false = 接收端要求停止该流
}

// IsSentinel 是否为错误哨兵块
func (c *Chunk) IsSentinel() bool {
	return c.ChunkID == SentinelChunkID && c.Flags&FlagError != 0
}

// AckRequired 是否要求同步确认
func (c *Chunk) AckRequired() bool {
	return c.Flags&FlagAckRequired != 0
}

// =============================================================================
// 编码
// =============================================================================

// BuildAnnounce 构建流声明
// 格式: Type(1) + IDLen(1) + StreamID + TotalSize(8) + NameLen(2) + Name
func BuildAnnounce(streamID string, totalSize int64, name string) ([]byte, error) {
	if err := checkStreamID(streamID); err != nil {
		return nil, err
	}
	if totalSize < 0 {
		return nil, fmt.Errorf("总长度为负: %d", totalSize)
	}
	if len(name) > MaxNameSize {
		return nil, fmt.Errorf("名称过长: %d > %d", len(name), MaxNameSize)
	}

	msg := make([]byte, 0, 2+len(streamID)+8+2+len(name))
	msg = append(msg, TypeAnnounce, byte(len(streamID)))
	msg = append(msg, streamID...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(totalSize))
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(name)))
	msg = append(msg, name...)
	return msg, nil
}

// BuildChunk 构建数据分块
// 格式: Type(1) + IDLen(1) + StreamID + ChunkID(8, 补码) + Flags(1) + PayloadLen(4) + Payload
// FlagError 置位时负载为 UTF-8 错误文本
func BuildChunk(streamID string, chunkID int64, flags byte, data []byte, errText string) ([]byte, error) {
	if err := checkStreamID(streamID); err != nil {
		return nil, err
	}

	payload := data
	if errText != "" {
		flags |= FlagError
		payload = []byte(errText)
	}
	if len(payload) > MaxChunkPayloadSize {
		return nil, fmt.Errorf("负载过大: %d > %d", len(payload), MaxChunkPayloadSize)
	}

	msg := make([]byte, 0, 2+len(streamID)+8+1+4+len(payload))
	msg = append(msg, TypeChunk, byte(len(streamID)))
	msg = append(msg, streamID...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(chunkID))
	msg = append(msg, flags)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(payload)))
	msg = append(msg, payload...)
	return msg, nil
}

// BuildSentinel 构建错误哨兵块 (chunkID = -1, data = nil)
func BuildSentinel(streamID string, errText string) ([]byte, error) {
	if errText == "" {
		errText = "unknown error"
	}
	return BuildChunk(streamID, SentinelChunkID, FlagError, nil, errText)
}

// BuildAck 构建确认响应
// 格式: Type(1) + IDLen(1) + StreamID + ChunkID(8) + Alive(1)
func BuildAck(streamID string, chunkID int64, alive bool) ([]byte, error) {
	if err := checkStreamID(streamID); err != nil {
		return nil, err
	}

	msg := make([]byte, 0, 2+len(streamID)+8+1)
	msg = append(msg, TypeAck, byte(len(streamID)))
	msg = append(msg, streamID...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(chunkID))
	if alive {
		msg = append(msg, 0x01)
	} else {
		msg = append(msg, 0x00)
	}
	return msg, nil
}

// =============================================================================
// 解码
// =============================================================================

// MessageType 返回消息类型 (不完整消息返回 0)
func MessageType(data []byte) byte {
	if len(data) < 1 {
		return 0
	}
	return data[0]
}

// ParseAnnounce 解析流声明
func ParseAnnounce(data []byte) (*Announce, error) {
	streamID, rest, err := parseHeader(data, TypeAnnounce)
	if err != nil {
		return nil, err
	}
	if len(rest) < 10 {
		return nil, fmt.Errorf("声明消息太短: %d", len(rest))
	}

	totalSize := int64(binary.BigEndian.Uint64(rest[:8]))
	if totalSize < 0 {
		return nil, fmt.Errorf("总长度为负: %d", totalSize)
	}
	nameLen := int(binary.BigEndian.Uint16(rest[8:10]))
	if nameLen > MaxNameSize {
		return nil, fmt.Errorf("名称过长: %d > %d", nameLen, MaxNameSize)
	}
	if len(rest) < 10+nameLen {
		return nil, fmt.Errorf("名称数据不足: %d < %d", len(rest)-10, nameLen)
	}

	return &Announce{
		StreamID:  streamID,
		TotalSize: totalSize,
		Name:      string(rest[10 : 10+nameLen]),
	}, nil
}

// ParseChunk 解析数据分块
func ParseChunk(data []byte) (*Chunk, error) {
	streamID, rest, err := parseHeader(data, TypeChunk)
	if err != nil {
		return nil, err
	}
	if len(rest) < 13 {
		return nil, fmt.Errorf("分块消息太短: %d", len(rest))
	}

	chunkID := int64(binary.BigEndian.Uint64(rest[:8]))
	flags := rest[8]
	payloadLen := int(binary.BigEndian.Uint32(rest[9:13]))
	if payloadLen > MaxChunkPayloadSize {
		return nil, fmt.Errorf("负载过大: %d > %d", payloadLen, MaxChunkPayloadSize)
	}
	if len(rest) < 13+payloadLen {
		return nil, fmt.Errorf("负载数据不足: %d < %d", len(rest)-13, payloadLen)
	}

	c := &Chunk{
		StreamID: streamID,
		ChunkID:  chunkID,
		Flags:    flags,
	}
	payload := rest[13 : 13+payloadLen]
	if flags&FlagError != 0 {
		c.Error = string(payload)
	} else {
		c.Data = payload
	}

	if chunkID < 0 && !c.IsSentinel() {
		return nil, fmt.Errorf("非法块 ID: %d", chunkID)
	}
	return c, nil
}

// ParseAck 解析确认响应
func ParseAck(data []byte) (*Ack, error) {
	streamID, rest, err := parseHeader(data, TypeAck)
	if err != nil {
		return nil, err
	}
	if len(rest) < 9 {
		return nil, fmt.Errorf("确认消息太短: %d", len(rest))
	}

	return &Ack{
		StreamID: streamID,
		ChunkID:  int64(binary.BigEndian.Uint64(rest[:8])),
		Alive:    rest[8] != 0,
	}, nil
}

// parseHeader 解析公共头: Type(1) + IDLen(1) + StreamID
func parseHeader(data []byte, wantType byte) (streamID string, rest []byte, err error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("消息太短: %d", len(data))
	}
	if data[0] != wantType {
		return "", nil, fmt.Errorf("消息类型不匹配: got 0x%02X, want 0x%02X", data[0], wantType)
	}
	idLen := int(data[1])
	if idLen == 0 {
		return "", nil, fmt.Errorf("StreamID 为空")
	}
	if len(data) < 2+idLen {
		return "", nil, fmt.Errorf("StreamID 数据不足: %d < %d", len(data)-2, idLen)
	}
	return string(data[2 : 2+idLen]), data[2+idLen:], nil
}

func checkStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("StreamID 为空")
	}
	if len(streamID) > MaxStreamIDSize {
		return fmt.Errorf("StreamID 过长: %d > %d", len(streamID), MaxStreamIDSize)
	}
	return nil
}

// =============================================================================
// 分块工具函数
// =============================================================================

// ChunkCount 计算总块数 (向上取整, 0 字节负载为 0 块)
func ChunkCount(totalSize int64, chunkSize int) int64 {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return (totalSize + int64(chunkSize) - 1) / int64(chunkSize)
}

// ChunkLength 计算某偏移处的分块长度
// 始终为 min(chunkSize, totalSize-offset)，保证末块不越界
func ChunkLength(totalSize, offset int64, chunkSize int) int {
	remain := totalSize - offset
	if remain <= 0 {
		return 0
	}
	if remain < int64(chunkSize) {
		return int(remain)
	}
	return chunkSize
}
