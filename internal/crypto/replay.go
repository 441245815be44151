// =============================================================================
// 文件: internal/crypto/replay.go
// 描述: 流标识重放防护 - 布隆时间片 + 精确 LRU 双层
//       接收端对 Announce 的流标识做一次性检查，拒绝重放的流
// =============================================================================
package crypto

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 每片布隆容量与误判率
	bloomItems = 100000
	bloomFP    = 0.0001

	// 时间片长度与保留片数 (覆盖 3 分钟)
	sliceDuration = 10 * time.Second
	sliceCount    = 18

	// 精确缓存容量 (布隆命中后二次确认，消除误判)
	exactCacheSize = 10000
)

// StreamGuard 流标识重放防护器
type StreamGuard struct {
	slices  []*bloom.BloomFilter
	current int

	exact *exactCache

	mu     sync.Mutex
	stopCh chan struct{}
	once   sync.Once
}

// NewStreamGuard 创建防护器并启动轮换
func NewStreamGuard() *StreamGuard {
	g := &StreamGuard{
		slices: make([]*bloom.BloomFilter, sliceCount),
		exact:  newExactCache(exactCacheSize),
		stopCh: make(chan struct{}),
	}
	for i := range g.slices {
		g.slices[i] = bloom.NewWithEstimates(bloomItems, bloomFP)
	}
	go g.rotateLoop()
	return g
}

// CheckAndMark 检查流标识是否已出现过，未出现则记录
// 返回 true 表示首次出现 (放行)，false 表示重放 (拒绝)
func (g *StreamGuard) CheckAndMark(streamID string) bool {
	token := []byte(streamID)

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.slices {
		if s.Test(token) {
			// 布隆可能误判，用精确缓存二次确认
			if g.exact.contains(streamID) {
				return false
			}
		}
	}

	g.slices[g.current].Add(token)
	g.exact.add(streamID)
	return true
}

// CheckOnly 仅检查不记录
func (g *StreamGuard) CheckOnly(streamID string) bool {
	token := []byte(streamID)

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.slices {
		if s.Test(token) && g.exact.contains(streamID) {
			return false
		}
	}
	return true
}

// Stop 停止轮换
func (g *StreamGuard) Stop() {
	g.once.Do(func() { close(g.stopCh) })
}

// Stats 当前状态
func (g *StreamGuard) Stats() (slices int, exactEntries int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slices), g.exact.len()
}

// rotateLoop 周期轮换时间片，最老的片被清空复用
func (g *StreamGuard) rotateLoop() {
	ticker := time.NewTicker(sliceDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			g.current = (g.current + 1) % sliceCount
			g.slices[g.current].ClearAll()
			g.mu.Unlock()
		case <-g.stopCh:
			return
		}
	}
}

// =============================================================================
// 精确 LRU 缓存
// =============================================================================

type exactCache struct {
	capacity int
	entries  map[uint64]*list.Element
	order    *list.List
}

func newExactCache(capacity int) *exactCache {
	return &exactCache{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element, capacity),
		order:    list.New(),
	}
}

func hashToken(token string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(token))
	return h.Sum64()
}

func (c *exactCache) contains(token string) bool {
	key := hashToken(token)
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return true
	}
	return false
}

func (c *exactCache) add(token string) {
	key := hashToken(token)
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(key)
	c.entries[key] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(uint64))
		}
	}
}

func (c *exactCache) len() int {
	return c.order.Len()
}
