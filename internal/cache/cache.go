// Package cache 缓存合成结果，并保证同一文本的并发合成只执行一次。
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/logger"
)

// DefaultSize 默认缓存条目数。
const DefaultSize = 50

// SynthesizeFunc 在缓存未命中时被调用，返回的缓冲区归缓存所有。
type SynthesizeFunc func(ctx context.Context) (*audio.Buffer, error)

// Stats 缓存统计。
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Syntheses uint64 `json:"syntheses"`
	Collapsed uint64 `json:"collapsed"`
}

// SynthesisCache 以规范化后的文本为键的 LRU 缓存。
// 对外交付的缓冲区都是副本，调用方可以随意修改。
type SynthesisCache struct {
	lru      *lru.Cache[string, *audio.Buffer]
	group    singleflight.Group
	capacity int

	hits      atomic.Uint64
	misses    atomic.Uint64
	syntheses atomic.Uint64
	collapsed atomic.Uint64
}

// New 创建容量为 size 的缓存，size <= 0 时使用默认值。
func New(size int) (*SynthesisCache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	l, err := lru.New[string, *audio.Buffer](size)
	if err != nil {
		return nil, fmt.Errorf("创建 LRU 缓存失败: %w", err)
	}
	return &SynthesisCache{lru: l, capacity: size}, nil
}

// Key 规范化缓存键：去掉首尾空白并把连续空白合并为一个空格。
func Key(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Get 查找缓存，命中时返回副本。
func (c *SynthesisCache) Get(text string) (*audio.Buffer, bool) {
	buf, ok := c.lru.Get(Key(text))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return buf.Clone(), true
}

// Put 写入缓存，超出容量时淘汰最久未使用的条目。
func (c *SynthesisCache) Put(text string, buf *audio.Buffer) {
	if buf == nil {
		return
	}
	key := Key(text)
	if key == "" {
		return
	}
	if evicted := c.lru.Add(key, buf.Clone()); evicted {
		logger.Debugf("[cache] 缓存已满，淘汰最久未使用的条目")
	}
}

// GetOrSynthesize 命中时直接返回副本；未命中时同一个键的并发调用只执行一次 fn，
// 所有等待者各自拿到结果的副本。fn 的错误不会被缓存。
// 某个调用者的 ctx 取消只让它自己提前返回，共享的合成继续进行并写入缓存。
func (c *SynthesisCache) GetOrSynthesize(ctx context.Context, text string, fn SynthesizeFunc) (*audio.Buffer, error) {
	if buf, ok := c.Get(text); ok {
		logger.Debugf("[cache] 命中: %q", truncate(text, 32))
		return buf, nil
	}

	key := Key(text)
	synthCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// 排队期间可能已有其他调用完成写入
		if buf, ok := c.lru.Get(key); ok {
			return buf, nil
		}
		c.syntheses.Add(1)
		buf, err := fn(synthCtx)
		if err != nil {
			return nil, err
		}
		if buf == nil {
			return nil, errors.New("合成结果为空")
		}
		c.lru.Add(key, buf)
		return buf, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.collapsed.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*audio.Buffer).Clone(), nil
	}
}

// Len 返回当前条目数。
func (c *SynthesisCache) Len() int {
	return c.lru.Len()
}

// Purge 清空缓存，统计保留。
func (c *SynthesisCache) Purge() {
	c.lru.Purge()
}

// Stats 返回统计快照。
func (c *SynthesisCache) Stats() Stats {
	return Stats{
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Syntheses: c.syntheses.Load(),
		Collapsed: c.collapsed.Load(),
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
