package engine

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrentDownloads 是未配置时的并发回源上限。
const DefaultMaxConcurrentDownloads = 10

// Gate 限制同时进行的回源数量。等待者按 Acquire 顺序排队（semaphore.Weighted 为 FIFO）。
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
	peak     atomic.Int64
}

// NewGate 创建容量为 n 的 Gate，n < 1 时按 1 处理。
func NewGate(n int) *Gate {
	if n < 1 {
		n = 1
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(n)),
		capacity: int64(n),
	}
}

// Acquire 阻塞直到拿到名额或 ctx 结束。
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	current := g.inUse.Add(1)
	for {
		peak := g.peak.Load()
		if current <= peak || g.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	return nil
}

// Release 归还一个名额，必须与成功的 Acquire 一一对应。
func (g *Gate) Release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

// Capacity 返回最大并发数。
func (g *Gate) Capacity() int {
	return int(g.capacity)
}

// InUse 返回当前占用的名额数。
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

// Peak 返回启动以来观测到的最大并发数。
func (g *Gate) Peak() int {
	return int(g.peak.Load())
}
