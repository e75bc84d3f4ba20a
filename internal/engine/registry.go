package engine

import "sync"

// flight 表示一次正在进行的“回源 + 写缓存”，done 关闭后 err 可读；
// 成功时等待者自行从 Store 重新打开已发布的文件。
type flight struct {
	done chan struct{}
	err  error
}

// Registry 是按缓存 Key 索引的 in-flight 表。同一 Key 并发 join 时只有一个调用方成为 leader。
// 每个 Engine 持有独立实例，多个 Engine 之间互不影响。
type Registry struct {
	mu      sync.Mutex
	flights map[string]*flight
}

// NewRegistry 创建空的 in-flight 表。
func NewRegistry() *Registry {
	return &Registry{flights: make(map[string]*flight)}
}

// join 原子地查找或插入 key 对应的 flight；leader 为 true 表示本次调用插入成功。
func (r *Registry) join(key string) (*flight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flights[key]; ok {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	r.flights[key] = f
	return f, true
}

// finish 先从表中移除 key，再唤醒所有等待者；成功与失败都必须调用。
func (r *Registry) finish(key string, f *flight, err error) {
	f.err = err
	r.mu.Lock()
	if r.flights[key] == f {
		delete(r.flights, key)
	}
	r.mu.Unlock()
	close(f.done)
}

// Has 报告 key 当前是否有 in-flight 回源。
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flights[key]
	return ok
}

// Len 返回 in-flight 数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flights)
}

// pending 返回当前所有 flight 的完成信号快照。
func (r *Registry) pending() []<-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]<-chan struct{}, 0, len(r.flights))
	for _, f := range r.flights {
		result = append(result, f.done)
	}
	return result
}
