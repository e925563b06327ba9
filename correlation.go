package panelrelay

import "sync"

// CorrelationMap 按整数 id 关联请求与响应，响应到达顺序任意。
// id 单调递增、从 0 开始，同一个实例内不会复用。
type CorrelationMap[T any] struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]func(T)
}

// NewCorrelationMap 创建空的关联表
func NewCorrelationMap[T any]() *CorrelationMap[T] {
	return &CorrelationMap[T]{pending: make(map[int64]func(T))}
}

// NextID 分配下一个请求 id
func (m *CorrelationMap[T]) NextID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	return id
}

// Register 登记 id 对应的回调
func (m *CorrelationMap[T]) Register(id int64, callback func(T)) {
	if callback == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[id] = callback
}

// Resolve 调用并移除 id 对应的回调；未登记的 id 视为过期响应，直接忽略
func (m *CorrelationMap[T]) Resolve(id int64, payload T) bool {
	m.mu.Lock()
	callback, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	callback(payload)
	return true
}

// Cancel 移除 id 对应的回调而不调用，用于请求未能发出的情况
func (m *CorrelationMap[T]) Cancel(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	delete(m.pending, id)
	return ok
}

// ResolveAll 以 payload(id) 解决全部待决请求，返回解决的数量
func (m *CorrelationMap[T]) ResolveAll(payload func(id int64) T) int {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[int64]func(T))
	m.mu.Unlock()
	for id, callback := range pending {
		callback(payload(id))
	}
	return len(pending)
}

// Len 返回尚未解决的请求数
func (m *CorrelationMap[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
