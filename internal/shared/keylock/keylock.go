// Package keylock 提供按字符串键分配的互斥锁。
//
// 锁在第一次使用某个键时创建。每个锁记录持有者和等待者的数量，
// Forget 只在没有人引用时删除它，否则标记删除，由最后一个释放者移除。
// 键的数量由调用方约束：这里的键是 pattern 名称，由管理接口维护，
// 不受请求内容控制，因此注册表的大小等于 pattern 的数量。
package keylock

import "sync"

type entry struct {
	mu        sync.Mutex
	refs      int // 持有者 + 等待者
	forgotten bool
}

type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

func (r *Registry) acquire(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{}
		r.locks[key] = e
	}
	e.refs++
	return e
}

func (r *Registry) release(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.forgotten && r.locks[key] == e {
		delete(r.locks, key)
	}
}

// Lock 获取 key 对应的锁，返回解锁函数。解锁函数只能调用一次。
func (r *Registry) Lock(key string) (unlock func()) {
	e := r.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		r.release(key, e)
	}
}

// Forget 删除 key 对应的锁。仍被持有或等待时推迟到最后一个持有者解锁后再删除，
// 在此期间同一个 key 的 Lock 依旧与持有者互斥。
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.locks[key]
	if !ok {
		return
	}
	if e.refs == 0 {
		delete(r.locks, key)
		return
	}
	e.forgotten = true
}

// Len 返回当前注册的键数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
