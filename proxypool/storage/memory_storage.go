package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// MemoryStorage 实现了 Storage 接口，数据保存在进程内存中。
// 它按与 Redis 相同的键布局组织数据，可选地通过快照文件持久化。
type MemoryStorage struct {
	mu      sync.RWMutex
	hashes  map[string]map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	closeFn func() error
}

// NewMemoryStorage 创建一个空的内存存储。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

var _ Storage = (*MemoryStorage)(nil)

func (m *MemoryStorage) hget(key, field string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.hashes[key][field]
	return v, ok
}

func (m *MemoryStorage) hset(key, field, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
}

func (m *MemoryStorage) hdel(key, field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[key]; ok {
		delete(h, field)
		if len(h) == 0 {
			delete(m.hashes, key)
		}
	}
}

func decodeProxy(v string, ok bool) (*model.Proxy, error) {
	if !ok {
		return nil, nil
	}
	return model.Unmarshal(v)
}

func (m *MemoryStorage) Proxies(_ context.Context, pattern string) ([]*model.Proxy, error) {
	m.mu.RLock()
	values := make([]string, 0, len(m.hashes[pattern]))
	for _, v := range m.hashes[pattern] {
		values = append(values, v)
	}
	m.mu.RUnlock()

	proxies := make([]*model.Proxy, 0, len(values))
	for _, v := range values {
		p, err := model.Unmarshal(v)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

func (m *MemoryStorage) Proxy(_ context.Context, pattern, id string) (*model.Proxy, error) {
	return decodeProxy(m.hget(pattern, id))
}

func (m *MemoryStorage) PutProxy(_ context.Context, pattern string, p *model.Proxy) error {
	v, err := p.Marshal()
	if err != nil {
		return err
	}
	m.hset(pattern, p.String(), v)
	return nil
}

func (m *MemoryStorage) PutProxyIfAbsent(_ context.Context, pattern string, p *model.Proxy) (bool, error) {
	v, err := p.Marshal()
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[pattern]
	if !ok {
		h = make(map[string]string)
		m.hashes[pattern] = h
	}
	if _, exists := h[p.String()]; exists {
		return false, nil
	}
	h[p.String()] = v
	return true, nil
}

func (m *MemoryStorage) DeleteProxy(_ context.Context, pattern, id string) error {
	m.hdel(pattern, id)
	return nil
}

func (m *MemoryStorage) CountProxies(_ context.Context, pattern string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hashes[pattern]), nil
}

func (m *MemoryStorage) ClearProxies(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes, pattern)
	return nil
}

func (m *MemoryStorage) FailedProxy(_ context.Context, pattern, id string) (*model.Proxy, error) {
	return decodeProxy(m.hget(FailKey(pattern), id))
}

func (m *MemoryStorage) DeleteFailedProxy(_ context.Context, pattern, id string) error {
	m.hdel(FailKey(pattern), id)
	return nil
}

func (m *MemoryStorage) Evict(_ context.Context, pattern string, p *model.Proxy) error {
	v, err := p.Marshal()
	if err != nil {
		return err
	}
	id := p.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[pattern]; ok {
		delete(h, id)
		if len(h) == 0 {
			delete(m.hashes, pattern)
		}
	}
	fk := FailKey(pattern)
	if _, ok := m.hashes[fk]; !ok {
		m.hashes[fk] = make(map[string]string)
	}
	m.hashes[fk][id] = v
	return nil
}

func (m *MemoryStorage) Rules(_ context.Context) (map[string]model.CheckRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := make(map[string]model.CheckRule, len(m.hashes[RulesKey]))
	for k, v := range m.hashes[RulesKey] {
		var r model.CheckRule
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("invalid rule for pattern %s: %w", k, err)
		}
		rules[k] = r
	}
	return rules, nil
}

func (m *MemoryStorage) PutRule(_ context.Context, pattern string, rule model.CheckRule) error {
	b, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	m.hset(RulesKey, pattern, string(b))
	return nil
}

func (m *MemoryStorage) DeleteRule(_ context.Context, pattern string) error {
	m.hdel(RulesKey, pattern)
	return nil
}

func (m *MemoryStorage) PushResult(_ context.Context, key, sample string, max int) error {
	k := ResultKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	l := append([]string{sample}, m.lists[k]...)
	if max > 0 && len(l) > max {
		l = l[:max]
	}
	m.lists[k] = l
	return nil
}

func (m *MemoryStorage) Results(_ context.Context, key string, n int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l := m.lists[ResultKey(key)]
	if n > 0 && len(l) > n {
		l = l[:n]
	}
	out := make([]string, len(l))
	copy(out, l)
	return out, nil
}

func (m *MemoryStorage) RandomCookie(_ context.Context, pattern string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.sets[CookiesKey(pattern)]
	if len(set) == 0 {
		return "", false, nil
	}
	members := make([]string, 0, len(set))
	for c := range set {
		members = append(members, c)
	}
	sort.Strings(members)
	return members[rand.IntN(len(members))], true, nil
}

func (m *MemoryStorage) AddCookies(_ context.Context, pattern string, cookies ...string) error {
	k := CookiesKey(pattern)
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[k]
	if !ok {
		set = make(map[string]struct{})
		m.sets[k] = set
	}
	for _, c := range cookies {
		set[c] = struct{}{}
	}
	return nil
}

func (m *MemoryStorage) Ping(context.Context) error { return nil }

// Close 在配置了快照时把数据写回文件。
func (m *MemoryStorage) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	return nil
}

// OpenSnapshot 创建一个从快照文件恢复的内存存储，关闭时写回同一文件。
func OpenSnapshot(path string) (*MemoryStorage, error) {
	m := NewMemoryStorage()
	snap := NewSnapshotFile(path)
	if err := snap.Load(m); err != nil {
		return nil, err
	}
	m.closeFn = func() error {
		err := snap.Save(m)
		if err != nil {
			logger.Error().Err(err).Str("path", path).Msg("Failed to write store snapshot.")
		}
		return err
	}
	return m, nil
}
