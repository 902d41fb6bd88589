package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/storage"
)

var (
	ErrPatternNotFound = errors.New("pattern not found")
	ErrPublicPattern   = errors.New("public_proxies cannot be modified")
	ErrEmptyPattern    = errors.New("pattern is empty")
)

// Pattern 是一个站点策略：校验规则加上它自己的滚动计数器。
type Pattern struct {
	key     string
	rule    model.CheckRule
	checker *Checker
	counter *Counter
}

func (p *Pattern) Key() string { return p.key }

func (p *Pattern) Rule() model.CheckRule { return p.rule }

func (p *Pattern) Series() []Point { return p.counter.Series() }

// Record 记入当前分钟的成功/失败次数。
func (p *Pattern) Record(now time.Time, ok bool) { p.counter.Record(now, ok) }

// Check 用该 pattern 的规则校验响应，返回失败原因。
func (p *Pattern) Check(status int, text string) string {
	return p.checker.Check(status, text, p.rule)
}

// Router 把目标 URL 映射到最具体的 pattern。
// 前缀树和 pattern 表在同一把锁下修改，读者不会看到两者不一致的状态。
type Router struct {
	mu       sync.RWMutex
	trie     *Trie
	patterns map[string]*Pattern

	store    storage.Storage
	checker  *Checker
	onDelete []func(key string)
	logger   zerolog.Logger
}

func NewRouter(store storage.Storage, checker *Checker) *Router {
	r := &Router{
		trie:     NewTrie(),
		patterns: make(map[string]*Pattern),
		store:    store,
		checker:  checker,
		logger:   logger.WithComponent("Pattern/Router"),
	}
	r.patterns[model.PublicPattern] = r.newPattern(model.PublicPattern, model.CheckRule{})
	return r
}

func (r *Router) newPattern(key string, rule model.CheckRule) *Pattern {
	return &Pattern{key: key, rule: rule, checker: r.checker, counter: NewCounter()}
}

// replace 返回带新规则的 Pattern，计数器沿用旧的。Pattern 创建后不再修改。
func (r *Router) replace(old *Pattern, key string, rule model.CheckRule) *Pattern {
	if old == nil {
		return r.newPattern(key, rule)
	}
	return &Pattern{key: key, rule: rule, checker: r.checker, counter: old.counter}
}

// OnDelete 注册 pattern 被删除后的回调。
func (r *Router) OnDelete(fn func(key string)) {
	r.mu.Lock()
	r.onDelete = append(r.onDelete, fn)
	r.mu.Unlock()
}

// Load 从存储加载全部规则，并确保 public_proxies 存在。
func (r *Router) Load(ctx context.Context) error {
	rules, err := r.store.Rules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pattern rules: %w", err)
	}
	if _, ok := rules[model.PublicPattern]; !ok {
		if err := r.store.PutRule(ctx, model.PublicPattern, model.CheckRule{}); err != nil {
			return fmt.Errorf("failed to register %s: %w", model.PublicPattern, err)
		}
	}

	normalized := r.normalizeRules(ctx, rules)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.trie = NewTrie()
	old := r.patterns
	r.patterns = make(map[string]*Pattern, len(normalized)+1)
	r.patterns[model.PublicPattern] = old[model.PublicPattern]
	for key, rule := range normalized {
		r.patterns[key] = r.replace(old[key], key, rule)
		r.trie.Insert(key, rule)
	}
	r.logger.Info().Int("count", len(r.patterns)).Msg("Patterns loaded")
	return nil
}

// normalizeRules 去掉存储中规则键的 scheme 和空白，前缀树和 pattern 表使用同一个键。
// 带 scheme 的旧键改写为规范键；规范键已存在时以它为准，旧键直接删除。
func (r *Router) normalizeRules(ctx context.Context, rules map[string]model.CheckRule) map[string]model.CheckRule {
	out := make(map[string]model.CheckRule, len(rules))
	for raw, rule := range rules {
		key, err := normalizeKey(raw)
		if err != nil {
			continue
		}
		if key == raw {
			out[key] = rule
		}
	}
	for raw, rule := range rules {
		key, err := normalizeKey(raw)
		if err != nil || key == raw {
			continue
		}
		if _, exists := out[key]; !exists {
			if err := r.store.PutRule(ctx, key, rule); err != nil {
				r.logger.Warn().Err(err).Str("pattern", raw).Msg("Failed to rewrite pattern key")
			}
			out[key] = rule
		}
		if err := r.store.DeleteRule(ctx, raw); err != nil {
			r.logger.Warn().Err(err).Str("pattern", raw).Msg("Failed to remove legacy pattern key")
		}
	}
	return out
}

// Resolve 返回 url 对应的 pattern 名称和规则，没有匹配时回退到 public_proxies。
func (r *Router) Resolve(url string) (string, model.CheckRule) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, rule, ok := r.trie.LongestPrefix(StripScheme(url))
	if !ok {
		return model.PublicPattern, model.CheckRule{}
	}
	return key, rule
}

// Match 与 Resolve 相同，但返回 Pattern 对象。
func (r *Router) Match(url string) *Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, _, ok := r.trie.LongestPrefix(StripScheme(url))
	if !ok {
		key = model.PublicPattern
	}
	if p, found := r.patterns[key]; found {
		return p
	}
	return r.patterns[model.PublicPattern]
}

func normalizeKey(key string) (string, error) {
	key = StripScheme(strings.TrimSpace(key))
	if key == "" {
		return "", ErrEmptyPattern
	}
	if key == model.PublicPattern {
		return "", ErrPublicPattern
	}
	return key, nil
}

// Add 新增或覆盖一个 pattern。先写存储，再更新内存中的前缀树和表。
func (r *Router) Add(ctx context.Context, key string, rule model.CheckRule) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := r.store.PutRule(ctx, key, rule); err != nil {
		return fmt.Errorf("failed to save pattern %s: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[key] = r.replace(r.patterns[key], key, rule)
	r.trie.Insert(key, rule)
	r.logger.Info().Str("pattern", key).Str("rule", rule.Rule).Msg("Pattern saved")
	return nil
}

// Update 修改已存在 pattern 的规则。
func (r *Router) Update(ctx context.Context, key string, rule model.CheckRule) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if _, ok := r.Get(k); !ok {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, k)
	}
	return r.Add(ctx, k, rule)
}

// Delete 删除 pattern 的规则，代理池数据保留在存储中。
func (r *Router) Delete(ctx context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if _, ok := r.Get(key); !ok {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, key)
	}
	if err := r.store.DeleteRule(ctx, key); err != nil {
		return fmt.Errorf("failed to delete pattern %s: %w", key, err)
	}

	r.mu.Lock()
	r.trie.Delete(key)
	delete(r.patterns, key)
	hooks := r.onDelete
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(key)
	}
	r.logger.Info().Str("pattern", key).Msg("Pattern deleted")
	return nil
}

// Get 按名称精确查找 pattern。
func (r *Router) Get(key string) (*Pattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[key]
	return p, ok
}

// Patterns 返回按名称排序的全部 pattern，public_proxies 在内。
func (r *Router) Patterns() []*Pattern {
	r.mu.RLock()
	list := make([]*Pattern, 0, len(r.patterns))
	for _, p := range r.patterns {
		list = append(list, p)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].key < list[j].key })
	return list
}

// Keys 返回全部 pattern 名称。
func (r *Router) Keys() []string {
	ps := r.Patterns()
	keys := make([]string, len(ps))
	for i, p := range ps {
		keys[i] = p.key
	}
	return keys
}

// CookiesFor 随机取一组之前为该 pattern 保存的 cookie 头，没有时返回 nil。
func (r *Router) CookiesFor(ctx context.Context, key string) (map[string]string, error) {
	blob, ok, err := r.store.RandomCookie(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	headers := make(map[string]string)
	if err := json.Unmarshal([]byte(blob), &headers); err != nil {
		return nil, fmt.Errorf("malformed cookies for %s: %w", key, err)
	}
	return headers, nil
}

// AddCookies 为 pattern 保存一组 cookie 头。
func (r *Router) AddCookies(ctx context.Context, key string, headers map[string]string) error {
	if _, ok := r.Get(key); !ok {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, key)
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	return r.store.AddCookies(ctx, key, string(b))
}

// PatternStatus 是一个 pattern 最近 10 分钟的成功率，与 Status 返回的分钟标签一一对应。
type PatternStatus struct {
	Pattern string    `json:"pattern"`
	Serial  []float64 `json:"serial"`
}

// Status 返回最近 10 分钟的分钟标签和每个 pattern 的成功率序列，没有数据的分钟为 0。
func (r *Router) Status(now time.Time) ([]string, []PatternStatus) {
	labels := make([]string, counterBuckets)
	index := make(map[string]int, counterBuckets)
	for i := 0; i < counterBuckets; i++ {
		l := now.Add(-time.Duration(counterBuckets-1-i) * time.Minute).Format(bucketLayout)
		labels[i] = l
		index[l] = i
	}

	patterns := r.Patterns()
	items := make([]PatternStatus, 0, len(patterns))
	for _, p := range patterns {
		serial := make([]float64, counterBuckets)
		for _, pt := range p.Series() {
			if i, ok := index[pt.Minute]; ok {
				serial[i] = pt.Rate
			}
		}
		items = append(items, PatternStatus{Pattern: p.key, Serial: serial})
	}
	return labels, items
}
