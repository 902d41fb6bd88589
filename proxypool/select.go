package proxypool

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// SelectOptions 控制一次选取。零值字段使用 Manager 的配置。
type SelectOptions struct {
	NeedHTTPS   bool
	PreferUsed  bool
	Concurrency int
	Style       string
	// Economic 为 true 时每次最多选一个付费代理
	Economic bool
}

// Select 为一次竞速从 pattern 的活跃池中选出最多 Concurrency 个代理，不修改代理池。
// score 策略先取有效分数最高的 10 个，再从中随机抽样；shuffle 策略直接随机抽样。
func (m *Manager) Select(ctx context.Context, pattern string, opts SelectOptions) ([]*model.Proxy, error) {
	proxies, err := m.store.Proxies(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool %s: %w", pattern, err)
	}
	if opts.NeedHTTPS {
		filtered := proxies[:0]
		for _, p := range proxies {
			if p.SupportHTTPS {
				filtered = append(filtered, p)
			}
		}
		proxies = filtered
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = m.concurrency
	}
	style := opts.Style
	if style == "" {
		style = m.style
	}

	var selected []*model.Proxy
	if style == StyleShuffle {
		selected = sample(proxies, min(len(proxies), limit))
	} else {
		n := min(ScoreRandomScope, len(proxies))
		top := topN(proxies, n, opts.PreferUsed)
		selected = sample(top, min(n, limit))
	}

	if opts.Economic {
		selected = economize(selected)
	}
	return selected, nil
}

// effectiveScore 用过的代理在 preferUsed 时分数乘以 1.5。
func effectiveScore(p *model.Proxy, preferUsed bool) float64 {
	s := float64(p.Score)
	if preferUsed && p.Used {
		s *= 1.5
	}
	return s
}

type scored struct {
	proxy *model.Proxy
	score float64
}

// minHeap 堆顶是当前 top-N 中分数最低的一个
type minHeap []scored

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topN 返回有效分数最高的 n 个代理，顺序不定。
func topN(proxies []*model.Proxy, n int, preferUsed bool) []*model.Proxy {
	if n <= 0 {
		return nil
	}
	h := make(minHeap, 0, n+1)
	for _, p := range proxies {
		s := effectiveScore(p, preferUsed)
		if h.Len() < n {
			heap.Push(&h, scored{proxy: p, score: s})
			continue
		}
		if s > h[0].score {
			h[0] = scored{proxy: p, score: s}
			heap.Fix(&h, 0)
		}
	}
	out := make([]*model.Proxy, len(h))
	for i, s := range h {
		out[i] = s.proxy
	}
	return out
}

// sample 不放回地随机抽取 k 个，不修改输入切片。
func sample(proxies []*model.Proxy, k int) []*model.Proxy {
	if k <= 0 {
		return nil
	}
	pool := make([]*model.Proxy, len(proxies))
	copy(pool, proxies)
	for i := 0; i < k; i++ {
		j := i + rand.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

// economize 只保留第一个付费代理，免费代理全部保留。
func economize(proxies []*model.Proxy) []*model.Proxy {
	out := make([]*model.Proxy, 0, len(proxies))
	paidSeen := false
	for _, p := range proxies {
		if p.Paid {
			if paidSeen {
				continue
			}
			paidSeen = true
		}
		out = append(out, p)
	}
	return out
}
