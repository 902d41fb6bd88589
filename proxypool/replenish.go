package proxypool

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/metrics"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// allow 判断 pattern 是否已过补充冷却期。限速器的 Allow 是原子的，
// 同一冷却期内并发调用只有一个能通过。
func (m *Manager) allow(pattern string) bool {
	m.limitersMu.Lock()
	l, ok := m.limiters[pattern]
	if !ok {
		l = rate.NewLimiter(rate.Every(ReplenishCooldown), 1)
		m.limiters[pattern] = l
	}
	m.limitersMu.Unlock()
	return l.AllowN(m.now(), 1)
}

// EnsureHealthy 在 pattern 的代理池低于最小数量时补充代理，返回新加入的数量。
// 非 public 的 pattern 先从 public_proxies 同步，再从外部代理源补足缺口。
// 代理源的错误只记录日志，不返回给调用方。
func (m *Manager) EnsureHealthy(ctx context.Context, pattern string) int {
	l := m.logger.With().Str("pattern", pattern).Logger()

	count, err := m.store.CountProxies(ctx, pattern)
	if err != nil {
		l.Warn().Err(err).Msg("Failed to count proxies, skipping replenishment")
		return 0
	}
	if count >= m.poolSize {
		return 0
	}
	if !m.allow(pattern) {
		return 0
	}

	added := 0
	if pattern != model.PublicPattern {
		added += m.SyncPublic(ctx, pattern)
	}
	if shortfall := m.poolSize - count - added; shortfall > 0 {
		added += m.AddFromSources(ctx, pattern, shortfall)
	}

	if added > 0 {
		l.Info().Int("added", added).Int("before", count).Msg("Proxy pool replenished")
	}
	return added
}

// SyncPublic 把 public_proxies 中所有可接纳的代理复制到 pattern。
func (m *Manager) SyncPublic(ctx context.Context, pattern string) int {
	proxies, err := m.store.Proxies(ctx, model.PublicPattern)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to load public proxies")
		return 0
	}
	added := 0
	for _, p := range proxies {
		ok, err := m.Admit(ctx, pattern, p)
		if err != nil {
			m.logger.Warn().Err(err).Str("pattern", pattern).Str("proxy", p.String()).Msg("Failed to admit proxy")
			continue
		}
		if ok {
			added++
		}
	}
	return added
}

// AddFromSources 依次从外部代理源拉取候选，直到加入 num 个或代理源耗尽。
func (m *Manager) AddFromSources(ctx context.Context, pattern string, num int) int {
	added := 0
	for _, s := range m.sources {
		if added >= num || ctx.Err() != nil {
			break
		}
		candidates, err := s.Fetch(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("source", s.Name()).Msg("Proxy source failed, skipping")
			continue
		}
		if len(candidates) == 0 {
			m.logger.Warn().Str("source", s.Name()).Msg("Proxy source returned no candidates")
			continue
		}
		for _, p := range candidates {
			ok, err := m.Admit(ctx, pattern, p)
			if err != nil {
				m.logger.Warn().Err(err).Str("source", s.Name()).Str("proxy", p.String()).Msg("Failed to admit proxy")
				continue
			}
			if ok {
				added++
				if added >= num {
					break
				}
			}
		}
	}
	return added
}

// Admit 尝试把代理加入 pattern，同时保证它也在 public_proxies 中。
// 在 pattern 或 public_proxies 隔离区中且未满 8 小时的代理被拒绝，满 8 小时的从隔离区移除；
// 已在 pattern 活跃池中的代理视为重复。新加入的记录分数重置为初始值。
func (m *Manager) Admit(ctx context.Context, pattern string, p *model.Proxy) (bool, error) {
	id := p.String()
	now := m.now()

	targets := []string{pattern}
	if pattern != model.PublicPattern {
		targets = append(targets, model.PublicPattern)
	}
	for _, t := range targets {
		failed, err := m.store.FailedProxy(ctx, t, id)
		if err != nil {
			return false, fmt.Errorf("failed to check quarantine of %s: %w", t, err)
		}
		if failed == nil {
			continue
		}
		if failed.DeleteTime != nil && now.Unix()-*failed.DeleteTime < int64(RenewTime.Seconds()) {
			return false, nil
		}
		if err := m.store.DeleteFailedProxy(ctx, t, id); err != nil {
			return false, fmt.Errorf("failed to release %s from quarantine of %s: %w", id, t, err)
		}
	}

	existing, err := m.store.Proxy(ctx, pattern, id)
	if err != nil {
		return false, fmt.Errorf("failed to check %s in %s: %w", id, pattern, err)
	}
	if existing != nil {
		return false, nil
	}

	fresh := p.Fresh()
	if fresh.InsertTime == 0 {
		fresh.InsertTime = now.Unix()
	}
	if err := m.store.PutProxy(ctx, pattern, fresh); err != nil {
		return false, fmt.Errorf("failed to store %s in %s: %w", id, pattern, err)
	}
	if pattern != model.PublicPattern {
		if _, err := m.store.PutProxyIfAbsent(ctx, model.PublicPattern, fresh); err != nil {
			return false, fmt.Errorf("failed to store %s in %s: %w", id, model.PublicPattern, err)
		}
	}
	metrics.Admissions.WithLabelValues(pattern, fresh.Tag).Inc()
	return true, nil
}
