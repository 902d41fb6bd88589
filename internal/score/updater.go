package score

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/keylock"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/metrics"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/storage"
)

// ResultSaveNum 每个键最多保留的原始响应样本数
const ResultSaveNum = 100

// Updater 根据竞速结果修改代理分数并执行淘汰。
// 同一个 pattern 的所有分数修改都在该 pattern 的锁内串行执行，
// 并且每次都从存储重新读取记录，而不是使用选取时的副本。
type Updater struct {
	store storage.Storage
	locks *keylock.Registry
	now   func() time.Time

	success atomic.Int64
	total   atomic.Int64

	logger zerolog.Logger
}

func NewUpdater(store storage.Storage) *Updater {
	return &Updater{
		store:  store,
		locks:  keylock.New(),
		now:    time.Now,
		logger: logger.WithComponent("Score/Updater"),
	}
}

// WithClock 替换时间来源，测试用。
func (u *Updater) WithClock(now func() time.Time) *Updater {
	u.now = now
	return u
}

// Lock 获取 pattern 的修改锁。维护任务需要与分数更新互斥时使用。
func (u *Updater) Lock(pattern string) (unlock func()) {
	return u.locks.Lock(pattern)
}

// Forget 在 pattern 被删除后释放它的锁。
func (u *Updater) Forget(pattern string) {
	u.locks.Forget(pattern)
}

// Totals 返回进程启动以来的成功次数和总次数。
func (u *Updater) Totals() (success, total int64) {
	return u.success.Load(), u.total.Load()
}

// RecordOutcome 记录一次尝试的结果。记录已不在活跃池中时什么也不做。
// 无效结果的 sample 会额外写入原始响应日志。
func (u *Updater) RecordOutcome(ctx context.Context, pattern, id string, valid bool, sample string) error {
	if err := u.score(ctx, pattern, id, valid); err != nil {
		return err
	}
	if !valid && sample != "" {
		return u.RecordRawResult(ctx, pattern, id, sample)
	}
	return nil
}

func (u *Updater) score(ctx context.Context, pattern, id string, valid bool) error {
	unlock := u.locks.Lock(pattern)
	defer unlock()

	p, err := u.store.Proxy(ctx, pattern, id)
	if err != nil {
		return fmt.Errorf("failed to load %s in %s: %w", id, pattern, err)
	}
	if p == nil {
		return nil
	}

	u.total.Add(1)
	if valid {
		u.success.Add(1)
		if p.Score < 0 {
			p.Score = 0
		}
		p.SetScore(p.Score + 1)
		p.Used = true
	} else {
		p.Score--
		if reason := u.evictReason(pattern, p); reason != "" {
			return u.evict(ctx, pattern, p, reason)
		}
	}

	if err := u.store.PutProxy(ctx, pattern, p); err != nil {
		return fmt.Errorf("failed to save %s in %s: %w", id, pattern, err)
	}
	return nil
}

func (u *Updater) evictReason(pattern string, p *model.Proxy) string {
	if pattern == model.PublicPattern {
		return ""
	}
	if p.Score <= model.EvictScore {
		return "score"
	}
	if p.Expired(u.now()) {
		return "expired"
	}
	return ""
}

func (u *Updater) evict(ctx context.Context, pattern string, p *model.Proxy, reason string) error {
	p.MarkDeleted(u.now())
	if err := u.store.Evict(ctx, pattern, p); err != nil {
		return fmt.Errorf("failed to evict %s from %s: %w", p, pattern, err)
	}
	metrics.Evictions.WithLabelValues(pattern, reason).Inc()
	u.logger.Debug().
		Str("pattern", pattern).
		Str("proxy", p.String()).
		Int("score", p.Score).
		Str("reason", reason).
		Msg("Proxy evicted")
	return nil
}

// RecordRawResult 把原始响应样本写入代理和 pattern 两个滚动日志，各保留最近 100 条。
func (u *Updater) RecordRawResult(ctx context.Context, pattern, id, sample string) error {
	if err := u.store.PushResult(ctx, id, sample, ResultSaveNum); err != nil {
		return fmt.Errorf("failed to save result for %s: %w", id, err)
	}
	if err := u.store.PushResult(ctx, pattern, sample, ResultSaveNum); err != nil {
		return fmt.Errorf("failed to save result for %s: %w", pattern, err)
	}
	return nil
}

// Sweep 清理 pattern 中分数过低或已过期的记录，返回被移除的数量。
// 非 public 的 pattern 淘汰分数 <= -3 的记录；所有 pattern 都移除过期记录，
// 用过的过期记录进入隔离区，没用过的直接删除。
func (u *Updater) Sweep(ctx context.Context, pattern string) (int, error) {
	unlock := u.locks.Lock(pattern)
	defer unlock()

	proxies, err := u.store.Proxies(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", pattern, err)
	}

	now := u.now()
	removed := 0
	for _, p := range proxies {
		switch {
		case pattern != model.PublicPattern && p.Score <= model.EvictScore:
			if err := u.evict(ctx, pattern, p, "score"); err != nil {
				return removed, err
			}
		case p.Expired(now) && p.Used:
			if err := u.evict(ctx, pattern, p, "expired"); err != nil {
				return removed, err
			}
		case p.Expired(now):
			if err := u.store.DeleteProxy(ctx, pattern, p.String()); err != nil {
				return removed, fmt.Errorf("failed to delete %s from %s: %w", p, pattern, err)
			}
		default:
			continue
		}
		removed++
	}
	return removed, nil
}
