package maintainer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/worldwonderer/proxy-for-spiders/internal/pattern"
	"github.com/worldwonderer/proxy-for-spiders/internal/score"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/proxypool"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// maxParallel 一轮维护中同时处理的 pattern 数
const maxParallel = 8

// Report 是一轮维护的汇总
type Report struct {
	Patterns int
	Removed  int
	Added    int
	Duration time.Duration
}

// Maintainer 按 cron 计划对每个 pattern 做清理和补充。
type Maintainer struct {
	schedule string
	router   *pattern.Router
	pool     *proxypool.Manager
	updater  *score.Updater

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	logger  zerolog.Logger
}

func New(schedule string, router *pattern.Router, pool *proxypool.Manager, updater *score.Updater) *Maintainer {
	return &Maintainer{
		schedule: schedule,
		router:   router,
		pool:     pool,
		updater:  updater,
		cron:     cron.New(),
		logger:   logger.WithComponent("Maintainer"),
	}
}

// Start 先补充一次 public 代理池，然后按计划运行 RunOnce，直到 ctx 结束或调用 Stop。
// schedule 为空时只做启动时的补充。
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if m.schedule != "" {
		if _, err := cron.ParseStandard(m.schedule); err != nil {
			return fmt.Errorf("invalid maintain schedule %q: %w", m.schedule, err)
		}
	}

	go func() {
		added := m.pool.EnsureHealthy(ctx, model.PublicPattern)
		m.logger.Info().Int("added", added).Msg("Initial public pool replenishment finished")
	}()

	if m.schedule == "" {
		m.logger.Info().Msg("Maintain schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := m.cron.AddFunc(m.schedule, func() { m.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	m.cron.Start()
	m.running = true
	m.logger.Info().Str("schedule", m.schedule).Msg("Maintainer started")

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop 停止调度并等待正在运行的一轮结束。
func (m *Maintainer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	<-m.cron.Stop().Done()
	m.running = false
	m.logger.Info().Msg("Maintainer stopped")
}

// NextRun 返回下一次计划运行的时间，未启动时返回 nil。
func (m *Maintainer) NextRun() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.cron.Entries()
	if !m.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

// RunOnce 并发处理所有 pattern：先清理低分和过期的记录，再把代理池补到最小数量。
// 单个 pattern 出错只记录日志，不影响其它 pattern。
func (m *Maintainer) RunOnce(ctx context.Context) Report {
	start := time.Now()
	keys := m.router.Keys()

	var removed, added atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, key := range keys {
		g.Go(func() error {
			n, err := m.updater.Sweep(gctx, key)
			if err != nil {
				m.logger.Warn().Err(err).Str("pattern", key).Msg("Sweep failed")
			}
			removed.Add(int64(n))
			added.Add(int64(m.pool.EnsureHealthy(gctx, key)))
			return nil
		})
	}
	_ = g.Wait()

	r := Report{
		Patterns: len(keys),
		Removed:  int(removed.Load()),
		Added:    int(added.Load()),
		Duration: time.Since(start),
	}
	m.logger.Info().
		Int("patterns", r.Patterns).
		Int("removed", r.Removed).
		Int("added", r.Added).
		Dur("took", r.Duration).
		Msg("Maintenance cycle complete")
	return r
}
