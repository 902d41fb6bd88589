package proxypool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/types"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/scraper"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/storage"
)

const (
	// ScoreRandomScope 按分数排序后参与随机抽样的前 N 个代理
	ScoreRandomScope = 10
	// RenewTime 被淘汰的代理在隔离区中至少停留的时间
	RenewTime = 8 * time.Hour
	// ReplenishCooldown 同一个 pattern 两次补充之间的最小间隔
	ReplenishCooldown = 5 * time.Second

	StyleScore   = "score"
	StyleShuffle = "shuffle"
)

// Manager 是代理池模块的总控制器：为请求选取代理，并在池子不足时补充。
// 它只读写存储，分数的修改由 score.Updater 负责。
type Manager struct {
	store   storage.Storage
	sources []scraper.Source

	poolSize    int
	concurrency int
	style       string

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	now    func() time.Time
	logger zerolog.Logger
}

// NewManager 创建并初始化代理池管理器。
func NewManager(cfg *types.Config, store storage.Storage, sources ...scraper.Source) *Manager {
	m := &Manager{
		store:       store,
		poolSize:    cfg.PoolSize,
		concurrency: cfg.Concurrent,
		style:       cfg.Style,
		limiters:    make(map[string]*rate.Limiter),
		now:         time.Now,
		logger:      logger.WithComponent("ProxyPool/Manager"),
	}
	for _, s := range sources {
		m.AddSource(s)
	}
	return m
}

// AddSource 添加一个代理源，nil 会被忽略。
func (m *Manager) AddSource(s scraper.Source) {
	if s == nil {
		return
	}
	m.sources = append(m.sources, s)
}

// Sources 返回已配置的代理源名称。
func (m *Manager) Sources() []string {
	names := make([]string, len(m.sources))
	for i, s := range m.sources {
		names[i] = s.Name()
	}
	return names
}

// Proxies 返回 pattern 活跃池中的全部代理。
func (m *Manager) Proxies(ctx context.Context, pattern string) ([]*model.Proxy, error) {
	return m.store.Proxies(ctx, pattern)
}

// Count 返回 pattern 活跃池的大小。
func (m *Manager) Count(ctx context.Context, pattern string) (int, error) {
	return m.store.CountProxies(ctx, pattern)
}

// Clear 清空 pattern 的活跃池，隔离区保留。
func (m *Manager) Clear(ctx context.Context, pattern string) error {
	m.logger.Info().Str("pattern", pattern).Msg("Clearing proxy pool")
	return m.store.ClearProxies(ctx, pattern)
}

// Forget 在 pattern 被删除后释放它的补充限速器。
func (m *Manager) Forget(pattern string) {
	m.limitersMu.Lock()
	delete(m.limiters, pattern)
	m.limitersMu.Unlock()
}
