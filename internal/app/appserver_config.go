package app

import (
	"fmt"
	"strings"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/types"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/scraper"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/storage"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// newStore 按 [store] 配置创建存储后端。memory 后端配置了 snapshot 时从文件恢复，关闭时写回。
func newStore(conf types.StoreConf) (storage.Storage, error) {
	switch strings.ToLower(strings.TrimSpace(conf.Backend)) {
	case "", BackendRedis:
		return storage.NewRedisStorage(conf.Addr, conf.Password, conf.DB), nil
	case BackendMemory:
		if conf.Snapshot == "" {
			return storage.NewMemoryStorage(), nil
		}
		m, err := storage.OpenSnapshot(conf.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to load store snapshot %s: %w", conf.Snapshot, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", conf.Backend)
	}
}

// newSources 按 [sources] 配置创建代理源，顺序为 文件 -> API -> HTML 抓取器。
func newSources(conf types.SourcesConf) []scraper.Source {
	var sources []scraper.Source
	if conf.File != "" {
		sources = append(sources, scraper.NewFileSource("file", conf.File))
	}
	if conf.API != "" {
		sources = append(sources, scraper.NewAPISource("api", conf.API, int64(conf.APIValidTime)))
	}
	for _, name := range conf.Scrapers {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s := scraper.Named(name)
		if s == nil {
			logger.Warn().Str("scraper", name).Msg("Unknown scraper in config, ignoring")
			continue
		}
		sources = append(sources, s)
	}
	return sources
}
