package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/worldwonderer/proxy-for-spiders/internal/crawler"
	"github.com/worldwonderer/proxy-for-spiders/internal/forwarder"
	"github.com/worldwonderer/proxy-for-spiders/internal/maintainer"
	"github.com/worldwonderer/proxy-for-spiders/internal/pattern"
	"github.com/worldwonderer/proxy-for-spiders/internal/score"
	"github.com/worldwonderer/proxy-for-spiders/internal/service/proxy"
	"github.com/worldwonderer/proxy-for-spiders/internal/service/web"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/types"
	"github.com/worldwonderer/proxy-for-spiders/proxypool"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/storage"
)

const shutdownTimeout = 10 * time.Second

// AppServer 持有所有组件并负责它们的启动和关闭顺序。
type AppServer struct {
	cfg *types.Config

	store      storage.Storage
	router     *pattern.Router
	pool       *proxypool.Manager
	updater    *score.Updater
	forwarder  *forwarder.Forwarder
	maintainer *maintainer.Maintainer

	hub         *web.Hub
	proxyServer *proxy.Server
	webServer   *web.Server

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 按配置组装所有组件。存储后端不可用时返回错误。
func New(ctx context.Context, cfg *types.Config) (*AppServer, error) {
	store, err := newStore(cfg.StoreConf)
	if err != nil {
		return nil, err
	}
	return NewWithStore(ctx, cfg, store)
}

// NewWithStore 使用给定的存储组装所有组件。
func NewWithStore(ctx context.Context, cfg *types.Config, store storage.Storage) (*AppServer, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("store is unavailable: %w", err)
	}

	router := pattern.NewRouter(store, pattern.NewChecker(cfg.GlobalBlacklist))
	if err := router.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}

	updater := score.NewUpdater(store)
	pool := proxypool.NewManager(cfg, store, newSources(cfg.SourcesConf)...)

	// 删除 pattern 后释放它的锁和限流器
	router.OnDelete(updater.Forget)
	router.OnDelete(pool.Forget)

	fwd := forwarder.New(router, pool, crawler.New(cfg.AttemptTimeout(), updater))
	hub := web.NewHub()

	s := &AppServer{
		cfg:         cfg,
		store:       store,
		router:      router,
		pool:        pool,
		updater:     updater,
		forwarder:   fwd,
		maintainer:  maintainer.New(cfg.Schedule, router, pool, updater),
		hub:         hub,
		proxyServer: proxy.New(cfg.Port, fwd, hub),
		webServer:   web.NewServer(cfg, web.NewHandler(cfg, router, pool, updater), hub),
	}
	logger.Info().
		Str("backend", cfg.Backend).
		Int("patterns", len(router.Keys())).
		Int("sources", len(pool.Sources())).
		Msg("[AppServer] Components assembled")
	return s, nil
}

// Forwarder 返回转发器
func (s *AppServer) Forwarder() *forwarder.Forwarder {
	return s.forwarder
}

// Start 启动维护任务、代理入口和管理接口，不阻塞。返回代理入口实际监听的端口。
func (s *AppServer) Start(ctx context.Context) (int, error) {
	ctx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(ctx)

	if err := s.maintainer.Start(ctx); err != nil {
		return 0, err
	}

	port, err := s.proxyServer.InitializeListener()
	if err != nil {
		return 0, err
	}
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		if err := s.proxyServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("Proxy server failed")
		}
	}()

	if err := s.webServer.Start(ctx, &s.waitGroup); err != nil {
		logger.Error().Err(err).Msg("Web UI failed to start")
	}
	return port, nil
}

// Run 启动所有服务并阻塞到 ctx 结束，然后优雅关闭。
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Msg("Starting proxy-for-spiders...")
	if _, err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop 按与启动相反的顺序关闭所有组件。可以重复调用。
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping server...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.proxyServer.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("Proxy server did not shut down cleanly")
		}
		if err := s.webServer.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("Web server did not shut down cleanly")
		}
		s.maintainer.Stop()
		if s.cancel != nil {
			s.cancel()
		}
		s.waitGroup.Wait()

		if err := s.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close store")
		}
		logger.Info().Msg("All services stopped.")
	})
}
