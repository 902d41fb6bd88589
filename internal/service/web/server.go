package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/metrics"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/types"
)

//go:embed all:static
var staticFiles embed.FS

// loggingListener 记录每个接入的连接
type loggingListener struct {
	net.Listener
	logger zerolog.Logger
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.logger.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("Connection accepted")
	}
	return conn, err
}

// checkPassword 支持明文和 bcrypt 哈希 ($2a$/$2b$/$2y$) 两种配置方式
func checkPassword(configured, given string) bool {
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(given)) == 1
}

// basicAuthMiddleware 在配置了 web_user 和 web_password 时强制 HTTP Basic 认证。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || !checkPassword(pass, p) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server 是管理接口和仪表盘
type Server struct {
	cfg     *types.Config
	handler *Handler
	hub     *Hub

	listener  net.Listener
	srv       *http.Server
	closeOnce sync.Once
	logger    zerolog.Logger
}

func NewServer(cfg *types.Config, handler *Handler, hub *Hub) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		hub:     hub,
		logger:  logger.WithComponent("WebServer"),
	}
	s.srv = &http.Server{Handler: s.routes(), ReadHeaderTimeout: 30 * time.Second}
	return s
}

func (s *Server) routes() http.Handler {
	h := s.handler
	user, pass := s.cfg.WebUser, s.cfg.WebPassword
	mux := http.NewServeMux()

	mux.Handle("/api/patterns", basicAuthMiddleware(http.HandlerFunc(h.HandlePatterns), user, pass))
	mux.Handle("/api/cookies", basicAuthMiddleware(http.HandlerFunc(h.HandleCookies), user, pass))
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(h.HandleProxies), user, pass))
	mux.Handle("/api/status", basicAuthMiddleware(http.HandlerFunc(h.HandleStatus), user, pass))
	mux.Handle("/api/index", basicAuthMiddleware(http.HandlerFunc(h.HandleIndex), user, pass))
	mux.Handle("/api/config", basicAuthMiddleware(http.HandlerFunc(h.HandleConfig), user, pass))
	mux.Handle("/metrics", basicAuthMiddleware(metrics.Handler(), user, pass))

	mux.Handle("/ws", basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, w, r)
	}), user, pass))

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		s.logger.Fatal().Err(err).Msg("Failed to create sub filesystem for static assets")
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	rootHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		index, err := staticFiles.ReadFile("static/index.html")
		if err != nil {
			http.Error(w, "Could not load index.html", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(index)
	})
	mux.Handle("/", basicAuthMiddleware(rootHandler, user, pass))
	return mux
}

// Start 监听 web_port 并在后台服务，web_port <= 0 时不启动。
// 同时按 status_interval 向 websocket 客户端推送成功率快照，直到 ctx 结束。
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if s.cfg.WebPort <= 0 {
		s.logger.Info().Msg("Web UI is disabled (web_port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.WebPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start web UI on %s: %w", addr, err)
	}
	s.listener = l
	s.logger.Info().Msgf("SUCCESS: Web UI is listening on http://%s", addr)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(loggingListener{Listener: l, logger: s.logger}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Web server error")
		}
		s.logger.Info().Msg("Web server stopped.")
	}()
	go func() {
		defer wg.Done()
		s.statusLoop(ctx)
	}()
	return nil
}

func (s *Server) statusLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.StatusInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.hub.Clients() > 0 {
				s.hub.BroadcastStatus(s.handler.Snapshot())
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close 优雅关闭 web 服务
func (s *Server) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.srv.Shutdown(ctx)
	})
	return err
}

// Handler 返回完整的路由，便于测试
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
