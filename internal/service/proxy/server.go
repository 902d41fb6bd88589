package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/worldwonderer/proxy-for-spiders/internal/crawler"
	"github.com/worldwonderer/proxy-for-spiders/internal/forwarder"
	"github.com/worldwonderer/proxy-for-spiders/internal/service/web"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
)

const (
	// HeaderViaProxy 标明响应来自哪个代理
	HeaderViaProxy = "Via-Proxy"

	maxRequestBody = 8 << 20
)

// hopHeaders 不会从上游响应透传给客户端
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Forwarder 是前端依赖的转发能力
type Forwarder interface {
	Forward(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*forwarder.Response, error)
}

// Server 是面向爬虫的 HTTP 正向代理入口。
type Server struct {
	listenPort int
	fwd        Forwarder
	hub        *web.Hub

	listener  net.Listener
	srv       *http.Server
	closeOnce sync.Once
	logger    zerolog.Logger
}

// New 创建前端，hub 为 nil 时不推送流量日志。
func New(listenPort int, fwd Forwarder, hub *web.Hub) *Server {
	s := &Server{
		listenPort: listenPort,
		fwd:        fwd,
		hub:        hub,
		logger:     logger.WithComponent("ProxyServer"),
	}
	s.srv = &http.Server{Handler: s, ReadHeaderTimeout: 30 * time.Second}
	return s
}

// InitializeListener 监听端口但不阻塞，返回实际监听的端口号。
func (s *Server) InitializeListener() (int, error) {
	addr := fmt.Sprintf("0.0.0.0:%d", s.listenPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("proxy server failed to listen on %s: %w", addr, err)
	}
	s.listener = l
	s.logger.Info().Str("listen_addr", l.Addr().String()).Msg(">>> Proxy server is listening")
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Serve 阻塞处理请求，必须在 InitializeListener 之后调用。
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("serve called before InitializeListener")
	}
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("Proxy server stopped")
	return nil
}

// Close 优雅关闭，等待进行中的请求结束或 ctx 到期。
func (s *Server) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.srv.Shutdown(ctx)
	})
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT is not supported, send absolute http:// URLs with the Need-Https header instead", http.StatusMethodNotAllowed)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "absolute URL required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	header := r.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}

	target := r.URL.String()
	resp, err := s.fwd.Forward(r.Context(), r.Method, target, header, body)
	if err != nil {
		s.broadcast(r, target, "Failed", "")
		var f *crawler.Failure
		if errors.As(err, &f) && f.Diagnostic != "" {
			http.Error(w, f.Diagnostic, http.StatusExpectationFailed)
			return
		}
		http.Error(w, err.Error(), http.StatusExpectationFailed)
		return
	}

	via := "direct"
	if resp.Proxy != nil {
		via = resp.Proxy.String()
	}
	s.broadcast(r, target, "Forwarded", via)

	dst := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	dst.Set(HeaderViaProxy, via)
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Debug().Err(err).Str("url", target).Msg("Failed to write response to client")
	}
}

func (s *Server) broadcast(r *http.Request, target, action, via string) {
	if s.hub == nil {
		return
	}
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	s.hub.BroadcastTrafficLog(&web.TrafficLogEntry{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		ClientIP:    clientIP,
		Method:      r.Method,
		Destination: strings.SplitN(target, "?", 2)[0],
		Action:      action,
		Proxy:       via,
	})
}
