package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/worldwonderer/proxy-for-spiders/internal/crawler"
	"github.com/worldwonderer/proxy-for-spiders/internal/pattern"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/metrics"
	"github.com/worldwonderer/proxy-for-spiders/proxypool"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

const (
	// HeaderNeedHTTPS 要求把 http:// 改写为 https:// 后再转发
	HeaderNeedHTTPS = "Need-Https"
	// HeaderNeedCookies 要求合并为该 pattern 保存的 cookie 头
	HeaderNeedCookies = "Need-Cookies"

	replenishTimeout = time.Minute
)

// ErrNoProxies 表示 pattern 的代理池为空，请求没有发出。
var ErrNoProxies = errors.New("no proxies available")

// Response 是转发成功后的上游响应
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Proxy  *model.Proxy // nil 表示直连
}

// Forwarder 串起一次转发：匹配 pattern，补充并选取代理，竞速请求。
type Forwarder struct {
	router  *pattern.Router
	pool    *proxypool.Manager
	crawler *crawler.Crawler
	logger  zerolog.Logger
}

func New(router *pattern.Router, pool *proxypool.Manager, c *crawler.Crawler) *Forwarder {
	return &Forwarder{
		router:  router,
		pool:    pool,
		crawler: c,
		logger:  logger.WithComponent("Forwarder"),
	}
}

// Forward 通过代理池转发一个请求。失败时返回的 error 是 *crawler.Failure 或包装了 ErrNoProxies 的错误。
func (f *Forwarder) Forward(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	l := f.logger.With().Str("request_id", uuid.NewString()).Logger()

	rawURL, header, needHTTPS, needCookies := prepare(rawURL, header)

	p := f.router.Match(rawURL)
	key := p.Key()
	l = l.With().Str("pattern", key).Logger()

	if needCookies {
		cookies, err := f.router.CookiesFor(ctx, key)
		if err != nil {
			l.Warn().Err(err).Msg("Failed to load cookies")
		}
		for k, v := range cookies {
			header.Set(k, v)
		}
	}

	f.ensureHealthy(ctx, key)

	candidates, err := f.pool.Select(ctx, key, proxypool.SelectOptions{
		NeedHTTPS:  needHTTPS,
		PreferUsed: true,
		Economic:   true,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		metrics.Races.WithLabelValues(key, "exhausted").Inc()
		l.Warn().Str("url", rawURL).Msg("No proxies available")
		return nil, fmt.Errorf("%w for %s", ErrNoProxies, key)
	}

	start := time.Now()
	out := f.crawler.Race(ctx, crawler.Request{Method: method, URL: rawURL, Header: header, Body: body}, candidates, p)
	metrics.RaceDuration.WithLabelValues(key).Observe(time.Since(start).Seconds())

	switch o := out.(type) {
	case *crawler.Success:
		metrics.Races.WithLabelValues(key, "success").Inc()
		l.Info().Str("url", rawURL).Str("proxy", o.Proxy.String()).Int("status", o.Status).Msg("Got valid response")
		return &Response{Status: o.Status, Header: o.Header, Body: o.Body, Proxy: o.Proxy}, nil
	case *crawler.Failure:
		metrics.Races.WithLabelValues(key, "failure").Inc()
		l.Warn().Str("url", rawURL).Int("candidates", len(candidates)).Str("reason", string(o.Reason)).Msg("Unable to get any valid response")
		return nil, o
	default:
		return nil, fmt.Errorf("unexpected race outcome %T", out)
	}
}

// prepare 读取并去掉标记头，需要时把 http:// 改写为 https://。返回的 header 是副本。
func prepare(rawURL string, header http.Header) (string, http.Header, bool, bool) {
	header = header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	_, needHTTPS := header[HeaderNeedHTTPS]
	_, needCookies := header[HeaderNeedCookies]
	header.Del(HeaderNeedHTTPS)
	header.Del(HeaderNeedCookies)

	if needHTTPS && strings.HasPrefix(rawURL, "http://") {
		rawURL = "https://" + strings.TrimPrefix(rawURL, "http://")
	}
	return rawURL, header, needHTTPS, needCookies
}

// ensureHealthy 代理池为空时同步补充，否则在后台补充，不阻塞当前请求。
func (f *Forwarder) ensureHealthy(ctx context.Context, key string) {
	count, err := f.pool.Count(ctx, key)
	if err == nil && count == 0 {
		f.pool.EnsureHealthy(ctx, key)
		return
	}
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), replenishTimeout)
		defer cancel()
		f.pool.EnsureHealthy(bg, key)
	}()
}
