package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// New 为一个上游代理创建 http.Transport。
// http 代理通过 Proxy 字段转发，socks5 代理通过 x/net/proxy 拨号。
// 每次尝试都是独立的连接，不复用，也不校验上游证书。
// p 为 nil 时返回直连的 Transport。
func New(p *model.Proxy, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   timeout / 2,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if p == nil {
		return t, nil
	}

	switch p.GetScheme() {
	case model.SchemeHTTP:
		proxyURL, err := url.Parse(p.String())
		if err != nil {
			return nil, fmt.Errorf("invalid HTTP proxy URL %s: %w", p, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	case model.SchemeSOCKS5:
		d, err := proxy.SOCKS5("tcp", p.Addr(), nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", p, err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", p)
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", p.GetScheme())
	}
	return t, nil
}
