package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// APISource 从第三方免费代理聚合接口获取代理，返回内容中的 ip:port 都会被识别。
type APISource struct {
	url    string
	meta   meta
	client *resty.Client
}

// NewAPISource 创建接口代理源，validTime 为这批代理的存活秒数。
func NewAPISource(tag, url string, validTime int64) *APISource {
	client := resty.New().
		SetTimeout(20*time.Second).
		SetHeader("User-Agent", userAgent).
		SetRetryCount(1)
	return &APISource{
		url:    url,
		meta:   meta{tag: tag, validTime: validTime},
		client: client,
	}
}

func (s *APISource) Name() string {
	return s.meta.tag
}

func (s *APISource) Fetch(ctx context.Context) ([]*model.Proxy, error) {
	resp, err := s.client.R().SetContext(ctx).Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("received non-2xx status code (%d) from %s", resp.StatusCode(), s.url)
	}
	return extract(resp.String(), s.meta), nil
}
