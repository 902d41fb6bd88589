package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// ProxyListDownload 抓取 www.proxy-list.download 的 HTTP 代理表格
type ProxyListDownload struct {
	client *http.Client
	url    string
}

func NewProxyListDownload() *ProxyListDownload {
	return &ProxyListDownload{
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
		url: "https://www.proxy-list.download/HTTP?country=CN",
	}
}

func (s *ProxyListDownload) Name() string {
	return "proxy-list.download"
}

func (s *ProxyListDownload) Fetch(ctx context.Context) ([]*model.Proxy, error) {
	l := logger.WithComponent("ProxyPool/Source")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
	}

	var proxies []*model.Proxy
	doc.Find("table#example1 tbody#tabli tr").Each(func(_ int, sel *goquery.Selection) {
		ip := strings.TrimSpace(sel.Find("td").Eq(0).Text())
		portStr := strings.TrimSpace(sel.Find("td").Eq(1).Text())
		if ip == "" || portStr == "" {
			return
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			l.Warn().Str("ip", ip).Str("port", portStr).Msg("Failed to parse port, skipping.")
			return
		}

		p := model.New(ip, port)
		p.Tag = s.Name()
		proxies = append(proxies, p)
	})

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
