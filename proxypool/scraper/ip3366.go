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

// IP3366 抓取 www.ip3366.net 的免费代理，只保留 HTTP/HTTPS 类型
type IP3366 struct {
	client  *http.Client
	pageURL string // 含一个 %d 页码占位符
	pages   int
}

func NewIP3366() *IP3366 {
	return &IP3366{
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
		pageURL: "http://www.ip3366.net/?stype=1&page=%d",
		pages:   1,
	}
}

func (s *IP3366) Name() string {
	return "ip3366.net"
}

func (s *IP3366) Fetch(ctx context.Context) ([]*model.Proxy, error) {
	l := logger.WithComponent("ProxyPool/Source")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	var proxies []*model.Proxy
	var lastErr error
	for i := 1; i <= s.pages; i++ {
		url := fmt.Sprintf(s.pageURL, i)
		page, err := s.fetchPage(ctx, url)
		if err != nil {
			l.Warn().Err(err).Str("url", url).Str("source", s.Name()).Msg("Failed to scrape page.")
			lastErr = err
			continue
		}
		proxies = append(proxies, page...)
	}
	if len(proxies) == 0 && lastErr != nil {
		return nil, lastErr
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

func (s *IP3366) fetchPage(ctx context.Context, url string) ([]*model.Proxy, error) {
	l := logger.WithComponent("ProxyPool/Source")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d)", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var proxies []*model.Proxy
	doc.Find("table.table-bordered tbody tr").Each(func(_ int, sel *goquery.Selection) {
		ip := strings.TrimSpace(sel.Find("td").Eq(0).Text())
		portStr := strings.TrimSpace(sel.Find("td").Eq(1).Text())
		proxyType := strings.ToUpper(strings.TrimSpace(sel.Find("td").Eq(3).Text()))

		// 只关心 HTTP/HTTPS 代理
		if !strings.Contains(proxyType, "HTTP") {
			return
		}

		port, err := strconv.Atoi(portStr)
		if err != nil || ip == "" {
			l.Warn().Str("ip", ip).Str("port", portStr).Str("source", s.Name()).Msg("Failed to parse IP/port, skipping row.")
			return
		}

		p := model.New(ip, port)
		p.Tag = s.Name()
		p.SupportHTTPS = strings.Contains(proxyType, "HTTPS")
		proxies = append(proxies, p)
	})
	return proxies, nil
}
