package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

var fpsListPattern = regexp.MustCompile(`(var|let|const)\s+fpsList\s*=\s*(\[.*?\]);`)

// Kuaidaili 抓取 www.kuaidaili.com 的免费代理。列表数据在页面的 fpsList JS 变量里。
type Kuaidaili struct {
	pages []string
	delay time.Duration
}

// tempKuaidailiProxy 用于解析 fpsList 中的 JSON。
type tempKuaidailiProxy struct {
	IP   string `json:"ip"`
	Port string `json:"port"`
}

func NewKuaidaili() *Kuaidaili {
	var pages []string
	for _, kind := range []string{"intr", "inha"} {
		for i := 1; i <= 2; i++ {
			pages = append(pages, fmt.Sprintf("https://www.kuaidaili.com/free/%s/%d/", kind, i))
		}
	}
	return &Kuaidaili{pages: pages, delay: 2 * time.Second}
}

func (s *Kuaidaili) Name() string {
	return "kuaidaili.com"
}

func (s *Kuaidaili) Fetch(ctx context.Context) ([]*model.Proxy, error) {
	l := logger.WithComponent("ProxyPool/Source")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(20 * time.Second)

	var (
		mu        sync.Mutex
		proxies   []*model.Proxy
		scrapeErr error
	)

	c.OnResponse(func(r *colly.Response) {
		matches := fpsListPattern.FindSubmatch(r.Body)
		if len(matches) < 3 {
			l.Warn().Str("url", r.Request.URL.String()).Msg("Could not find fpsList variable in response body.")
			return
		}

		var tempList []*tempKuaidailiProxy
		if err := json.Unmarshal(matches[2], &tempList); err != nil {
			l.Warn().Err(err).Str("url", r.Request.URL.String()).Msg("Failed to unmarshal fpsList JSON.")
			mu.Lock()
			scrapeErr = err
			mu.Unlock()
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for _, item := range tempList {
			ip := strings.TrimSpace(item.IP)
			port, err := strconv.Atoi(strings.TrimSpace(item.Port))
			if err != nil || ip == "" {
				l.Warn().Str("ip", ip).Str("port", item.Port).Str("source", s.Name()).Msg("Failed to parse port, skipping.")
				continue
			}
			p := model.New(ip, port)
			p.Tag = s.Name()
			proxies = append(proxies, p)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		scrapeErr = err
		mu.Unlock()
	})

	for i, url := range s.pages {
		if i > 0 && s.delay > 0 {
			// 页面之间稍作停顿，避免给对方服务器造成压力
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.delay):
			}
		}
		l.Debug().Str("url", url).Msg("Visiting page...")
		_ = c.Visit(url)
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(proxies) == 0 && scrapeErr != nil {
		return nil, scrapeErr
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
