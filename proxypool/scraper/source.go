package scraper

import (
	"context"
	"regexp"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// candidatePattern 匹配文本中的 ip:port
var candidatePattern = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{1,5}`)

// Source 接口定义了从代理源获取候选代理的行为。
// 实现者只负责获取和初步解析，不做校验，也不写存储。
type Source interface {
	// Name 返回代理源的名称，同时作为代理记录的 tag。
	Name() string

	// Fetch 返回一批候选代理。出错时由调用方记录并跳过。
	Fetch(ctx context.Context) ([]*model.Proxy, error)
}

// meta 是一个代理源给它产出的所有记录附加的元数据。
type meta struct {
	tag          string
	validTime    int64
	paid         bool
	supportHTTPS bool
}

func (m meta) apply(p *model.Proxy) *model.Proxy {
	p.Tag = m.tag
	p.ValidTime = m.validTime
	p.Paid = m.paid
	p.SupportHTTPS = m.supportHTTPS
	return p
}

// extract 从任意文本中找出全部 ip:port，重复的只保留一个。
func extract(text string, m meta) []*model.Proxy {
	matches := candidatePattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	proxies := make([]*model.Proxy, 0, len(matches))
	for _, s := range matches {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		p, err := model.Parse(s)
		if err != nil {
			continue
		}
		proxies = append(proxies, m.apply(p))
	}
	return proxies
}

// Named 按名称创建内置的 HTML 代理站抓取器，未知名称返回 nil。
func Named(name string) Source {
	switch name {
	case "proxy-list.download":
		return NewProxyListDownload()
	case "kuaidaili.com":
		return NewKuaidaili()
	case "ip3366.net":
		return NewIP3366()
	default:
		return nil
	}
}
