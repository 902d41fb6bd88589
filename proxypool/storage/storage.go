package storage

import (
	"context"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// 存储布局 (与后端无关):
//
//	<pattern>                -> { proxy id -> Proxy JSON }       活跃代理池
//	<pattern>_fail           -> { proxy id -> Proxy JSON }       隔离区, 带 delete_time
//	response_check_pattern   -> { pattern -> CheckRule JSON }
//	<key>_result             -> 最近的原始响应样本 (有上限的列表)
//	<pattern>_cookies        -> cookie 集合
const (
	RulesKey      = "response_check_pattern"
	failSuffix    = "_fail"
	resultSuffix  = "_result"
	cookiesSuffix = "_cookies"
)

func FailKey(pattern string) string    { return pattern + failSuffix }
func ResultKey(key string) string      { return key + resultSuffix }
func CookiesKey(pattern string) string { return pattern + cookiesSuffix }

// Storage 接口定义了代理池、pattern 规则和辅助数据的持久化行为。
// 所有实现都必须是并发安全的；单条记录的写入以代理身份字符串为键，后写覆盖先写。
type Storage interface {
	// Proxies 返回 pattern 活跃池中的全部记录。
	Proxies(ctx context.Context, pattern string) ([]*model.Proxy, error)
	// Proxy 返回单条记录，不存在时返回 (nil, nil)。
	Proxy(ctx context.Context, pattern, id string) (*model.Proxy, error)
	PutProxy(ctx context.Context, pattern string, p *model.Proxy) error
	// PutProxyIfAbsent 仅在记录不存在时写入，返回是否写入。
	PutProxyIfAbsent(ctx context.Context, pattern string, p *model.Proxy) (bool, error)
	DeleteProxy(ctx context.Context, pattern, id string) error
	CountProxies(ctx context.Context, pattern string) (int, error)
	ClearProxies(ctx context.Context, pattern string) error

	FailedProxy(ctx context.Context, pattern, id string) (*model.Proxy, error)
	DeleteFailedProxy(ctx context.Context, pattern, id string) error
	// Evict 把记录从活跃池移动到隔离区。
	Evict(ctx context.Context, pattern string, p *model.Proxy) error

	Rules(ctx context.Context) (map[string]model.CheckRule, error)
	PutRule(ctx context.Context, pattern string, rule model.CheckRule) error
	DeleteRule(ctx context.Context, pattern string) error

	// PushResult 把样本放到列表头部并截断到 max 条。
	PushResult(ctx context.Context, key, sample string, max int) error
	Results(ctx context.Context, key string, n int) ([]string, error)

	// RandomCookie 随机返回一个 cookie，没有时 ok=false。
	RandomCookie(ctx context.Context, pattern string) (cookie string, ok bool, err error)
	AddCookies(ctx context.Context, pattern string, cookies ...string) error

	Ping(ctx context.Context) error
	Close() error
}
