package model

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// PublicPattern 是默认的公共代理池，也是其它 pattern 补充代理的来源。
	PublicPattern = "public_proxies"

	InitScore = 0
	MaxScore  = 5
	// EvictScore 分数降到该值及以下时从 pattern 的代理池中淘汰
	EvictScore = -3

	SchemeHTTP   = "http"
	SchemeSOCKS5 = "socks5"
)

var schemePrefix = regexp.MustCompile(`^[a-z0-9]+://`)

// Proxy 是一个代理在某个 pattern 代理池中的完整记录。
// 它以 JSON 形式存放在存储后端中，键为 String() 的结果。
type Proxy struct {
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	Scheme       string `json:"scheme,omitempty"` // 为空表示 http
	Score        int    `json:"score"`
	Used         bool   `json:"used"`
	InsertTime   int64  `json:"insert_time"` // unix 秒
	ValidTime    int64  `json:"valid_time"`  // 存活秒数, <= 0 表示永不过期
	Tag          string `json:"tag,omitempty"`
	Paid         bool   `json:"paid"`
	SupportHTTPS bool   `json:"support_https"`

	// DeleteTime 只在被淘汰进入 _fail 隔离区后才有值
	DeleteTime *int64 `json:"delete_time,omitempty"`
}

// New 创建一个新的代理记录，分数为初始值，插入时间为当前时间。
func New(ip string, port int) *Proxy {
	return &Proxy{
		IP:         ip,
		Port:       port,
		Score:      InitScore,
		InsertTime: time.Now().Unix(),
		ValidTime:  -1,
	}
}

// Parse 解析 "ip:port" 或 "scheme://ip:port" 形式的字符串。
func Parse(s string) (*Proxy, error) {
	s = strings.TrimSpace(s)
	scheme := ""
	if loc := schemePrefix.FindStringIndex(s); loc != nil {
		scheme = strings.TrimSuffix(s[:loc[1]], "://")
		s = s[loc[1]:]
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid proxy port %q", portStr)
	}
	p := New(host, port)
	if scheme == "https" {
		scheme = SchemeHTTP
	}
	if scheme != SchemeHTTP {
		p.Scheme = scheme
	}
	return p, nil
}

// GetScheme 返回代理协议，缺省为 http。
func (p *Proxy) GetScheme() string {
	if p.Scheme == "" {
		return SchemeHTTP
	}
	return p.Scheme
}

// Addr 返回 "ip:port"。
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// String 返回代理的身份字符串 scheme://ip:port，同一个池中以它去重。
func (p *Proxy) String() string {
	return p.GetScheme() + "://" + p.Addr()
}

// SetScore 设置分数，超过上限时截断为上限。
func (p *Proxy) SetScore(score int) {
	if score > MaxScore {
		score = MaxScore
	}
	p.Score = score
}

// Remaining 返回记录剩余的存活时间，ok=false 表示没有设置过期时间。
func (p *Proxy) Remaining(now time.Time) (remain int64, ok bool) {
	if p.ValidTime <= 0 {
		return 0, false
	}
	return p.InsertTime + p.ValidTime - now.Unix(), true
}

// Expired 判断记录是否已超过其 TTL。
func (p *Proxy) Expired(now time.Time) bool {
	remain, ok := p.Remaining(now)
	return ok && remain < 0
}

// Fresh 返回一个分数和使用标记被重置的副本，元数据保持不变。
func (p *Proxy) Fresh() *Proxy {
	c := *p
	c.Score = InitScore
	c.Used = false
	c.DeleteTime = nil
	return &c
}

// MarkDeleted 记录淘汰时间。
func (p *Proxy) MarkDeleted(now time.Time) {
	ts := now.Unix()
	p.DeleteTime = &ts
}

// Marshal 序列化为 JSON 字符串。
func (p *Proxy) Marshal() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal 从 JSON 字符串解析代理记录。
func Unmarshal(s string) (*Proxy, error) {
	p := &Proxy{}
	if err := json.Unmarshal([]byte(s), p); err != nil {
		return nil, fmt.Errorf("failed to decode proxy record: %w", err)
	}
	return p, nil
}

// CheckRule 是一个 pattern 的响应校验规则。
// Rule 为 "whitelist" 时 Value 是响应中必须出现的子串；
// 否则 Rule 是 xpath，Value 是期望取到的值；两者都为空表示只检查状态码。
type CheckRule struct {
	Rule  string `json:"rule"`
	Value string `json:"value"`
}

const RuleWhitelist = "whitelist"

// Empty 判断规则是否不做内容校验。
func (r CheckRule) Empty() bool {
	return strings.TrimSpace(r.Rule) == "" || strings.TrimSpace(r.Value) == ""
}
