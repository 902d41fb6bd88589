package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/metrics"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/transport"
)

const (
	// maxBodySize 单个响应体的读取上限
	maxBodySize = 16 << 20
	// sampleBodySize 写入原始响应日志的响应体长度
	sampleBodySize = 1024
)

// Request 是要转发的请求
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Policy 是站点策略：校验响应并统计每分钟的成功/失败次数。
type Policy interface {
	Key() string
	Check(status int, text string) string
	Record(now time.Time, success bool)
}

// Scorer 接收每次非取消尝试的结果。
type Scorer interface {
	RecordOutcome(ctx context.Context, pattern, id string, valid bool, sample string) error
}

// Crawler 用多个代理并发发出同一个请求，第一个通过校验的响应胜出，其余尝试立即取消。
type Crawler struct {
	timeout time.Duration
	scorer  Scorer
	now     func() time.Time
	logger  zerolog.Logger
}

// New 创建 Crawler。timeout 是单次代理尝试的超时，scorer 可以为 nil。
func New(timeout time.Duration, scorer Scorer) *Crawler {
	return &Crawler{
		timeout: timeout,
		scorer:  scorer,
		now:     time.Now,
		logger:  logger.WithComponent("Crawler"),
	}
}

// Race 通过 candidates 竞速执行 req。candidates 为空时直连一次。
// policy 为 nil 时不做校验，任何网络层成功的响应都胜出。
// 被取消的尝试既不计分也不计入诊断信息；全部失败时返回最后一个失败，
// 其 Diagnostic 是所有尝试失败原因的拼接。
func (c *Crawler) Race(ctx context.Context, req Request, candidates []*model.Proxy, policy Policy) Outcome {
	if len(candidates) == 0 {
		candidates = []*model.Proxy{nil}
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Outcome, len(candidates))
	for _, p := range candidates {
		go func(p *model.Proxy) {
			results <- c.attempt(raceCtx, req, p, policy)
		}(p)
	}

	var (
		diag strings.Builder
		last *Failure
	)
	for range candidates {
		switch out := (<-results).(type) {
		case *Success:
			cancel()
			return out
		case *Failure:
			if out.Reason == ReasonCancelled {
				continue
			}
			diag.WriteString(out.Diagnostic)
			last = out
		}
	}

	if last == nil {
		return &Failure{Reason: ReasonCancelled, Diagnostic: "request cancelled\n"}
	}
	return &Failure{Reason: last.Reason, Diagnostic: diag.String(), Proxy: last.Proxy}
}

func (c *Crawler) attempt(raceCtx context.Context, req Request, p *model.Proxy, policy Policy) Outcome {
	attemptCtx, cancel := context.WithTimeout(raceCtx, c.timeout)
	defer cancel()

	status, header, body, err := c.do(attemptCtx, req, p)
	if err != nil {
		if raceCtx.Err() != nil {
			c.count(policy, "cancelled")
			return &Failure{Reason: ReasonCancelled, Proxy: p}
		}
		reason := ReasonError
		if isTimeout(attemptCtx, err) {
			reason = ReasonTimeout
		}
		diag := fmt.Sprintf("%s\n%s: %v\n", proxyLabel(p), reason, err)
		c.logger.Debug().Str("proxy", proxyLabel(p)).Str("url", req.URL).Err(err).Msg("Attempt failed")
		c.settle(raceCtx, policy, p, false, c.sample(req, p, 0, nil, diag))
		c.count(policy, string(reason))
		return &Failure{Reason: reason, Diagnostic: diag, Proxy: p}
	}

	if policy != nil {
		if why := policy.Check(status, decode(body, header.Get("Content-Type"))); why != "" {
			diag := fmt.Sprintf("%s\n%s\n", proxyLabel(p), why)
			c.logger.Debug().Str("proxy", proxyLabel(p)).Str("url", req.URL).Str("reason", why).Msg("Response rejected")
			c.settle(raceCtx, policy, p, false, c.sample(req, p, status, body, why))
			c.count(policy, "invalid")
			return &Failure{Reason: ReasonInvalid, Diagnostic: diag, Proxy: p}
		}
	}

	c.settle(raceCtx, policy, p, true, "")
	c.count(policy, "valid")
	return &Success{Status: status, Header: header, Body: body, Proxy: p}
}

// settle 记录计数器并把结果交给 Scorer。直连的尝试不计分。
// 计分使用脱离竞速取消的 context，已完成的尝试即使在此期间输掉竞速也会被记录。
func (c *Crawler) settle(raceCtx context.Context, policy Policy, p *model.Proxy, valid bool, sample string) {
	if policy == nil {
		return
	}
	policy.Record(c.now(), valid)
	if p == nil || c.scorer == nil {
		return
	}
	if err := c.scorer.RecordOutcome(context.WithoutCancel(raceCtx), policy.Key(), p.String(), valid, sample); err != nil {
		c.logger.Warn().Err(err).Str("pattern", policy.Key()).Str("proxy", p.String()).Msg("Failed to record outcome")
	}
}

func (c *Crawler) count(policy Policy, result string) {
	pattern := ""
	if policy != nil {
		pattern = policy.Key()
	}
	metrics.Attempts.WithLabelValues(pattern, result).Inc()
}

func (c *Crawler) do(ctx context.Context, req Request, p *model.Proxy) (int, http.Header, []byte, error) {
	t, err := transport.New(p, c.timeout)
	if err != nil {
		return 0, nil, nil, err
	}
	defer t.CloseIdleConnections()
	client := &http.Client{Transport: t}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return 0, nil, nil, err
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	// 由 Transport 协商压缩并自动解压，校验和返回给客户端的都是解压后的内容
	httpReq.Header.Del("Accept-Encoding")

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, resp.Header, data, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// decode 按 Content-Type 和页面内容识别编码，转成 UTF-8 文本。
func decode(body []byte, contentType string) string {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return string(body)
	}
	text, err := io.ReadAll(r)
	if err != nil {
		return string(body)
	}
	return string(text)
}

// resultSample 是写入原始响应日志的一条记录
type resultSample struct {
	Time   int64  `json:"time"`
	URL    string `json:"url"`
	Proxy  string `json:"proxy"`
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason"`
	Body   string `json:"body,omitempty"`
}

func (c *Crawler) sample(req Request, p *model.Proxy, status int, body []byte, reason string) string {
	if len(body) > sampleBodySize {
		body = body[:sampleBodySize]
	}
	b, err := json.Marshal(resultSample{
		Time:   c.now().Unix(),
		URL:    req.URL,
		Proxy:  proxyLabel(p),
		Status: status,
		Reason: strings.TrimSpace(reason),
		Body:   string(body),
	})
	if err != nil {
		return ""
	}
	return string(b)
}
