package crawler

import (
	"fmt"
	"net/http"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// Reason 是一次失败的分类
type Reason string

const (
	ReasonError     Reason = "error"     // 网络或传输错误
	ReasonTimeout   Reason = "timeout"   // 单次尝试超时
	ReasonInvalid   Reason = "invalid"   // 收到响应但没有通过校验
	ReasonCancelled Reason = "cancelled" // 竞速已有胜者，或调用方取消
	ReasonExhausted Reason = "exhausted" // 没有可用代理
)

// Outcome 是一次竞速的结果，只有 *Success 和 *Failure 两种。
// 结果在决出时一次性构造，之后不再修改。
type Outcome interface {
	outcome()
}

// Success 是通过校验的响应。Proxy 为 nil 表示直连。
type Success struct {
	Status int
	Header http.Header
	Body   []byte
	Proxy  *model.Proxy
}

func (*Success) outcome() {}

// Failure 是失败的结果，Diagnostic 中包含所有尝试过的代理及其失败原因。
// 它同时实现了 error。
type Failure struct {
	Reason     Reason
	Diagnostic string
	Proxy      *model.Proxy
}

func (*Failure) outcome() {}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s via %s: %s", f.Reason, proxyLabel(f.Proxy), f.Diagnostic)
}

func proxyLabel(p *model.Proxy) string {
	if p == nil {
		return "direct"
	}
	return p.String()
}
