package pattern

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// DefaultBlacklist 是反爬页面或错误配置主机常见的响应片段。
var DefaultBlacklist = []string{
	"forbidden",
	"antispider",
	"Maximum number of open connections reached",
	"Unauthorized",
}

// Checker 按 状态码 -> 全局黑名单 -> 站点规则 的顺序校验响应，遇到第一个失败即返回。
type Checker struct {
	blacklist []string
}

func NewChecker(blacklist []string) *Checker {
	bl := make([]string, 0, len(blacklist))
	for _, s := range blacklist {
		if s = strings.TrimSpace(s); s != "" {
			bl = append(bl, s)
		}
	}
	return &Checker{blacklist: bl}
}

// Check 返回失败原因，全部通过时返回空字符串。
func (c *Checker) Check(status int, text string, rule model.CheckRule) string {
	if status != 404 && status >= 400 {
		return fmt.Sprintf("status_code check failed, get %d", status)
	}
	for _, word := range c.blacklist {
		if strings.Contains(text, word) {
			return fmt.Sprintf("global blacklist check failed, get %s", word)
		}
	}
	if rule.Empty() {
		return ""
	}
	if rule.Rule == model.RuleWhitelist {
		if !strings.Contains(text, rule.Value) {
			return fmt.Sprintf("whitelist check failed, %s not found", rule.Value)
		}
		return ""
	}
	return checkXPath(text, rule)
}

func checkXPath(text string, rule model.CheckRule) string {
	doc, err := htmlquery.Parse(strings.NewReader(text))
	if err != nil {
		return fmt.Sprintf("xpath check failed, %v", err)
	}
	node, err := htmlquery.Query(doc, rule.Rule)
	if err != nil {
		return fmt.Sprintf("xpath check failed, invalid expression %s: %v", rule.Rule, err)
	}
	if node == nil {
		return fmt.Sprintf("xpath check failed, %s not found", rule.Rule)
	}
	if strings.TrimSpace(htmlquery.InnerText(node)) != strings.TrimSpace(rule.Value) {
		return "xpath check failed, value not equal"
	}
	return ""
}
