package pattern

import (
	"regexp"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

var httpPrefix = regexp.MustCompile(`^https?://`)

// StripScheme 去掉开头的 http:// 或 https://。
func StripScheme(url string) string {
	return httpPrefix.ReplaceAllString(url, "")
}

type trieNode struct {
	children map[rune]*trieNode
	rule     model.CheckRule
	terminal bool
}

// Trie 是按字符分支的前缀树，用于最长前缀匹配 pattern。
// 它本身不是并发安全的，由 Router 的锁保护。
type Trie struct {
	root *trieNode
	size int
}

func NewTrie() *Trie {
	return &Trie{root: &trieNode{}}
}

func (t *Trie) Len() int { return t.size }

// Insert 插入或覆盖 key 对应的规则。
func (t *Trie) Insert(key string, rule model.CheckRule) {
	n := t.root
	for _, r := range key {
		child, ok := n.children[r]
		if !ok {
			if n.children == nil {
				n.children = make(map[rune]*trieNode)
			}
			child = &trieNode{}
			n.children[r] = child
		}
		n = child
	}
	if !n.terminal {
		t.size++
	}
	n.terminal = true
	n.rule = rule
}

// Delete 删除 key，并回收不再需要的分支。返回 key 是否存在。
func (t *Trie) Delete(key string) bool {
	runes := []rune(key)
	path := make([]*trieNode, 0, len(runes)+1)
	n := t.root
	path = append(path, n)
	for _, r := range runes {
		child, ok := n.children[r]
		if !ok {
			return false
		}
		n = child
		path = append(path, n)
	}
	if !n.terminal {
		return false
	}
	n.terminal = false
	n.rule = model.CheckRule{}
	t.size--

	for i := len(runes) - 1; i >= 0; i-- {
		node := path[i+1]
		if node.terminal || len(node.children) > 0 {
			break
		}
		delete(path[i].children, runes[i])
	}
	return true
}

// Get 精确查找 key。
func (t *Trie) Get(key string) (model.CheckRule, bool) {
	n := t.root
	for _, r := range key {
		child, ok := n.children[r]
		if !ok {
			return model.CheckRule{}, false
		}
		n = child
	}
	return n.rule, n.terminal
}

// LongestPrefix 返回 s 的最长已注册前缀及其规则。
func (t *Trie) LongestPrefix(s string) (key string, rule model.CheckRule, ok bool) {
	n := t.root
	end := -1
	if n.terminal {
		end, rule = 0, n.rule
	}
	for i, r := range s {
		child, found := n.children[r]
		if !found {
			break
		}
		n = child
		if n.terminal {
			end = i + len(string(r))
			rule = n.rule
		}
	}
	if end < 0 {
		return "", model.CheckRule{}, false
	}
	return s[:end], rule, true
}
