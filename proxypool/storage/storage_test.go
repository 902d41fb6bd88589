package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// exerciseStorage 对任意 Storage 实现运行同一组行为检查。
func exerciseStorage(t *testing.T, s Storage, pattern string) {
	ctx := context.Background()

	p := model.New("10.0.0.1", 3128)
	p.Tag = "file"
	if err := s.PutProxy(ctx, pattern, p); err != nil {
		t.Fatalf("PutProxy() returned an error: %v", err)
	}

	got, err := s.Proxy(ctx, pattern, p.String())
	if err != nil || got == nil {
		t.Fatalf("Proxy() = %v, %v; want the stored record", got, err)
	}
	if got.Tag != "file" {
		t.Errorf("Expected tag 'file', got '%s'", got.Tag)
	}

	missing, err := s.Proxy(ctx, pattern, "http://9.9.9.9:1")
	if err != nil || missing != nil {
		t.Errorf("Expected (nil, nil) for a missing record, got %v, %v", missing, err)
	}

	added, err := s.PutProxyIfAbsent(ctx, pattern, p)
	if err != nil || added {
		t.Errorf("PutProxyIfAbsent() on an existing record = %v, %v; want false", added, err)
	}

	n, _ := s.CountProxies(ctx, pattern)
	if n != 1 {
		t.Errorf("Expected 1 proxy, got %d", n)
	}

	p.MarkDeleted(time.Now())
	if err := s.Evict(ctx, pattern, p); err != nil {
		t.Fatalf("Evict() returned an error: %v", err)
	}
	if got, _ := s.Proxy(ctx, pattern, p.String()); got != nil {
		t.Error("Expected evicted record to leave the active pool")
	}
	failed, _ := s.FailedProxy(ctx, pattern, p.String())
	if failed == nil || failed.DeleteTime == nil {
		t.Fatalf("Expected evicted record in the fail ledger with delete_time, got %+v", failed)
	}
	if err := s.DeleteFailedProxy(ctx, pattern, p.String()); err != nil {
		t.Fatalf("DeleteFailedProxy() returned an error: %v", err)
	}
	if failed, _ := s.FailedProxy(ctx, pattern, p.String()); failed != nil {
		t.Error("Expected fail ledger entry to be removed")
	}

	if err := s.PutRule(ctx, pattern, model.CheckRule{Rule: "whitelist", Value: "ok"}); err != nil {
		t.Fatalf("PutRule() returned an error: %v", err)
	}
	rules, err := s.Rules(ctx)
	if err != nil || rules[pattern].Value != "ok" {
		t.Errorf("Rules() = %v, %v; want the stored rule", rules, err)
	}
	_ = s.DeleteRule(ctx, pattern)
	rules, _ = s.Rules(ctx)
	if _, ok := rules[pattern]; ok {
		t.Error("Expected rule to be deleted")
	}

	for i := 0; i < 5; i++ {
		if err := s.PushResult(ctx, pattern, fmt.Sprintf("sample-%d", i), 3); err != nil {
			t.Fatalf("PushResult() returned an error: %v", err)
		}
	}
	results, _ := s.Results(ctx, pattern, 10)
	if len(results) != 3 || results[0] != "sample-4" {
		t.Errorf("Expected the 3 newest samples, got %v", results)
	}

	if _, ok, _ := s.RandomCookie(ctx, pattern); ok {
		t.Error("Expected no cookie before AddCookies")
	}
	_ = s.AddCookies(ctx, pattern, `{"Cookie":"a=1"}`)
	c, ok, err := s.RandomCookie(ctx, pattern)
	if err != nil || !ok || c != `{"Cookie":"a=1"}` {
		t.Errorf("RandomCookie() = %q, %v, %v", c, ok, err)
	}

	_ = s.PutProxy(ctx, pattern, model.New("10.0.0.2", 80))
	if err := s.ClearProxies(ctx, pattern); err != nil {
		t.Fatalf("ClearProxies() returned an error: %v", err)
	}
	if n, _ := s.CountProxies(ctx, pattern); n != 0 {
		t.Errorf("Expected empty pool after clear, got %d", n)
	}
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemoryStorage(), "example.com")
}

func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	s := NewRedisStorage(addr, os.Getenv("REDIS_PASSWORD"), 15)
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() returned an error: %v", err)
	}
	pattern := fmt.Sprintf("storage-test-%d", time.Now().UnixNano())
	defer func() {
		ctx := context.Background()
		_ = s.ClearProxies(ctx, pattern)
		_ = s.client.Del(ctx, FailKey(pattern), ResultKey(pattern), CookiesKey(pattern)).Err()
	}()
	exerciseStorage(t, s, pattern)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.snapshot")
	ctx := context.Background()

	m, err := OpenSnapshot(path)
	if err != nil {
		t.Fatalf("OpenSnapshot() returned an error: %v", err)
	}
	p := model.New("10.0.0.1", 8080)
	p.Tag = "tag|with|pipes"
	_ = m.PutProxy(ctx, "example.com", p)
	_ = m.PutRule(ctx, "example.com", model.CheckRule{Rule: "whitelist", Value: "line1\nline2"})
	_ = m.PushResult(ctx, "example.com", "first", 10)
	_ = m.PushResult(ctx, "example.com", "second", 10)
	_ = m.AddCookies(ctx, "example.com", "c1")
	if err := m.Close(); err != nil {
		t.Fatalf("Close() returned an error: %v", err)
	}

	restored, err := OpenSnapshot(path)
	if err != nil {
		t.Fatalf("OpenSnapshot() on existing file returned an error: %v", err)
	}
	got, _ := restored.Proxy(ctx, "example.com", p.String())
	if got == nil || got.Tag != "tag|with|pipes" {
		t.Errorf("Expected proxy to be restored intact, got %+v", got)
	}
	rules, _ := restored.Rules(ctx)
	if rules["example.com"].Value != "line1\nline2" {
		t.Errorf("Expected multi-line rule value to survive, got %q", rules["example.com"].Value)
	}
	results, _ := restored.Results(ctx, "example.com", 10)
	if len(results) != 2 || results[0] != "second" {
		t.Errorf("Expected list order to survive, got %v", results)
	}
	if c, ok, _ := restored.RandomCookie(ctx, "example.com"); !ok || c != "c1" {
		t.Errorf("Expected cookie to be restored, got %q", c)
	}
}
