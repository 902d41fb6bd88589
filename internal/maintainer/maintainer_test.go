package maintainer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/worldwonderer/proxy-for-spiders/internal/pattern"
	"github.com/worldwonderer/proxy-for-spiders/internal/score"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/types"
	"github.com/worldwonderer/proxy-for-spiders/proxypool"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/storage"
)

type staticSource struct {
	proxies []*model.Proxy
}

func (s *staticSource) Name() string { return "static" }

func (s *staticSource) Fetch(context.Context) ([]*model.Proxy, error) {
	out := make([]*model.Proxy, len(s.proxies))
	for i, p := range s.proxies {
		c := *p
		out[i] = &c
	}
	return out, nil
}

func newTestMaintainer(t *testing.T, schedule string, poolSize int) (*Maintainer, *storage.MemoryStorage) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	router := pattern.NewRouter(store, pattern.NewChecker(pattern.DefaultBlacklist))
	if err := router.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := router.Add(ctx, "example.com", model.CheckRule{}); err != nil {
		t.Fatal(err)
	}

	src := &staticSource{}
	for i := 0; i < 5; i++ {
		src.proxies = append(src.proxies, model.New(fmt.Sprintf("10.1.0.%d", i+1), 3128))
	}
	cfg := types.DefaultConfig()
	cfg.PoolSize = poolSize
	pool := proxypool.NewManager(cfg, store, src)
	return New(schedule, router, pool, score.NewUpdater(store)), store
}

func TestRunOnce_SweepsAndReplenishes(t *testing.T) {
	m, store := newTestMaintainer(t, "", 3)
	ctx := context.Background()

	bad := model.New("10.9.0.1", 80)
	bad.Score = model.EvictScore
	good := model.New("10.9.0.2", 80)
	good.Score = 4
	for _, p := range []*model.Proxy{bad, good} {
		if err := store.PutProxy(ctx, "example.com", p); err != nil {
			t.Fatal(err)
		}
	}

	r := m.RunOnce(ctx)
	if r.Patterns != 2 {
		t.Errorf("Expected 2 patterns (example.com and public), but got %d", r.Patterns)
	}
	if r.Removed != 1 {
		t.Errorf("Expected 1 record removed, but got %d", r.Removed)
	}
	if r.Added == 0 {
		t.Error("Expected proxies added during replenishment")
	}

	if p, _ := store.Proxy(ctx, "example.com", bad.String()); p != nil {
		t.Error("Expected low-score proxy evicted from example.com")
	}
	if f, _ := store.FailedProxy(ctx, "example.com", bad.String()); f == nil {
		t.Error("Expected low-score proxy quarantined")
	}
	if p, _ := store.Proxy(ctx, "example.com", good.String()); p == nil || p.Score != 4 {
		t.Errorf("Expected healthy proxy kept, got %+v", p)
	}
	if c, _ := store.CountProxies(ctx, "example.com"); c < 3 {
		t.Errorf("Expected example.com refilled to at least 3, got %d", c)
	}
	if c, _ := store.CountProxies(ctx, model.PublicPattern); c == 0 {
		t.Error("Expected public pool populated")
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	m, _ := newTestMaintainer(t, "not a schedule", 1)
	if err := m.Start(context.Background()); err == nil {
		t.Error("Expected an error for an invalid schedule")
	}
}

func TestStart_ReplenishesPublicAndStops(t *testing.T) {
	m, store := newTestMaintainer(t, "@every 1h", 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if m.NextRun() == nil {
		t.Error("Expected a next run while started")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if c, _ := store.CountProxies(ctx, model.PublicPattern); c >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected public pool replenished on start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.Stop()
	if m.NextRun() != nil {
		t.Error("Expected no next run after Stop")
	}
	m.Stop()
}
