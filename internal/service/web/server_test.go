package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/worldwonderer/proxy-for-spiders/internal/pattern"
	"github.com/worldwonderer/proxy-for-spiders/internal/score"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/types"
	"github.com/worldwonderer/proxy-for-spiders/proxypool"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/storage"
)

const (
	testUser = "admin"
	testPass = "secret"
)

type testServer struct {
	*httptest.Server
	store *storage.MemoryStorage
	hub   *Hub
}

func newTestServer(t *testing.T, password string) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := storage.NewMemoryStorage()
	router := pattern.NewRouter(store, pattern.NewChecker(pattern.DefaultBlacklist))
	if err := router.Load(ctx); err != nil {
		t.Fatal(err)
	}
	cfg := types.DefaultConfig()
	cfg.WebUser = testUser
	cfg.WebPassword = password
	cfg.StoreConf.Password = "redis-pass"

	hub := NewHub()
	go hub.Run(ctx)

	h := NewHandler(cfg, router, proxypool.NewManager(cfg, store), score.NewUpdater(store))
	srv := httptest.NewServer(NewServer(cfg, h, hub).Handler())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.SetBasicAuth(testUser, testPass)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testPass), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	for name, configured := range map[string]string{"plain": testPass, "bcrypt": string(hash)} {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t, configured)

			resp, err := http.Get(s.URL + "/api/patterns")
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Expected 401 without credentials, but got %d", resp.StatusCode)
			}

			req, _ := http.NewRequest(http.MethodGet, s.URL+"/api/patterns", nil)
			req.SetBasicAuth(testUser, "wrong")
			resp, err = http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Expected 401 with a wrong password, but got %d", resp.StatusCode)
			}

			if resp := s.do(t, http.MethodGet, "/api/patterns", ""); resp.StatusCode != http.StatusOK {
				t.Errorf("Expected 200 with valid credentials, but got %d", resp.StatusCode)
			}
		})
	}
}

func TestPatternsCRUD(t *testing.T) {
	s := newTestServer(t, testPass)

	resp := s.do(t, http.MethodPost, "/api/patterns", `{"pattern":"https://example.com","rule":"whitelist","value":"ok"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, but got %d", resp.StatusCode)
	}

	var items []PatternItem
	if err := json.NewDecoder(s.do(t, http.MethodGet, "/api/patterns", "").Body).Decode(&items); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, it := range items {
		if it.Pattern == "example.com" && it.Rule == "whitelist" && it.Value == "ok" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected example.com in the list, got %+v", items)
	}

	if resp := s.do(t, http.MethodPut, "/api/patterns", `{"pattern":"missing.com","rule":"whitelist","value":"x"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 updating an unknown pattern, got %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPut, "/api/patterns", `{"pattern":"example.com","rule":"//title","value":"Home"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 updating example.com, got %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/api/patterns", `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodDelete, "/api/patterns?pattern="+model.PublicPattern, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 deleting public_proxies, got %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodDelete, "/api/patterns?pattern=example.com", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 deleting example.com, got %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodDelete, "/api/patterns?pattern=example.com", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 deleting twice, got %d", resp.StatusCode)
	}
}

func TestCookies(t *testing.T) {
	s := newTestServer(t, testPass)
	if resp := s.do(t, http.MethodPost, "/api/cookies?pattern=nope.com", `{"Cookie":"a=1"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown pattern, got %d", resp.StatusCode)
	}
	s.do(t, http.MethodPost, "/api/patterns", `{"pattern":"example.com"}`)
	if resp := s.do(t, http.MethodPost, "/api/cookies?pattern=example.com", `{"Cookie":"a=1"}`); resp.StatusCode != http.StatusCreated {
		t.Errorf("Expected 201, got %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/api/cookies?pattern=example.com", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty cookie set, got %d", resp.StatusCode)
	}
}

func TestProxiesAndIndex(t *testing.T) {
	s := newTestServer(t, testPass)
	ctx := context.Background()
	for _, p := range []*model.Proxy{model.New("1.2.3.4", 80), model.New("5.6.7.8", 8080)} {
		if err := s.store.PutProxy(ctx, model.PublicPattern, p); err != nil {
			t.Fatal(err)
		}
	}

	var proxies []*model.Proxy
	if err := json.NewDecoder(s.do(t, http.MethodGet, "/api/proxies", "").Body).Decode(&proxies); err != nil {
		t.Fatal(err)
	}
	if len(proxies) != 2 {
		t.Errorf("Expected 2 public proxies, got %d", len(proxies))
	}

	var index IndexResponse
	if err := json.NewDecoder(s.do(t, http.MethodGet, "/api/index", "").Body).Decode(&index); err != nil {
		t.Fatal(err)
	}
	if len(index.Pools) != 1 || index.Pools[0].Pattern != model.PublicPattern || index.Pools[0].Count != 2 {
		t.Errorf("Unexpected index %+v", index)
	}

	if resp := s.do(t, http.MethodDelete, "/api/proxies?pattern="+model.PublicPattern, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 clearing the pool, got %d", resp.StatusCode)
	}
	if c, _ := s.store.CountProxies(ctx, model.PublicPattern); c != 0 {
		t.Errorf("Expected pool cleared, got %d", c)
	}
}

func TestStatusAndConfig(t *testing.T) {
	s := newTestServer(t, testPass)

	var snap StatusSnapshot
	if err := json.NewDecoder(s.do(t, http.MethodGet, "/api/status", "").Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Labels) != 10 || len(snap.Items) != 1 || len(snap.Items[0].Serial) != 10 {
		t.Errorf("Expected 10 labels and one public series, got %+v", snap)
	}

	resp := s.do(t, http.MethodGet, "/api/config", "")
	var cfg map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["Password"] != "******" || cfg["WebPassword"] != "******" {
		t.Errorf("Expected passwords redacted, got %v / %v", cfg["Password"], cfg["WebPassword"])
	}
}

func TestWebSocketPush(t *testing.T) {
	s := newTestServer(t, testPass)

	header := http.Header{}
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(testUser, testPass)
	header.Set("Authorization", req.Header.Get("Authorization"))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the client to be registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.hub.BroadcastTrafficLog(&TrafficLogEntry{Destination: "http://example.com/", Action: "Forwarded"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string          `json:"type"`
		Data TrafficLogEntry `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "traffic_log" || msg.Data.Destination != "http://example.com/" {
		t.Errorf("Unexpected message %+v", msg)
	}
}
