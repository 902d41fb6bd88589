package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/worldwonderer/proxy-for-spiders/internal/crawler"
	"github.com/worldwonderer/proxy-for-spiders/internal/forwarder"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

type forwardCall struct {
	method string
	url    string
	header http.Header
	body   string
}

// mockForwarder 记录调用并返回预设结果
type mockForwarder struct {
	mu    sync.Mutex
	calls []forwardCall
	resp  *forwarder.Response
	err   error
}

func (m *mockForwarder) Forward(_ context.Context, method, rawURL string, header http.Header, body []byte) (*forwarder.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, forwardCall{method, rawURL, header, string(body)})
	return m.resp, m.err
}

func (m *mockForwarder) snapshot() []forwardCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]forwardCall(nil), m.calls...)
}

// startServer 在随机端口上启动前端，返回一个以它为代理的客户端
func startServer(t *testing.T, fwd Forwarder) *http.Client {
	t.Helper()
	s := New(0, fwd, nil)
	port, err := s.InitializeListener()
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Close(ctx)
	})

	proxyURL, _ := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
}

func TestServe_Success(t *testing.T) {
	p := model.New("10.0.0.1", 3128)
	fwd := &mockForwarder{resp: &forwarder.Response{
		Status: http.StatusCreated,
		Header: http.Header{
			"Set-Cookie":     []string{"a=1", "b=2"},
			"X-Upstream":     []string{"yes"},
			"Content-Length": []string{"999"},
			"Connection":     []string{"close"},
		},
		Body:  []byte("hello"),
		Proxy: p,
	}}
	client := startServer(t, fwd)

	req, _ := http.NewRequest(http.MethodPost, "http://example.test/path?q=1", strings.NewReader("payload"))
	req.Header.Set("Need-Https", "1")
	req.Header.Set("User-Agent", "spider")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated || string(body) != "hello" {
		t.Errorf("Expected 201 hello, but got %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Expected both Set-Cookie headers relayed, got %v", got)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Error("Expected upstream headers passed through")
	}
	if resp.Header.Get(HeaderViaProxy) != p.String() {
		t.Errorf("Expected Via-Proxy %s, got %q", p, resp.Header.Get(HeaderViaProxy))
	}
	if resp.ContentLength != int64(len("hello")) {
		t.Errorf("Expected Content-Length recomputed, got %d", resp.ContentLength)
	}

	calls := fwd.snapshot()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 forward call, got %d", len(calls))
	}
	c := calls[0]
	if c.method != http.MethodPost || c.url != "http://example.test/path?q=1" || c.body != "payload" {
		t.Errorf("Unexpected forward call %+v", c)
	}
	if c.header.Get("Need-Https") != "1" || c.header.Get("User-Agent") != "spider" {
		t.Errorf("Expected request headers handed to the forwarder, got %v", c.header)
	}
	if c.header.Get("Proxy-Connection") != "" {
		t.Error("Expected hop-by-hop headers removed")
	}
}

func TestServe_Failure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"race failure", &crawler.Failure{Reason: crawler.ReasonInvalid, Diagnostic: "http://10.0.0.1:80\nwhitelist check failed\n"}, "whitelist check failed"},
		{"no proxies", fmt.Errorf("%w for example.test", forwarder.ErrNoProxies), "no proxies available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startServer(t, &mockForwarder{err: tt.err})
			resp, err := client.Get("http://example.test/")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusExpectationFailed {
				t.Errorf("Expected 417, but got %d", resp.StatusCode)
			}
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("Expected body to contain %q, got %q", tt.want, body)
			}
		})
	}
}

func TestServeHTTP_Rejects(t *testing.T) {
	fwd := &mockForwarder{}
	s := New(0, fwd, nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodConnect, "example.test:443", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for CONNECT, but got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/relative", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a relative URL, but got %d", rec.Code)
	}

	if len(fwd.snapshot()) != 0 {
		t.Error("Expected rejected requests not to be forwarded")
	}
}

func TestServeHTTP_DirectResponse(t *testing.T) {
	s := New(0, &mockForwarder{resp: &forwarder.Response{Status: 200, Header: http.Header{}, Body: []byte("ok")}}, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))
	if rec.Header().Get(HeaderViaProxy) != "direct" {
		t.Errorf("Expected Via-Proxy direct, got %q", rec.Header().Get(HeaderViaProxy))
	}
}
