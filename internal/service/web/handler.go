package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/worldwonderer/proxy-for-spiders/internal/pattern"
	"github.com/worldwonderer/proxy-for-spiders/internal/score"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/types"
	"github.com/worldwonderer/proxy-for-spiders/proxypool"
	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// PatternRequest 是新增或修改 pattern 的请求体
type PatternRequest struct {
	Pattern string `json:"pattern"`
	Rule    string `json:"rule"`
	Value   string `json:"value"`
}

// PatternItem 是 pattern 列表中的一项
type PatternItem struct {
	Pattern string `json:"pattern"`
	Rule    string `json:"rule"`
	Value   string `json:"value"`
}

// PoolSummary 是一个 pattern 代理池的概况
type PoolSummary struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// IndexResponse 是 /api/index 的响应
type IndexResponse struct {
	Pools   []PoolSummary `json:"pools"`
	Success int64         `json:"success"`
	Total   int64         `json:"total"`
	Sources []string      `json:"sources"`
}

type Handler struct {
	cfg     *types.Config
	router  *pattern.Router
	pool    *proxypool.Manager
	updater *score.Updater
	now     func() time.Time
}

func NewHandler(cfg *types.Config, router *pattern.Router, pool *proxypool.Manager, updater *score.Updater) *Handler {
	return &Handler{
		cfg:     cfg,
		router:  router,
		pool:    pool,
		updater: updater,
		now:     time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug().Err(err).Msg("[Handler] Failed to encode response")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// patternError 把 router 的错误映射为 HTTP 状态码
func patternError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pattern.ErrPatternNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, pattern.ErrPublicPattern), errors.Is(err, pattern.ErrEmptyPattern):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandlePatterns 处理 /api/patterns 的增删改查
func (h *Handler) HandlePatterns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listPatterns(w, r)
	case http.MethodPost:
		h.savePattern(w, r, false)
	case http.MethodPut:
		h.savePattern(w, r, true)
	case http.MethodDelete:
		h.deletePattern(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) listPatterns(w http.ResponseWriter, _ *http.Request) {
	ps := h.router.Patterns()
	items := make([]PatternItem, 0, len(ps))
	for _, p := range ps {
		rule := p.Rule()
		items = append(items, PatternItem{Pattern: p.Key(), Rule: rule.Rule, Value: rule.Value})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) savePattern(w http.ResponseWriter, r *http.Request, update bool) {
	var req PatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	rule := model.CheckRule{Rule: strings.TrimSpace(req.Rule), Value: req.Value}

	var err error
	if update {
		err = h.router.Update(r.Context(), req.Pattern, rule)
	} else {
		err = h.router.Add(r.Context(), req.Pattern, rule)
	}
	if err != nil {
		patternError(w, err)
		return
	}

	logger.Info().Str("pattern", req.Pattern).Bool("update", update).Msg("[Handler] Pattern saved")
	status := http.StatusCreated
	if update {
		status = http.StatusOK
	}
	writeMessage(w, status, "Pattern saved")
}

func (h *Handler) deletePattern(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("pattern")
	if err := h.router.Delete(r.Context(), key); err != nil {
		patternError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Pattern deleted")
}

// HandleCookies 处理 POST /api/cookies?pattern=，请求体是一个头部名到值的 JSON 对象
func (h *Handler) HandleCookies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.Query().Get("pattern")
	headers := make(map[string]string)
	if err := json.NewDecoder(r.Body).Decode(&headers); err != nil || len(headers) == 0 {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if err := h.router.AddCookies(r.Context(), key, headers); err != nil {
		patternError(w, err)
		return
	}
	writeMessage(w, http.StatusCreated, "Cookies saved")
}

// HandleProxies 处理 GET/DELETE /api/proxies?pattern=，pattern 缺省为 public_proxies
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("pattern")
	if key == "" {
		key = model.PublicPattern
	}

	switch r.Method {
	case http.MethodGet:
		proxies, err := h.pool.Proxies(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if proxies == nil {
			proxies = []*model.Proxy{}
		}
		writeJSON(w, http.StatusOK, proxies)
	case http.MethodDelete:
		if err := h.pool.Clear(r.Context(), key); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.Info().Str("pattern", key).Msg("[Handler] Proxy pool cleared")
		writeMessage(w, http.StatusOK, "Proxy pool cleared")
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Snapshot 生成当前的成功率快照
func (h *Handler) Snapshot() *StatusSnapshot {
	now := h.now()
	labels, items := h.router.Status(now)
	success, total := h.updater.Totals()
	return &StatusSnapshot{
		Timestamp: now,
		Labels:    labels,
		Items:     items,
		Success:   success,
		Total:     total,
	}
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.Snapshot())
}

// HandleIndex 处理 GET /api/index
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keys := h.router.Keys()
	resp := IndexResponse{Pools: make([]PoolSummary, 0, len(keys)), Sources: h.pool.Sources()}
	for _, key := range keys {
		n, err := h.pool.Count(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Pools = append(resp.Pools, PoolSummary{Pattern: key, Count: n})
	}
	resp.Success, resp.Total = h.updater.Totals()
	writeJSON(w, http.StatusOK, resp)
}

// HandleConfig 处理 GET /api/config，密码字段不会返回
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := *h.cfg
	if cfg.Password != "" {
		cfg.Password = "******"
	}
	if cfg.WebPassword != "" {
		cfg.WebPassword = "******"
	}
	writeJSON(w, http.StatusOK, cfg)
}
