package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes 游戏监听端口上的全部路由：WebSocket 接入与管理/监控接口
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.HandleWS)
	r.Get("/ws", s.HandleWS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", s.HandleMetrics)
	r.Get("/admin/config", s.HandleAdminConfig)
	r.Post("/admin/config", s.HandleAdminConfigUpdate)
	r.Get("/admin/sessions", s.HandleAdminSessions)
	return r
}

// HandleMetrics 输出运行指标
// GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"tick":            s.provider.Tick(),
		"sessions":        s.sessions.Count(),
		"intents_pending": s.agg.Pending(),
		"metrics":         s.metrics.Snapshot(),
	}
	writeJSON(w, payload)
}

// HandleAdminConfig 返回当前生效的配置
// GET /admin/config
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.currentConfig().Public())
}

// HandleAdminConfigUpdate 以 JSON 载荷热更新限流参数，未给出的字段保持不变
// POST /admin/config {"intent_rate_limit": 20, "intent_burst": 5}
func (s *Server) HandleAdminConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IntentRateLimit *float64 `json:"intent_rate_limit,omitempty"`
		IntentBurst     *int     `json:"intent_burst,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	cfg := s.currentConfig()
	if body.IntentRateLimit != nil {
		cfg.IntentRateLimit = *body.IntentRateLimit
	}
	if body.IntentBurst != nil {
		cfg.IntentBurst = *body.IntentBurst
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.SetIntentLimits(cfg.IntentRateLimit, cfg.IntentBurst)
	writeJSON(w, map[string]any{"ok": true})
	Log.Infof("config updated: intent_rate_limit=%.2f intent_burst=%d", cfg.IntentRateLimit, cfg.IntentBurst)
}

// currentConfig 启动配置叠加热更新后的限流参数
func (s *Server) currentConfig() Config {
	cfg := s.cfg
	cfg.IntentRateLimit, cfg.IntentBurst = s.IntentLimits()
	return cfg
}

// HandleAdminSessions 列出在线连接
// GET /admin/sessions
func (s *Server) HandleAdminSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sessions.List())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
