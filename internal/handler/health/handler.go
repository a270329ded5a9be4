package health

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/live-transcribe/backend/pkg/utils"
)

// Version 服务版本，构建时可通过 -ldflags 覆盖。
var Version = "1.0.0"

const serviceName = "Audio Transcription Service"

// SessionCounter reports how many streaming sessions are open.
type SessionCounter interface {
	ActiveSessions() int
}

// StatusResponse 健康检查响应
type StatusResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	Timestamp      string `json:"timestamp"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"activeSessions"`
}

// InfoResponse 服务信息响应
type InfoResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Provider    string   `json:"provider"`
	Features    []string `json:"features"`
}

// Handler 健康检查与服务信息处理器
type Handler struct {
	sessions SessionCounter
	provider string
	now      func() time.Time
}

// New 创建健康检查处理器
func New(sessions SessionCounter, provider string) *Handler {
	return &Handler{sessions: sessions, provider: provider, now: time.Now}
}

// RegisterRoutes 注册健康检查相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/info", h.handleInfo)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if h.sessions != nil {
		active = h.sessions.ActiveSessions()
	}

	utils.RespondJSON(w, http.StatusOK, StatusResponse{
		Status:         "UP",
		Service:        serviceName,
		Timestamp:      h.now().UTC().Format(time.RFC3339),
		Version:        Version,
		ActiveSessions: active,
	})
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, InfoResponse{
		Name:        "Live Transcription Service",
		Description: "Real-time streaming transcription over WebSocket",
		Provider:    h.provider,
		Features: []string{
			"WebSocket-based audio streaming",
			"Size and idle triggered flushing",
			"Real-time transcription",
			"Prometheus metrics",
		},
	})
}
