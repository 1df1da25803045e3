package chat

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/chat"
	"github.com/zhouzirui/coachbot/backend/internal/service/conversation"
	"github.com/zhouzirui/coachbot/backend/pkg/utils"
)

// 与前端约定的通用错误提示
const serverErrorMessage = "שגיאה בשרת, נסה שוב מאוחר יותר"

// Handler 聊天服务的HTTP处理器
type Handler struct {
	generator conversation.Generator
	registry  *conversation.Registry
	logger    *zap.Logger
}

// New 创建聊天处理器。generator 或 registry 为 nil 时对应接口返回 503。
func New(generator conversation.Generator, registry *conversation.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		generator: generator,
		registry:  registry,
		logger:    logger.Named("chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleGenerate)

	r.Route("/conversations/{personaID}", func(r chi.Router) {
		r.Get("/", h.handleState)
		r.Delete("/", h.handleUnload)
		r.Post("/start", h.handleStart)
		r.Post("/messages", h.handleSend)
		r.Post("/retry", h.handleRetry)
		r.Post("/reset", h.handleReset)
	})
}

type generateRequest struct {
	Messages       []chat.Turn `json:"messages"`
	SystemPrompt   string      `json:"systemPrompt"`
	StarterMessage string      `json:"starterMessage"`
}

type generateResponse struct {
	Reply string `json:"reply"`
}

// handleGenerate 单次生成代理：调用方自行维护对话历史
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if h.generator == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai service unavailable")
		return
	}

	var payload generateRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(payload.SystemPrompt) == "" {
		utils.RespondError(w, http.StatusBadRequest, "Missing system prompt")
		return
	}

	history := payload.Messages
	if payload.StarterMessage != "" && len(history) == 0 {
		history = []chat.Turn{{Role: chat.RoleUser, Content: payload.StarterMessage}}
	}
	if len(history) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "Missing or invalid messages")
		return
	}

	reply, err := h.generator.Generate(r.Context(), payload.SystemPrompt, history)
	if err != nil {
		h.logger.Error("generation proxy failed", zap.Int("turns", len(history)), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, serverErrorMessage)
		return
	}

	utils.RespondJSON(w, http.StatusOK, generateResponse{Reply: reply})
}
