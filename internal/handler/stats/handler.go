package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/middleware"
	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
	"github.com/zhouzirui/coachbot/backend/pkg/utils"
)

// Ledger is the part of ledger.Ledger the handler needs.
type Ledger interface {
	ReadAll(ctx context.Context) (usage.Document, error)
	Record(ctx context.Context, ev usage.Event) (usage.Record, error)
}

// Handler 统计账本的HTTP处理器
type Handler struct {
	ledger  Ledger
	hub     *Hub
	limiter *middleware.RateLimiter
	logger  *zap.Logger
}

// New 创建统计处理器；hub 与 limiter 可以为 nil
func New(ledger Ledger, hub *Hub, limiter *middleware.RateLimiter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ledger:  ledger,
		hub:     hub,
		limiter: limiter,
		logger:  logger.Named("stats"),
	}
}

// RegisterRoutes 注册统计相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stats", h.handleRead)
	r.Get("/stats/ws", h.handleLiveFeed)

	write := r
	if h.limiter != nil {
		write = r.With(h.limiter.Middleware)
	}
	write.Post("/stats", h.handleRecord)
}

// SuccessResponse is the body of a successful ledger write.
type SuccessResponse struct {
	Success bool         `json:"success"`
	Stats   usage.Record `json:"stats"`
	Message string       `json:"message"`
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	doc, err := h.ledger.ReadAll(r.Context())
	if err != nil {
		h.logger.Error("read ledger", zap.Error(err))
		utils.RespondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to read stats",
			"details": err.Error(),
		})
		return
	}
	utils.RespondNoCache(w, http.StatusOK, doc)
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := utils.DecodeJSON(r, &body); err != nil || body == nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	ev, msg := parseEvent(body)
	if msg != "" {
		utils.RespondError(w, http.StatusBadRequest, msg)
		return
	}

	rec, err := h.ledger.Record(r.Context(), ev)
	if errors.Is(err, usage.ErrInvalidEvent) {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("record usage event",
			zap.String("persona", ev.PersonaID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		utils.RespondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to update stats",
			"details": err.Error(),
		})
		return
	}

	utils.RespondJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Stats:   rec,
		Message: fmt.Sprintf("Successfully updated %s for %s", ev.Kind, ev.DisplayName),
	})
}

// parseEvent validates a decoded request body. A non-empty message means 400.
func parseEvent(body map[string]any) (usage.Event, string) {
	botID, ok := nonEmptyString(body, "botId")
	if !ok {
		return usage.Event{}, "Missing or invalid botId"
	}
	botName, ok := nonEmptyString(body, "botName")
	if !ok {
		return usage.Event{}, "Missing or invalid botName"
	}
	kind, ok := nonEmptyString(body, "type")
	if !ok {
		return usage.Event{}, "Missing or invalid type"
	}
	if !usage.EventKind(kind).Valid() {
		names := make([]string, 0, 3)
		for _, k := range usage.Kinds() {
			names = append(names, string(k))
		}
		return usage.Event{}, "Invalid type. Must be one of: " + strings.Join(names, ", ")
	}

	input, _ := body["inputText"].(string)
	output, _ := body["outputText"].(string)
	return usage.Event{
		PersonaID:   botID,
		DisplayName: botName,
		Kind:        usage.EventKind(kind),
		PromptText:  input,
		ReplyText:   output,
	}, ""
}

func nonEmptyString(body map[string]any, key string) (string, bool) {
	s, ok := body[key].(string)
	return s, ok && strings.TrimSpace(s) != ""
}

func (h *Handler) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "live stats unavailable")
		return
	}

	doc, err := h.ledger.ReadAll(r.Context())
	if err != nil {
		h.logger.Error("read ledger for live feed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "Failed to read stats")
		return
	}
	initial, err := json.Marshal(doc)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Failed to read stats")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.serve(conn, initial)
}
