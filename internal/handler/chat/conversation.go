package chat

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/service/conversation"
	"github.com/zhouzirui/coachbot/backend/pkg/utils"
)

const (
	DeviceHeader = "X-Device-ID"
	DeviceCookie = "device_id"
)

var errUnknownStarter = errors.New("unknown starter")

// conversationError carries the state alongside the message so the client
// can render the retry affordance.
type conversationError struct {
	Error string              `json:"error"`
	State *conversation.State `json:"state,omitempty"`
}

// deviceID 优先读取请求头，其次读取 cookie，都没有时生成新的设备ID并写回 cookie
func deviceID(w http.ResponseWriter, r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(DeviceHeader)); id != "" {
		return id
	}
	if c, err := r.Cookie(DeviceCookie); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// controller resolves the controller for the request or writes the error response.
func (h *Handler) controller(w http.ResponseWriter, r *http.Request) (*conversation.Controller, bool) {
	if h.registry == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "conversations unavailable")
		return nil, false
	}

	c, err := h.registry.Get(r.Context(), deviceID(w, r), chi.URLParam(r, "personaID"))
	if err != nil {
		h.respondConversationError(w, nil, err)
		return nil, false
	}
	return c, true
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, c.State())
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}

	var payload struct {
		StarterID string `json:"starterId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	starter, found := c.Persona().FindStarter(payload.StarterID)
	if !found {
		h.respondConversationError(w, nil, errUnknownStarter)
		return
	}

	h.respondAfter(w, c, c.Start(r.Context(), starter))
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.respondAfter(w, c, c.Send(r.Context(), payload.Content))
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	h.respondAfter(w, c, c.Retry(r.Context()))
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	h.respondAfter(w, c, c.Reset(r.Context()))
}

func (h *Handler) handleUnload(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "conversations unavailable")
		return
	}
	h.registry.Unload(r.Context(), deviceID(w, r), chi.URLParam(r, "personaID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondAfter(w http.ResponseWriter, c *conversation.Controller, err error) {
	state := c.State()
	if err != nil {
		h.respondConversationError(w, &state, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, state)
}

func (h *Handler) respondConversationError(w http.ResponseWriter, state *conversation.State, err error) {
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Warn("conversation request failed", zap.Int("status", status), zap.Error(err))
		message = serverErrorMessage
	}
	utils.RespondJSON(w, status, conversationError{Error: message, State: state})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrPersonaNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, conversation.ErrDeviceRequired),
		errors.Is(err, errUnknownStarter):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrBusy),
		errors.Is(err, conversation.ErrLocked),
		errors.Is(err, conversation.ErrNotStarted),
		errors.Is(err, conversation.ErrAlreadyStarted),
		errors.Is(err, conversation.ErrRecoveryRequired),
		errors.Is(err, conversation.ErrNoFailure):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
