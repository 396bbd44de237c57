package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"expertchat/internal/domain"
	"expertchat/internal/middleware"
	"expertchat/internal/observability"
	"expertchat/internal/service"

	"github.com/go-chi/chi/v5"
)

// ConversationHandler handles the conversation and messaging endpoints
type ConversationHandler struct {
	messagingService  *service.MessagingService
	upgradeURL        string
	pollingIntervalMs int
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(messagingService *service.MessagingService, upgradeURL string, pollingIntervalMs int) *ConversationHandler {
	return &ConversationHandler{
		messagingService:  messagingService,
		upgradeURL:        upgradeURL,
		pollingIntervalMs: pollingIntervalMs,
	}
}

// CreateConversationRequest represents the POST /conversations body. The
// endpoint serves two calls: starting a conversation (startNew + expertId)
// and sending a message into an existing one (conversationId + content).
type CreateConversationRequest struct {
	StartNew       bool   `json:"startNew,omitempty"`
	ExpertID       string `json:"expertId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content,omitempty"`
}

// List retrieves the caller's conversations, most recently active first.
// The poll interval header tells clients how often to refresh.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "")
		return
	}

	page := 0
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil {
			page = parsed
		}
	}

	list, err := h.messagingService.ListConversations(r.Context(), identity, page)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Poll-Interval-Ms", strconv.Itoa(h.pollingIntervalMs))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"conversations": list.Conversations,
		"unreadCount":   list.UnreadTotal,
	})
}

// Create starts a conversation or sends a message, depending on the body
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "")
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}

	if req.StartNew {
		h.startConversation(w, r, identity, req)
		return
	}
	h.sendMessage(w, r, identity, req)
}

func (h *ConversationHandler) startConversation(w http.ResponseWriter, r *http.Request, identity domain.Identity, req CreateConversationRequest) {
	conversation, err := h.messagingService.StartConversation(r.Context(), identity, req.ExpertID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"conversation": conversation,
	})
}

func (h *ConversationHandler) sendMessage(w http.ResponseWriter, r *http.Request, identity domain.Identity, req CreateConversationRequest) {
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "conversationId is required")
		return
	}

	result, err := h.messagingService.SendMessage(r.Context(), identity, req.ConversationID, req.Content)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response := map[string]interface{}{
		"message":            result.Message,
		"clientMessageCount": result.ClientMessageCount,
	}
	if !result.Unbounded {
		response["remaining"] = result.Remaining
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

// GetThread retrieves a conversation with its messages
func (h *ConversationHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "")
		return
	}

	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "conversation id required")
		return
	}

	page := 0
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil {
			page = parsed
		}
	}

	thread, err := h.messagingService.GetThread(r.Context(), identity, conversationID, page)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Poll-Interval-Ms", strconv.Itoa(h.pollingIntervalMs))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"conversation": thread.Conversation,
		"messages":     thread.Messages,
	})
}

// MarkRead marks the counterpart's messages in a conversation as read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "")
		return
	}

	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "conversation id required")
		return
	}

	if err := h.messagingService.MarkRead(r.Context(), identity, conversationID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// handleError maps domain errors onto the wire taxonomy
func (h *ConversationHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrMessageLimitReached):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":      "MESSAGE_LIMIT_REACHED",
			"remaining":  0,
			"upgradeUrl": h.upgradeURL,
		})
	case errors.Is(err, domain.ErrNotParticipant), errors.Is(err, domain.ErrClientRoleRequired):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "")
	case errors.Is(err, domain.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "")
	case errors.Is(err, domain.ErrInvalidContent), errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	default:
		logger := observability.FromContext(r.Context())
		logger.Error("request failed", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if message != "" {
		body["message"] = message
	}
	json.NewEncoder(w).Encode(body)
}
