package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/RichardoC/branchpad/internal/apperr"
	"github.com/RichardoC/branchpad/internal/db"
	"github.com/RichardoC/branchpad/internal/fork"
	"github.com/RichardoC/branchpad/internal/models"
	"github.com/RichardoC/branchpad/internal/relay"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultTitle       = "New Conversation"
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

type Handler struct {
	db     db.Store
	forks  *fork.Engine
	relay  *relay.Relay
	logger *zap.Logger
}

func NewHandler(store db.Store, forks *fork.Engine, rl *relay.Relay, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		db:     store,
		forks:  forks,
		relay:  rl,
		logger: logger,
	}
}

type CreateConversationRequest struct {
	Title string `json:"title"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type MessageRequest struct {
	Content string `json:"content"`
}

type ForkRequest struct {
	MessageID int64 `json:"message_id"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// Routes wires the API, health, metrics and static file handlers.
func (h *Handler) Routes(webDir string) http.Handler {
	r := mux.NewRouter()
	r.Use(h.withRequestLogging)

	sub := r.PathPrefix("/api").Subrouter()
	sub.HandleFunc("/conversations", h.ListConversations).Methods(http.MethodGet)
	sub.HandleFunc("/conversations", h.CreateConversation).Methods(http.MethodPost)
	sub.HandleFunc("/conversations/{id}", h.GetConversation).Methods(http.MethodGet)
	sub.HandleFunc("/conversations/{id}", h.UpdateConversation).Methods(http.MethodPut)
	sub.HandleFunc("/conversations/{id}", h.DeleteConversation).Methods(http.MethodDelete)
	sub.HandleFunc("/conversations/{id}/messages", h.GetMessages).Methods(http.MethodGet)
	sub.HandleFunc("/conversations/{id}/messages", h.HandleMessage).Methods(http.MethodPost)
	sub.HandleFunc("/conversations/{id}/fork", h.ForkConversation).Methods(http.MethodPost)
	sub.HandleFunc("/conversations/{id}/forks", h.ListForks).Methods(http.MethodGet)
	sub.HandleFunc("/conversations/{id}/lineage", h.GetLineage).Methods(http.MethodGet)
	sub.HandleFunc("/search", h.SearchMessages).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	if webDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(webDir)))
	}
	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log(r).Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := code.HTTPStatus()
	message := "internal server error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		h.log(r).Error("Request failed",
			zap.Error(err),
			zap.String("code", string(code)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
	}
	h.writeJSON(w, r, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// notFound maps a store miss to the conversation-not-found code.
func notFound(err error, what string) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.Wrap(apperr.CodeConversationNotFound, "conversation not found", err)
	}
	return apperr.Wrap(apperr.CodeInternal, what, err)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.CodeInvalidArgument, "invalid conversation ID")
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.db.ListConversations(r.Context())
	if err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.CodeInternal, "list conversations", err))
		return
	}
	h.log(r).Debug("Retrieved conversations", zap.Int("count", len(conversations)))
	h.writeJSON(w, r, http.StatusOK, conversations)
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultTitle
	}

	conv := &models.Conversation{Title: title}
	if err := h.db.CreateConversation(r.Context(), conv); err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.CodePersistence, "create conversation", err))
		return
	}
	h.writeJSON(w, r, http.StatusCreated, conv)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	conv, err := h.db.GetConversation(r.Context(), id)
	if err != nil {
		h.writeError(w, r, notFound(err, "get conversation"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, conv)
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req UpdateConversationRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		h.writeError(w, r, apperr.New(apperr.CodeInvalidArgument, "title is required"))
		return
	}

	if err := h.db.UpdateConversationTitle(r.Context(), id, title); err != nil {
		h.writeError(w, r, notFound(err, "update conversation"))
		return
	}
	conv, err := h.db.GetConversation(r.Context(), id)
	if err != nil {
		h.writeError(w, r, notFound(err, "get conversation"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, conv)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.db.DeleteConversation(r.Context(), id); err != nil {
		h.writeError(w, r, notFound(err, "delete conversation"))
		return
	}
	h.log(r).Info("Deleted conversation", zap.Int64("conversation_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.db.GetConversation(r.Context(), id); err != nil {
		h.writeError(w, r, notFound(err, "get conversation"))
		return
	}
	messages, err := h.db.ListMessages(r.Context(), id)
	if err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.CodeInternal, "list messages", err))
		return
	}
	h.writeJSON(w, r, http.StatusOK, messages)
}

// HandleMessage saves the user's message and streams the assistant reply as
// server-sent events. Once streaming starts the outcome is reported only in
// the terminal frame.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req MessageRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.relay.Send(r.Context(), id, req.Content, newSSESink(w))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log(r).Info("Relayed reply",
		zap.Int64("conversation_id", id),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("chunks", res.Chunks))
}

func (h *Handler) ForkConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req ForkRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.MessageID <= 0 {
		h.writeError(w, r, apperr.New(apperr.CodeInvalidArgument, "message_id is required"))
		return
	}

	branch, err := h.forks.Fork(r.Context(), id, req.MessageID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, branch)
}

func (h *Handler) ListForks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.db.GetConversation(r.Context(), id); err != nil {
		h.writeError(w, r, notFound(err, "get conversation"))
		return
	}
	forks, err := h.db.ListForks(r.Context(), id)
	if err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.CodeInternal, "list forks", err))
		return
	}
	h.writeJSON(w, r, http.StatusOK, forks)
}

func (h *Handler) GetLineage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	chain, err := h.forks.Lineage(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, chain)
}

func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.writeError(w, r, apperr.New(apperr.CodeInvalidArgument, "query parameter 'q' is required"))
		return
	}
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, apperr.New(apperr.CodeInvalidArgument, "invalid limit"))
			return
		}
		limit = min(n, maxSearchLimit)
	}

	results, err := h.db.SearchMessages(r.Context(), query, limit)
	if err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.CodeInternal, "search messages", err))
		return
	}
	h.writeJSON(w, r, http.StatusOK, results)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.log(r).Error("Health check failed", zap.Error(err))
		h.writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
