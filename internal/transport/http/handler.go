package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cwrk-planet/coderoom/internal/domain"
	"github.com/cwrk-planet/coderoom/internal/postgres"

	"github.com/go-chi/chi/v5"
)

const (
	defaultLimit = 20
	maxBodyBytes = 64 << 10
)

// Rooms is the read side of the room gateway.
type Rooms interface {
	Rooms(ctx context.Context) []domain.RoomInfo
	Room(ctx context.Context, roomID string) (domain.RoomInfo, error)
	Stats() domain.GatewayStats
}

type Conversations interface {
	Create(ctx context.Context, owner, title string) (*domain.Conversation, error)
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	List(ctx context.Context, owner, cursor string, limit int) ([]domain.Conversation, string, error)
	Delete(ctx context.Context, id string) error
	AddMessage(ctx context.Context, conversationID, role, content string) (*domain.ConversationMessage, error)
	Messages(ctx context.Context, conversationID, after string, limit int) ([]domain.ConversationMessage, string, error)
}

type Handler struct {
	rooms Rooms
	convs Conversations
}

// NewHandler builds the REST handlers. convs may be nil when no database is
// configured; the conversation routes then answer 501.
func NewHandler(rooms Rooms, convs Conversations) *Handler {
	return &Handler{rooms: rooms, convs: convs}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		status, msg = http.StatusNotFound, "room not found"
	case errors.Is(err, domain.ErrConversationNotFound):
		status, msg = http.StatusNotFound, "conversation not found"
	case errors.Is(err, domain.ErrInvalidConversation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, postgres.ErrInvalidCursor):
		status, msg = http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrGatewayStopped):
		status, msg = http.StatusServiceUnavailable, "unavailable"
	}
	if status >= 500 {
		L(r.Context()).Error("handler."+op, slog.Any("err", err))
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func queryLimit(r *http.Request) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return defaultLimit
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return false
	}
	return true
}

// GET /rooms
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.rooms.Rooms(r.Context())
	resp := RoomsListResponse{
		Items:   make([]RoomItem, 0, len(rooms)),
		Sockets: h.rooms.Stats().Sockets,
	}
	for _, info := range rooms {
		resp.Items = append(resp.Items, roomItem(info))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /rooms/{id}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	info, err := h.rooms.Room(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "GetRoom", err)
		return
	}
	writeJSON(w, http.StatusOK, roomItem(info))
}

func (h *Handler) requireHistory(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.convs == nil {
			writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "conversation history is disabled"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// POST /conversations
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.convs.Create(r.Context(), req.Owner, req.Title)
	if err != nil {
		writeError(w, r, "CreateConversation", err)
		return
	}
	writeJSON(w, http.StatusCreated, conversationItem(*c))
}

// GET /conversations?owner=&cursor=&limit=
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, next, err := h.convs.List(r.Context(), q.Get("owner"), q.Get("cursor"), queryLimit(r))
	if err != nil {
		writeError(w, r, "ListConversations", err)
		return
	}
	resp := ConversationsListResponse{Items: make([]ConversationItem, 0, len(list)), NextCursor: next}
	for _, c := range list {
		resp.Items = append(resp.Items, conversationItem(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /conversations/{id}
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.convs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "GetConversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationItem(*c))
}

// DELETE /conversations/{id}
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.convs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, "DeleteConversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /conversations/{id}/messages
func (h *Handler) AddMessage(w http.ResponseWriter, r *http.Request) {
	var req AddMessageRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.convs.AddMessage(r.Context(), chi.URLParam(r, "id"), req.Role, req.Content)
	if err != nil {
		writeError(w, r, "AddMessage", err)
		return
	}
	writeJSON(w, http.StatusCreated, messageItem(*m))
}

// GET /conversations/{id}/messages?after=&limit=
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	list, next, err := h.convs.Messages(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("after"), queryLimit(r))
	if err != nil {
		writeError(w, r, "ListMessages", err)
		return
	}
	resp := MessagesListResponse{Items: make([]MessageItem, 0, len(list)), NextCursor: next}
	for _, m := range list {
		resp.Items = append(resp.Items, messageItem(m))
	}
	writeJSON(w, http.StatusOK, resp)
}
