package http

import (
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type MemberItem struct {
	SocketID     string    `json:"socketId"`
	Username     string    `json:"username"`
	Typing       bool      `json:"typing"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

type RoomItem struct {
	ID           string       `json:"id"`
	Members      []MemberItem `json:"members"`
	CodeLength   int          `json:"codeLength"`
	Revision     uint64       `json:"revision"`
	MessageCount int          `json:"messageCount"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

type RoomsListResponse struct {
	Items   []RoomItem `json:"items"`
	Sockets int        `json:"sockets"`
}

func roomItem(info domain.RoomInfo) RoomItem {
	members := make([]MemberItem, 0, len(info.Members))
	for _, m := range info.Members {
		members = append(members, MemberItem{
			SocketID:     m.SocketID,
			Username:     m.Username,
			Typing:       m.Typing,
			JoinedAt:     m.JoinedAt,
			LastActiveAt: m.LastActiveAt,
		})
	}
	return RoomItem{
		ID:           info.ID,
		Members:      members,
		CodeLength:   info.CodeLength,
		Revision:     info.Revision,
		MessageCount: info.MessageCount,
		CreatedAt:    info.CreatedAt,
		UpdatedAt:    info.UpdatedAt,
	}
}

type CreateConversationRequest struct {
	Owner string `json:"owner"`
	Title string `json:"title"`
}

type ConversationItem struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ConversationsListResponse struct {
	Items      []ConversationItem `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

func conversationItem(c domain.Conversation) ConversationItem {
	return ConversationItem{
		ID:        c.ID,
		Owner:     c.Owner,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

type AddMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type MessageItem struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

type MessagesListResponse struct {
	Items      []MessageItem `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

func messageItem(m domain.ConversationMessage) MessageItem {
	return MessageItem{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}
