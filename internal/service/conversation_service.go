package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cwrk-planet/coderoom/internal/domain"

	"github.com/google/uuid"
)

const (
	MaxTitleRunes   = 200
	MaxContentRunes = 32000
)

var roles = map[string]struct{}{
	"user":      {},
	"assistant": {},
	"system":    {},
}

// ConversationRepository is the storage the service needs; the postgres
// package provides it.
type ConversationRepository interface {
	Create(ctx context.Context, c *domain.Conversation) error
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	List(ctx context.Context, owner, cursor string, limit int) ([]domain.Conversation, string, error)
	Delete(ctx context.Context, id string) error
	AddMessage(ctx context.Context, m *domain.ConversationMessage) error
	Messages(ctx context.Context, conversationID, after string, limit int) ([]domain.ConversationMessage, string, error)
}

// ConversationService keeps the AI assistant's transcripts. It is separate
// from the live rooms and never touches them.
type ConversationService struct {
	repo ConversationRepository
}

func NewConversationService(repo ConversationRepository) *ConversationService {
	return &ConversationService{repo: repo}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConversation, fmt.Sprintf(format, args...))
}

func (s *ConversationService) Create(ctx context.Context, owner, title string) (*domain.Conversation, error) {
	owner = strings.TrimSpace(owner)
	title = strings.TrimSpace(title)
	if owner == "" {
		return nil, invalid("owner is required")
	}
	if title == "" {
		title = "Untitled"
	}
	if utf8.RuneCountInString(title) > MaxTitleRunes {
		return nil, invalid("title longer than %d characters", MaxTitleRunes)
	}

	c := &domain.Conversation{ID: uuid.NewString(), Owner: owner, Title: title}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ConversationService) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrConversationNotFound
	}
	return s.repo.Get(ctx, id)
}

func (s *ConversationService) List(ctx context.Context, owner, cursor string, limit int) ([]domain.Conversation, string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, "", invalid("owner is required")
	}
	return s.repo.List(ctx, owner, cursor, limit)
}

func (s *ConversationService) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, strings.TrimSpace(id))
}

func (s *ConversationService) AddMessage(ctx context.Context, conversationID, role, content string) (*domain.ConversationMessage, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if _, ok := roles[role]; !ok {
		return nil, invalid("unknown role %q", role)
	}
	if strings.TrimSpace(content) == "" {
		return nil, invalid("content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return nil, invalid("content longer than %d characters", MaxContentRunes)
	}

	m := &domain.ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: strings.TrimSpace(conversationID),
		Role:           role,
		Content:        content,
	}
	if err := s.repo.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *ConversationService) Messages(ctx context.Context, conversationID, after string, limit int) ([]domain.ConversationMessage, string, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, "", err
	}
	return s.repo.Messages(ctx, strings.TrimSpace(conversationID), after, limit)
}
