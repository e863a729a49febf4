package postgres

import (
	"context"
	"fmt"

	"github.com/cwrk-planet/coderoom/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	queryInsertConversation = `
		INSERT INTO conversations (id, owner, title)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`

	queryGetConversation = `
		SELECT id, owner, title, created_at, updated_at
		FROM conversations
		WHERE id = $1`

	queryListConversations = `
		SELECT id, owner, title, created_at, updated_at
		FROM conversations
		WHERE owner = $1
		  AND ($2::timestamptz IS NULL
		       OR created_at < $2
		       OR (created_at = $2 AND id < $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	queryDeleteConversation = `DELETE FROM conversations WHERE id = $1`

	queryInsertMessage = `
		INSERT INTO conversation_messages (id, conversation_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	queryTouchConversation = `UPDATE conversations SET updated_at = $2 WHERE id = $1`

	// messages read oldest first, the order a transcript is replayed in
	queryListMessages = `
		SELECT id, conversation_id, role, content, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		  AND ($2::timestamptz IS NULL
		       OR created_at > $2
		       OR (created_at = $2 AND id > $3))
		ORDER BY created_at ASC, id ASC
		LIMIT $4`
)

type ConversationRepository struct {
	db *pgxpool.Pool
}

func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) Create(ctx context.Context, c *domain.Conversation) error {
	err := r.db.QueryRow(ctx, queryInsertConversation, c.ID, c.Owner, c.Title).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", mapPgError(err))
	}
	return nil
}

func (r *ConversationRepository) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := r.db.QueryRow(ctx, queryGetConversation, id).
		Scan(&c.ID, &c.Owner, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &c, nil
}

// List returns one page of owner's conversations, newest first.
func (r *ConversationRepository) List(ctx context.Context, owner, cursor string, limit int) ([]domain.Conversation, string, error) {
	limit = clampLimit(limit, 20, 100)
	cur, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	createdAt, id := cursorArgs(cur)

	rows, err := r.db.Query(ctx, queryListConversations, owner, createdAt, id, limit)
	if err != nil {
		return nil, "", err
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[domain.Conversation])
	if err != nil {
		return nil, "", fmt.Errorf("scan conversations: %w", err)
	}

	var next string
	if len(out) == limit {
		last := out[len(out)-1]
		if next, err = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID}); err != nil {
			return nil, "", err
		}
	}
	return out, next, nil
}

func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, queryDeleteConversation, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// AddMessage stores m and bumps the conversation's updated_at in one
// transaction.
func (r *ConversationRepository) AddMessage(ctx context.Context, m *domain.ConversationMessage) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		return addMessage(ctx, tx, m)
	})
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

func addMessage(ctx context.Context, q querier, m *domain.ConversationMessage) error {
	if err := q.QueryRow(ctx, queryInsertMessage, m.ID, m.ConversationID, m.Role, m.Content).Scan(&m.CreatedAt); err != nil {
		return mapPgError(err)
	}
	tag, err := q.Exec(ctx, queryTouchConversation, m.ConversationID, m.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// Messages returns one page of a conversation's transcript, oldest first.
func (r *ConversationRepository) Messages(ctx context.Context, conversationID, after string, limit int) ([]domain.ConversationMessage, string, error) {
	limit = clampLimit(limit, 50, 200)
	cur, err := DecodeCursor(after)
	if err != nil {
		return nil, "", err
	}
	createdAt, id := cursorArgs(cur)

	rows, err := r.db.Query(ctx, queryListMessages, conversationID, createdAt, id, limit)
	if err != nil {
		return nil, "", err
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[domain.ConversationMessage])
	if err != nil {
		return nil, "", fmt.Errorf("scan messages: %w", err)
	}

	var next string
	if len(out) == limit {
		last := out[len(out)-1]
		if next, err = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID}); err != nil {
			return nil, "", err
		}
	}
	return out, next, nil
}
