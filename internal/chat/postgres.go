package chat

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabfab/kbrag/internal/apperr"
	"github.com/fabfab/kbrag/internal/domain"
)

// PostgresRepo implements Repo over a shared pgx pool.
type PostgresRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresRepo constructs a PostgresRepo.
func NewPostgresRepo(pool *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{pool: pool}
}

func (r *PostgresRepo) CreateSession(ctx context.Context, session domain.ChatSession) (domain.ChatSession, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	row := r.pool.QueryRow(ctx, `
INSERT INTO chat_sessions (id, user_id, title, kb_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
RETURNING id, user_id, title, kb_id, created_at, updated_at`,
		session.ID, session.UserID, session.Title, session.KBID)

	return scanSession(row)
}

func (r *PostgresRepo) ListSessions(ctx context.Context, userID string, skip, limit int) ([]domain.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, user_id, title, kb_id, created_at, updated_at
FROM chat_sessions WHERE user_id = $1
ORDER BY updated_at DESC OFFSET $2 LIMIT $3`, userID, skip, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "list chat sessions")
	}
	defer rows.Close()

	var sessions []domain.ChatSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStore, err, "scan chat session")
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *PostgresRepo) GetSession(ctx context.Context, userID, sessionID string) (domain.ChatSession, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, user_id, title, kb_id, created_at, updated_at
FROM chat_sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)

	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatSession{}, apperr.New(apperr.KindNotFound, "chat session not found")
	}
	if err != nil {
		return domain.ChatSession{}, apperr.Wrap(apperr.KindStore, err, "get chat session")
	}
	return s, nil
}

func (r *PostgresRepo) UpdateSession(ctx context.Context, session domain.ChatSession) (domain.ChatSession, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE chat_sessions SET title = $1, kb_id = $2, updated_at = now()
WHERE id = $3 AND user_id = $4
RETURNING id, user_id, title, kb_id, created_at, updated_at`,
		session.Title, session.KBID, session.ID, session.UserID)

	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatSession{}, apperr.New(apperr.KindNotFound, "chat session not found")
	}
	if err != nil {
		return domain.ChatSession{}, apperr.Wrap(apperr.KindStore, err, "update chat session")
	}
	return s, nil
}

// DeleteSession relies on chat_messages.session_id REFERENCES chat_sessions(id)
// ON DELETE CASCADE (see the internal/migrate schema bootstrap) so the message
// cascade is enforced by Postgres itself, never by application logic.
func (r *PostgresRepo) DeleteSession(ctx context.Context, userID, sessionID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindStore, err, "delete chat session")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "chat session not found")
	}
	return nil
}

func (r *PostgresRepo) ListMessages(ctx context.Context, sessionID string, skip, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, session_id, role, content, content_type, rag_context, rag_sources, created_at
FROM chat_messages WHERE session_id = $1
ORDER BY created_at ASC, id ASC OFFSET $2 LIMIT $3`, sessionID, skip, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "list chat messages")
	}
	defer rows.Close()

	var messages []domain.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStore, err, "scan chat message")
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *PostgresRepo) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, session_id, role, content, content_type, rag_context, rag_sources, created_at
FROM (
	SELECT id, session_id, role, content, content_type, rag_context, rag_sources, created_at
	FROM chat_messages WHERE session_id = $1
	ORDER BY created_at DESC, id DESC LIMIT $2
) recent
ORDER BY created_at ASC, id ASC`, sessionID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "list recent chat messages")
	}
	defer rows.Close()

	var messages []domain.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStore, err, "scan recent chat message")
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *PostgresRepo) AppendMessage(ctx context.Context, message domain.ChatMessage) (domain.ChatMessage, error) {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}

	var sourcesJSON []byte
	if message.RAGSources != nil {
		var err error
		sourcesJSON, err = json.Marshal(message.RAGSources)
		if err != nil {
			return domain.ChatMessage{}, apperr.Wrap(apperr.KindStore, err, "marshal rag sources")
		}
	}

	row := r.pool.QueryRow(ctx, `
INSERT INTO chat_messages (id, session_id, role, content, content_type, rag_context, rag_sources, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
RETURNING id, session_id, role, content, content_type, rag_context, rag_sources, created_at`,
		message.ID, message.SessionID, string(message.Role), message.Content,
		string(message.ContentType), message.RAGContext, sourcesJSON)

	return scanMessage(row)
}

func scanSession(row pgx.Row) (domain.ChatSession, error) {
	var s domain.ChatSession
	if err := row.Scan(&s.ID, &s.UserID, &s.Title, &s.KBID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.ChatSession{}, err
	}
	return s, nil
}

func scanMessage(row pgx.Row) (domain.ChatMessage, error) {
	var m domain.ChatMessage
	var role, contentType string
	var sourcesJSON []byte
	if err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &contentType, &m.RAGContext, &sourcesJSON, &m.CreatedAt); err != nil {
		return domain.ChatMessage{}, err
	}
	m.Role = domain.MessageRole(role)
	m.ContentType = domain.ContentType(contentType)
	if len(sourcesJSON) > 0 {
		if err := json.Unmarshal(sourcesJSON, &m.RAGSources); err != nil {
			return domain.ChatMessage{}, err
		}
	}
	return m, nil
}
