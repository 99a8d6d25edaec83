// Package chat implements ChatRepo (spec.md §4.8): session and message
// persistence for the chat pipeline.
package chat

import (
	"context"

	"github.com/fabfab/kbrag/internal/domain"
)

// Repo reads and writes ChatSession and ChatMessage rows.
type Repo interface {
	CreateSession(ctx context.Context, session domain.ChatSession) (domain.ChatSession, error)
	ListSessions(ctx context.Context, userID string, skip, limit int) ([]domain.ChatSession, error)
	GetSession(ctx context.Context, userID, sessionID string) (domain.ChatSession, error)
	UpdateSession(ctx context.Context, session domain.ChatSession) (domain.ChatSession, error)
	// DeleteSession removes the session and, atomically, all of its
	// messages (spec.md §4.8's cascade guarantee).
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// ListMessages returns messages ordered by created_at ascending, id
	// ascending as a tie-break, guaranteeing a total order even when two
	// messages share a millisecond timestamp.
	ListMessages(ctx context.Context, sessionID string, skip, limit int) ([]domain.ChatMessage, error)

	// ListRecentMessages returns the last limit messages of the session,
	// in chronological order, for ChatPipeline step 3's conversation
	// window (spec.md §4.9, N=20 reference).
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error)

	AppendMessage(ctx context.Context, message domain.ChatMessage) (domain.ChatMessage, error)
}
