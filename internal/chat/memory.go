package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/kbrag/internal/apperr"
	"github.com/fabfab/kbrag/internal/domain"
)

// MemoryRepo is an in-process Repo used by pipeline tests.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.ChatSession
	messages map[string][]domain.ChatMessage // keyed by session id
}

// NewMemoryRepo constructs an empty MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		sessions: make(map[string]domain.ChatSession),
		messages: make(map[string][]domain.ChatMessage),
	}
}

// PutSession seeds a session, bypassing CreateSession's id assignment.
func (m *MemoryRepo) PutSession(session domain.ChatSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
}

func (m *MemoryRepo) CreateSession(ctx context.Context, session domain.ChatSession) (domain.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	session.CreatedAt, session.UpdatedAt = now, now
	m.sessions[session.ID] = session
	return session, nil
}

func (m *MemoryRepo) ListSessions(ctx context.Context, userID string, skip, limit int) ([]domain.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []domain.ChatSession
	for _, s := range m.sessions {
		if s.UserID == userID {
			matches = append(matches, s)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].UpdatedAt.After(matches[j].UpdatedAt) })

	if limit <= 0 {
		limit = 50
	}
	if skip >= len(matches) {
		return nil, nil
	}
	end := len(matches)
	if skip+limit < end {
		end = skip + limit
	}
	return matches[skip:end], nil
}

func (m *MemoryRepo) GetSession(ctx context.Context, userID, sessionID string) (domain.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return domain.ChatSession{}, apperr.New(apperr.KindNotFound, "chat session not found")
	}
	return s, nil
}

func (m *MemoryRepo) UpdateSession(ctx context.Context, session domain.ChatSession) (domain.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok || existing.UserID != session.UserID {
		return domain.ChatSession{}, apperr.New(apperr.KindNotFound, "chat session not found")
	}
	existing.Title = session.Title
	existing.KBID = session.KBID
	existing.UpdatedAt = time.Now()
	m.sessions[session.ID] = existing
	return existing, nil
}

func (m *MemoryRepo) DeleteSession(ctx context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return apperr.New(apperr.KindNotFound, "chat session not found")
	}
	delete(m.sessions, sessionID)
	delete(m.messages, sessionID)
	return nil
}

func (m *MemoryRepo) ListMessages(ctx context.Context, sessionID string, skip, limit int) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.messages[sessionID]
	if limit <= 0 {
		limit = 50
	}
	if skip >= len(all) {
		return nil, nil
	}
	end := len(all)
	if skip+limit < end {
		end = skip + limit
	}
	out := make([]domain.ChatMessage, end-skip)
	copy(out, all[skip:end])
	return out, nil
}

func (m *MemoryRepo) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.messages[sessionID]
	if limit <= 0 {
		limit = 20
	}
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}
	out := make([]domain.ChatMessage, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

func (m *MemoryRepo) AppendMessage(ctx context.Context, message domain.ChatMessage) (domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	message.CreatedAt = time.Now()
	m.messages[message.SessionID] = append(m.messages[message.SessionID], message)
	return message, nil
}
