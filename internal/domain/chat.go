package domain

import "time"

// ChatSession is a persisted conversation, optionally bound to a
// knowledge base for RAG-augmented turns.
type ChatSession struct {
	ID        string
	UserID    string
	Title     string
	KBID      *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRole identifies who authored a ChatMessage.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ContentType distinguishes reasoning-channel deltas from ordinary content.
// The default is Content; Thinking is reserved for a future extension
// (spec §4.9 step 6) where the upstream signals a reasoning channel.
type ContentType string

const (
	ContentTypeContent  ContentType = "content"
	ContentTypeThinking ContentType = "thinking"
)

// RAGSource records provenance for a retrieved chunk used to ground an
// assistant reply.
type RAGSource struct {
	DocName string  `json:"doc_name"`
	DocID   string  `json:"doc_id"`
	Score   float32 `json:"score"`
}

// ChatMessage is one turn in a ChatSession.
type ChatMessage struct {
	ID          string
	SessionID   string
	Role        MessageRole
	Content     string
	ContentType ContentType
	RAGContext  *string
	RAGSources  []RAGSource
	CreatedAt   time.Time
}
