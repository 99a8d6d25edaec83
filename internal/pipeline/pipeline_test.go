package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabfab/kbrag/internal/chat"
	"github.com/fabfab/kbrag/internal/domain"
	"github.com/fabfab/kbrag/internal/embedder"
	"github.com/fabfab/kbrag/internal/llm"
	"github.com/fabfab/kbrag/internal/pipeline"
	"github.com/fabfab/kbrag/internal/vectorstore"
)

type fakeEmbedder struct {
	dim int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}
func (f *fakeEmbedder) Dimension() int { return f.dim }

var _ embedder.Embedder = (*fakeEmbedder)(nil)

func seedSession(t *testing.T, repo *chat.MemoryRepo, userID, sessionID string, kbID *string) {
	t.Helper()
	repo.PutSession(domain.ChatSession{ID: sessionID, UserID: userID, Title: "test", KBID: kbID})
}

func TestSend_PlainChatNoRAG(t *testing.T) {
	repo := chat.NewMemoryRepo()
	seedSession(t, repo, "user-1", "session-1", nil)

	store := vectorstore.NewMemoryStore(4)
	emb := &fakeEmbedder{dim: 4}
	fakeLLM := &llm.FakeClient{Deltas: []string{"Hel", "lo!"}}

	p := pipeline.New(repo, emb, store, fakeLLM, "test-model", zap.NewNop().Sugar())

	var events []pipeline.StreamEvent
	err := p.Send(context.Background(), "user-1", "session-1", "hi there", func(e pipeline.StreamEvent) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, pipeline.EventDone, events[len(events)-1].Type)

	var assembled string
	for _, e := range events {
		if e.Type == pipeline.EventMessage {
			assembled += e.Content
		}
	}
	assert.Equal(t, "Hello!", assembled)

	messages, err := repo.ListRecentMessages(context.Background(), "session-1", 20)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.RoleUser, messages[0].Role)
	assert.Equal(t, "hi there", messages[0].Content)
	assert.Equal(t, domain.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hello!", messages[1].Content)
}

func TestSend_WithRAGEmitsStepsAndSources(t *testing.T) {
	repo := chat.NewMemoryRepo()
	kbID := "kb-1"
	seedSession(t, repo, "user-1", "session-1", &kbID)

	store := vectorstore.NewMemoryStore(4)
	_, err := store.Insert(context.Background(), []domain.VectorRecord{
		{
			Embedding: []float32{1, 0, 0, 0},
			Content:   "the sky is blue",
			Metadata:  domain.VectorMetadata{UserID: "user-1", KBID: kbID, DocID: "doc-1", DocName: "sky.md"},
		},
	})
	require.NoError(t, err)

	emb := &fakeEmbedder{dim: 4}
	fakeLLM := &llm.FakeClient{Deltas: []string{"It's blue."}}
	p := pipeline.New(repo, emb, store, fakeLLM, "test-model", zap.NewNop().Sugar())

	var steps []string
	err = p.Send(context.Background(), "user-1", "session-1", "what color is the sky?", func(e pipeline.StreamEvent) error {
		if e.Type == pipeline.EventRAGStep {
			steps = append(steps, e.Step)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"search_start", "search_complete", "context_build", "context_complete", "generate_start"}, steps)

	messages, err := repo.ListRecentMessages(context.Background(), "session-1", 20)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Len(t, messages[1].RAGSources, 1)
	assert.Equal(t, "sky.md", messages[1].RAGSources[0].DocName)
	require.NotNil(t, messages[1].RAGContext)
	assert.Contains(t, *messages[1].RAGContext, "the sky is blue")
}

func TestSend_LLMFailureMidStreamPersistsPartialReply(t *testing.T) {
	repo := chat.NewMemoryRepo()
	seedSession(t, repo, "user-1", "session-1", nil)

	store := vectorstore.NewMemoryStore(4)
	emb := &fakeEmbedder{dim: 4}
	fakeLLM := &llm.FakeClient{Deltas: []string{"partial "}, FailWith: assert.AnError}
	p := pipeline.New(repo, emb, store, fakeLLM, "test-model", zap.NewNop().Sugar())

	var events []pipeline.StreamEvent
	err := p.Send(context.Background(), "user-1", "session-1", "hi", func(e pipeline.StreamEvent) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, pipeline.EventError, events[len(events)-2].Type)
	assert.Equal(t, pipeline.EventDone, events[len(events)-1].Type)

	messages, err := repo.ListRecentMessages(context.Background(), "session-1", 20)
	require.NoError(t, err)
	require.Len(t, messages, 2, "the partial assistant reply must still be persisted per spec.md §7")
	assert.Equal(t, domain.RoleAssistant, messages[1].Role)
	assert.Equal(t, "partial ", messages[1].Content)
}

func TestSend_SessionNotFound(t *testing.T) {
	repo := chat.NewMemoryRepo()
	store := vectorstore.NewMemoryStore(4)
	emb := &fakeEmbedder{dim: 4}
	fakeLLM := &llm.FakeClient{}
	p := pipeline.New(repo, emb, store, fakeLLM, "test-model", zap.NewNop().Sugar())

	called := false
	err := p.Send(context.Background(), "user-1", "missing-session", "hi", func(e pipeline.StreamEvent) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "no events should be emitted when the session lookup fails")
}

func TestSend_CancellationSkipsAssistantPersistence(t *testing.T) {
	repo := chat.NewMemoryRepo()
	seedSession(t, repo, "user-1", "session-1", nil)

	store := vectorstore.NewMemoryStore(4)
	emb := &fakeEmbedder{dim: 4}
	fakeLLM := &llm.FakeClient{Deltas: []string{"never", "seen"}}
	p := pipeline.New(repo, emb, store, fakeLLM, "test-model", zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Send(ctx, "user-1", "session-1", "hi", func(e pipeline.StreamEvent) error {
		if e.Type == pipeline.EventMessage {
			// Simulate the client disconnecting right after the first
			// delta is flushed: the next iteration's ctx.Done() yield
			// point must stop the stream before a second delta arrives.
			cancel()
		}
		return nil
	})
	require.NoError(t, err)

	messages, err := repo.ListRecentMessages(context.Background(), "session-1", 20)
	require.NoError(t, err)
	require.Len(t, messages, 1, "only the user message should be persisted")
	assert.Equal(t, domain.RoleUser, messages[0].Role)
}
