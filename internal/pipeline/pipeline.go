// Package pipeline implements ChatPipeline (spec.md §4.9), the "second
// heart" of the system: RAG-augmented streaming chat turns.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fabfab/kbrag/internal/apperr"
	"github.com/fabfab/kbrag/internal/chat"
	"github.com/fabfab/kbrag/internal/domain"
	"github.com/fabfab/kbrag/internal/embedder"
	"github.com/fabfab/kbrag/internal/llm"
	"github.com/fabfab/kbrag/internal/vectorstore"
)

// historyLimit is the reference N from spec.md §4.9 step 3.
const historyLimit = 20

// topK is the reference retrieval width from spec.md §4.9 step 4.
const topK = 5

// systemPrompt instructs the model to answer only from context when RAG
// context is present, per spec.md §4.9 step 5.
const systemPrompt = "You are a helpful assistant answering questions about the user's personal knowledge base. " +
	"When context from retrieved documents is provided below, answer using only that context. " +
	"If the answer is not contained in the context, say so rather than guessing."

// Emit delivers one StreamEvent to the transport layer (normally an
// sse.Writer). An error return signals the client disconnected; Send stops
// consuming further deltas and skips step 7's persistence.
type Emit func(StreamEvent) error

// Pipeline composes ChatRepo, Embedder, VectorStore, and LLMClient into
// spec.md §4.9's send operation.
type Pipeline struct {
	chatRepo  chat.Repo
	embed     embedder.Embedder
	store     vectorstore.VectorStore
	llmClient llm.Client
	chatModel string
	log       *zap.SugaredLogger

	ragEnabled atomic.Bool
}

// New constructs a Pipeline with RAG retrieval enabled by default. chatModel
// is forwarded on every LLMClient.StreamChat call as the OPENAI_CHAT_MODEL
// configured for the deployment.
func New(chatRepo chat.Repo, embed embedder.Embedder, store vectorstore.VectorStore, llmClient llm.Client, chatModel string, log *zap.SugaredLogger) *Pipeline {
	p := &Pipeline{chatRepo: chatRepo, embed: embed, store: store, llmClient: llmClient, chatModel: chatModel, log: log}
	p.ragEnabled.Store(true)
	return p
}

// EnableRAG and DisableRAG gate step 4's retrieval, independent of whether
// the session has a kb_id configured.
func (p *Pipeline) EnableRAG()  { p.ragEnabled.Store(true) }
func (p *Pipeline) DisableRAG() { p.ragEnabled.Store(false) }

// Send implements spec.md §4.9's 8 emission steps.
func (p *Pipeline) Send(ctx context.Context, userID, sessionID, userText string, emit Emit) error {
	session, err := p.chatRepo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return err // fail-fast per step 1, before any persistence or emission
	}

	if _, err := p.chatRepo.AppendMessage(ctx, domain.ChatMessage{
		SessionID:   sessionID,
		Role:        domain.RoleUser,
		Content:     userText,
		ContentType: domain.ContentTypeContent,
	}); err != nil {
		return apperr.Wrap(apperr.KindStore, err, "persist user message")
	}

	history, err := p.chatRepo.ListRecentMessages(ctx, sessionID, historyLimit)
	if err != nil {
		return apperr.Wrap(apperr.KindStore, err, "load conversation history")
	}

	var ragContext *string
	var ragSources []domain.RAGSource

	if session.KBID != nil && p.ragEnabled.Load() {
		contextBlock, sources, err := p.retrieve(ctx, userID, *session.KBID, userText, emit)
		if err != nil {
			if errEmit := emit(errorEvent(err.Error(), nil)); errEmit != nil {
				return errEmit
			}
			if errEmit := emit(doneEvent()); errEmit != nil {
				return errEmit
			}
			if _, persistErr := p.chatRepo.AppendMessage(ctx, domain.ChatMessage{
				SessionID:   sessionID,
				Role:        domain.RoleAssistant,
				Content:     err.Error(),
				ContentType: domain.ContentTypeContent,
			}); persistErr != nil {
				p.log.Errorw("failed to persist error-turn assistant message", "session_id", sessionID, "error", persistErr)
			}
			return nil
		}
		ragContext = contextBlock
		ragSources = sources

		if err := emit(ragStepEvent("generate_start", nil)); err != nil {
			return err
		}
	}

	messages := p.assembleMessages(ragContext, history, userText)

	fullReply, disconnected, err := p.stream(ctx, messages, emit)
	if err != nil {
		return err
	}
	if disconnected {
		// Client disconnected mid-stream: skip persistence, emit nothing
		// further, per spec.md §4.9's cancellation behavior.
		return nil
	}

	if _, err := p.chatRepo.AppendMessage(ctx, domain.ChatMessage{
		SessionID:   sessionID,
		Role:        domain.RoleAssistant,
		Content:     fullReply,
		ContentType: domain.ContentTypeContent,
		RAGContext:  ragContext,
		RAGSources:  ragSources,
	}); err != nil {
		return apperr.Wrap(apperr.KindStore, err, "persist assistant message")
	}

	if _, err := p.chatRepo.UpdateSession(ctx, session); err != nil {
		p.log.Warnw("failed to touch session updated_at", "session_id", sessionID, "error", err)
	}

	return emit(doneEvent())
}

// retrieve implements spec.md §4.9 step 4's RAG sub-steps. A non-nil error
// means a step raised; the caller converts that into the rag_step error
// variant plus error/done per spec.
func (p *Pipeline) retrieve(ctx context.Context, userID, kbID, userText string, emit Emit) (*string, []domain.RAGSource, error) {
	if err := emit(ragStepEvent("search_start", map[string]string{"kb_id": kbID})); err != nil {
		return nil, nil, err
	}

	vecs, err := p.embed.Embed(ctx, []string{userText})
	if err != nil {
		_ = emit(ragStepEvent("search_start_error", map[string]string{"error": err.Error()}))
		return nil, nil, apperr.Wrap(apperr.KindModel, err, "embed user message for retrieval")
	}

	hits, err := p.store.Search(ctx, vecs[0], topK, domain.VectorFilter{UserID: &userID, KBID: &kbID})
	if err != nil {
		_ = emit(ragStepEvent("search_complete_error", map[string]string{"error": err.Error()}))
		return nil, nil, apperr.Wrap(apperr.KindStore, err, "search vector store")
	}
	if err := emit(ragStepEvent("search_complete", map[string]int{"count": len(hits)})); err != nil {
		return nil, nil, err
	}

	if err := emit(ragStepEvent("context_build", nil)); err != nil {
		return nil, nil, err
	}

	var b strings.Builder
	sources := make([]domain.RAGSource, 0, len(hits))
	for i, hit := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Source: %s\n%s", hit.Record.Metadata.DocName, hit.Record.Content)
		sources = append(sources, domain.RAGSource{
			DocName: hit.Record.Metadata.DocName,
			DocID:   hit.Record.Metadata.DocID,
			Score:   hit.Distance,
		})
	}
	contextBlock := b.String()

	if err := emit(ragStepEvent("context_complete", map[string]int{"sources": len(hits)})); err != nil {
		return nil, nil, err
	}

	return &contextBlock, sources, nil
}

// assembleMessages implements spec.md §4.9 step 5.
func (p *Pipeline) assembleMessages(ragContext *string, history []domain.ChatMessage, userText string) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}

	if ragContext != nil && *ragContext != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: "Context:\n" + *ragContext})
	}

	for _, m := range history {
		role := llm.RoleUser
		if m.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})
	return messages
}

// stream implements spec.md §4.9 step 6. disconnected=true means the
// client went away mid-stream (ctx.Done or an SSE-flush failure); callers
// must not persist an assistant message in that case. An UpstreamError from
// the LLMClient is not a disconnect: per spec.md §7 the assistant message is
// still persisted with whatever partial full_reply was already accumulated.
func (p *Pipeline) stream(ctx context.Context, messages []llm.Message, emit Emit) (reply string, disconnected bool, err error) {
	deltas, errs := p.llmClient.StreamChat(ctx, messages, llm.Options{Model: p.chatModel})

	var full strings.Builder
	for {
		if ctx.Err() != nil {
			return "", true, nil
		}
		select {
		case <-ctx.Done():
			return "", true, nil
		case delta, ok := <-deltas:
			if !ok {
				if err := <-errs; err != nil {
					// Partial output already emitted on deltas is not rolled
					// back, per spec.md §4.7; step 7 still persists it and
					// Send still emits a single trailing done event.
					if emitErr := emit(errorEvent(err.Error(), nil)); emitErr != nil {
						return full.String(), true, nil
					}
				}
				return full.String(), false, nil
			}
			full.WriteString(delta)
			if err := emit(messageEvent(delta, string(domain.ContentTypeContent))); err != nil {
				return "", true, nil // client disconnected at the SSE-flush yield point
			}
		}
	}
}
