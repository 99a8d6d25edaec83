// Package indexer implements RAGIndexer (spec.md §4.5): composing the
// chunker, embedder, and vector store to index one document end-to-end.
package indexer

import (
	"context"
	"time"

	"github.com/fabfab/kbrag/internal/apperr"
	"github.com/fabfab/kbrag/internal/chunker"
	"github.com/fabfab/kbrag/internal/domain"
	"github.com/fabfab/kbrag/internal/embedder"
	"github.com/fabfab/kbrag/internal/vectorstore"
)

// insertBatchSize caps the number of vectors inserted per VectorStore.Insert
// call, per spec.md §4.5 step 4.
const insertBatchSize = 100

// Indexer composes C1-C4 to reindex a single document.
type Indexer interface {
	Reindex(ctx context.Context, userID string, doc domain.Document) (int, error)
}

type ragIndexer struct {
	store    vectorstore.VectorStore
	embedder embedder.Embedder

	maxTokens     int
	overlapTokens int
}

// Config tunes the chunker window used during reindexing.
type Config struct {
	MaxTokens     int
	OverlapTokens int
}

// New constructs a RAGIndexer.
func New(store vectorstore.VectorStore, emb embedder.Embedder, cfg Config) Indexer {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = chunker.DefaultMaxTokens
	}
	overlap := cfg.OverlapTokens
	if overlap <= 0 {
		overlap = chunker.DefaultOverlapTokens
	}
	return &ragIndexer{store: store, embedder: emb, maxTokens: maxTokens, overlapTokens: overlap}
}

// Reindex performs the five steps of spec.md §4.5 in order: delete stale
// vectors, chunk, embed, insert in batches, return the chunk count.
func (idx *ragIndexer) Reindex(ctx context.Context, userID string, doc domain.Document) (int, error) {
	userIDCopy, docIDCopy := userID, doc.ID

	if _, err := idx.store.Delete(ctx, domain.VectorFilter{UserID: &userIDCopy, DocID: &docIDCopy}); err != nil {
		return 0, apperr.Wrap(apperr.KindIndex, err, "delete stale vectors")
	}

	chunks := chunker.Chunk(doc.Content, idx.maxTokens, idx.overlapTokens)
	if len(chunks) == 0 {
		return 0, nil
	}

	vecs, err := idx.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindIndex, err, "embed chunks")
	}
	if len(vecs) != len(chunks) {
		return 0, apperr.New(apperr.KindIndex, "embedder returned a mismatched number of vectors")
	}

	now := time.Now().UnixMilli()
	records := make([]domain.VectorRecord, len(chunks))
	for i, content := range chunks {
		records[i] = domain.VectorRecord{
			Embedding: vecs[i],
			Content:   content,
			Source:    doc.Name,
			Metadata: domain.VectorMetadata{
				UserID:     userID,
				KBID:       doc.KBID,
				DocID:      doc.ID,
				DocKind:    string(doc.Kind),
				DocName:    doc.Name,
				ChunkIndex: i,
			},
			CreatedAt: now,
		}
	}

	for start := 0; start < len(records); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(records) {
			end = len(records)
		}
		if _, err := idx.store.Insert(ctx, records[start:end]); err != nil {
			return 0, apperr.Wrap(apperr.KindIndex, err, "insert vector batch")
		}
	}

	return len(chunks), nil
}
