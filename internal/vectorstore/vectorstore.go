// Package vectorstore implements VectorStore (spec.md §4.2) over Postgres
// with the pgvector extension.
package vectorstore

import (
	"context"

	"github.com/fabfab/kbrag/internal/domain"
)

// VectorStore inserts, searches, and deletes vector records with
// structured metadata and filters.
type VectorStore interface {
	EnsureCollection(ctx context.Context, dim int) error
	Insert(ctx context.Context, records []domain.VectorRecord) ([]int64, error)
	Search(ctx context.Context, queryVec []float32, topK int, filter domain.VectorFilter) ([]domain.VectorHit, error)
	Delete(ctx context.Context, filter domain.VectorFilter) (int64, error)
	Close()
}
