package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/fabfab/kbrag/internal/apperr"
	"github.com/fabfab/kbrag/internal/domain"
)

// ANNProbes approximates the spec's "nprobe 10" search parameter via
// pgvector's ivfflat.probes session GUC.
const ANNProbes = 10

// ANNLists approximates the spec's IVF_FLAT nlist=128 reference value.
const ANNLists = 128

// PostgresStore persists and retrieves embeddings from Postgres + pgvector,
// generalizing the teacher's document_chunks table into the spec's
// metadata-filtered VectorRecord shape.
type PostgresStore struct {
	pool      *pgxpool.Pool
	dimension int
	log       *zap.SugaredLogger
}

// NewPostgresStore connects to Postgres and ensures the vector collection
// exists.
func NewPostgresStore(ctx context.Context, dsn string, maxConns, dimension int, log *zap.SugaredLogger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "parse database url")
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "connect database")
	}

	store := &PostgresStore{pool: pool, dimension: dimension, log: log}
	if err := store.EnsureCollection(ctx, dimension); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureCollection idempotently creates the vector table, metadata fields,
// and the approximate-nearest-neighbor index, per spec.md §4.2.
func (s *PostgresStore) EnsureCollection(ctx context.Context, dim int) error {
	stmt := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_vectors (
	pk BIGSERIAL PRIMARY KEY,
	embedding vector(%[1]d) NOT NULL,
	content VARCHAR(65535) NOT NULL,
	source VARCHAR(512) NOT NULL,
	metadata JSONB NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS document_vectors_user_idx
	ON document_vectors ((metadata->>'user_id'));

CREATE INDEX IF NOT EXISTS document_vectors_doc_idx
	ON document_vectors ((metadata->>'doc_id'));

CREATE INDEX IF NOT EXISTS document_vectors_kb_idx
	ON document_vectors ((metadata->>'kb_id'));

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_indexes
		WHERE schemaname = current_schema()
			AND indexname = 'document_vectors_embedding_idx'
	) THEN
		EXECUTE 'CREATE INDEX document_vectors_embedding_idx ON document_vectors USING ivfflat (embedding vector_l2_ops) WITH (lists = %[2]d);';
	END IF;
END
$$;
`, dim, ANNLists)

	_, err := s.pool.Exec(ctx, stmt)
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// ivfflat requires enough rows to build; tolerate failure on an
		// empty table and retry lazily on the next EnsureCollection call.
		s.log.Warnw("ivfflat index not created yet, continuing without it", "error", err)
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindStore, err, "ensure vector collection schema")
	}
	return nil
}

// Insert appends vectors and returns their assigned primary keys.
func (s *PostgresStore) Insert(ctx context.Context, records []domain.VectorRecord) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	pks := make([]int64, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) != s.dimension {
			return nil, apperr.New(apperr.KindStore, fmt.Sprintf("vector dimension mismatch: expected %d got %d", s.dimension, len(rec.Embedding)))
		}

		metaJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStore, err, "marshal vector metadata")
		}

		var pk int64
		err = tx.QueryRow(ctx, `
INSERT INTO document_vectors (embedding, content, source, metadata, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING pk`,
			pgvector.NewVector(rec.Embedding), rec.Content, rec.Source, metaJSON, rec.CreatedAt,
		).Scan(&pk)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStore, err, "insert vector record")
		}
		pks = append(pks, pk)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "commit transaction")
	}

	return pks, nil
}

// Search returns up to topK records matching filter, ordered by ascending
// L2 distance with (distance, pk ascending) as the stable tie-break.
func (s *PostgresStore) Search(ctx context.Context, queryVec []float32, topK int, filter domain.VectorFilter) ([]domain.VectorHit, error) {
	if len(queryVec) != s.dimension {
		return nil, apperr.New(apperr.KindStore, fmt.Sprintf("query embedding dimension mismatch: expected %d got %d", s.dimension, len(queryVec)))
	}
	if topK <= 0 {
		topK = 5
	}

	where, args := buildFilter(filter, 2)
	query := fmt.Sprintf(`
SELECT pk, content, source, metadata, created_at, embedding <-> $1 AS distance
FROM document_vectors
%s
ORDER BY embedding <-> $1 ASC, pk ASC
LIMIT $%d`, where, len(args)+2)

	queryArgs := append([]any{pgvector.NewVector(queryVec)}, args...)
	queryArgs = append(queryArgs, topK)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "begin search transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", ANNProbes)); err != nil {
		s.log.Debugw("could not set ivfflat.probes, continuing with default", "error", err)
	}

	rows, err := tx.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "query similar vectors")
	}
	defer rows.Close()

	var hits []domain.VectorHit
	for rows.Next() {
		var (
			rec      domain.VectorRecord
			metaJSON []byte
			distance float32
		)
		if err := rows.Scan(&rec.PK, &rec.Content, &rec.Source, &metaJSON, &rec.CreatedAt, &distance); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, err, "scan vector hit")
		}
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, err, "unmarshal vector metadata")
		}
		hits = append(hits, domain.VectorHit{Record: rec, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "iterate vector hits")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "commit search transaction")
	}

	return hits, nil
}

// Delete removes all records matching filter and returns the count
// deleted. Deletion is atomic with respect to subsequent searches because
// it runs as a single statement against the primary.
func (s *PostgresStore) Delete(ctx context.Context, filter domain.VectorFilter) (int64, error) {
	where, args := buildFilter(filter, 1)
	if where == "" {
		return 0, apperr.New(apperr.KindValidation, "refusing to delete vectors with an unconstrained filter")
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM document_vectors %s`, where), args...)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStore, err, "delete vectors")
	}
	return tag.RowsAffected(), nil
}

// buildFilter renders filter as a SQL WHERE clause over the metadata jsonb
// column, with positional parameters starting at startIndex.
func buildFilter(filter domain.VectorFilter, startIndex int) (string, []any) {
	var clauses []string
	var args []any
	idx := startIndex

	add := func(field string, value *string) {
		if value == nil {
			return
		}
		clauses = append(clauses, fmt.Sprintf("metadata->>'%s' = $%d", field, idx))
		args = append(args, *value)
		idx++
	}

	add("user_id", filter.UserID)
	add("doc_id", filter.DocID)
	add("kb_id", filter.KBID)

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
