package documents

import (
	"context"
	"errors"
	"time"

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

const documentColumns = `
	id, user_id, kb_id, folder_id, name, content, kind,
	rag_index_task_uuid, rag_index_thread_id, rag_index_status,
	rag_index_started_at, rag_index_completed_at, rag_index_error,
	created_at, updated_at`

func scanDocument(row pgx.Row) (domain.Document, error) {
	var doc domain.Document
	var kind string
	var status string
	if err := row.Scan(
		&doc.ID, &doc.UserID, &doc.KBID, &doc.FolderID, &doc.Name, &doc.Content, &kind,
		&doc.IndexState.TaskUUID, &doc.IndexState.WorkerID, &status,
		&doc.IndexState.StartedAt, &doc.IndexState.CompletedAt, &doc.IndexState.Error,
		&doc.CreatedAt, &doc.UpdatedAt,
	); err != nil {
		return domain.Document{}, err
	}
	doc.Kind = domain.DocumentKind(kind)
	doc.IndexState.Status = domain.IndexStatus(status)
	return doc, nil
}

// Get reads a single document owned by userID, including its full
// IndexState per spec.md §4.4.
func (r *PostgresRepo) Get(ctx context.Context, userID, docID string) (domain.Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+`
FROM documents WHERE id = $1 AND user_id = $2`, docID, userID)

	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Document{}, apperr.New(apperr.KindNotFound, "document not found")
	}
	if err != nil {
		return domain.Document{}, apperr.Wrap(apperr.KindStore, err, "get document")
	}
	return doc, nil
}

// ListByKB returns the documents owned by userID within kbID, paginated,
// optionally scoped to a single folder.
func (r *PostgresRepo) ListByKB(ctx context.Context, userID, kbID string, skip, limit int, folderID *string) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + documentColumns + `
FROM documents WHERE user_id = $1 AND kb_id = $2`
	args := []any{userID, kbID}

	if folderID != nil {
		query += ` AND folder_id = $3 ORDER BY created_at ASC OFFSET $4 LIMIT $5`
		args = append(args, *folderID, skip, limit)
	} else {
		query += ` ORDER BY created_at ASC OFFSET $3 LIMIT $4`
		args = append(args, skip, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "list documents")
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStore, err, "scan document")
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "iterate documents")
	}

	return docs, nil
}

// ListIndexing returns every document in the "indexing" status started
// before cutoff, across all users, for the timeout sweep.
func (r *PostgresRepo) ListIndexing(ctx context.Context, startedBefore time.Time) ([]domain.Document, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+documentColumns+`
FROM documents
WHERE rag_index_status = $1 AND rag_index_started_at IS NOT NULL AND rag_index_started_at < $2`,
		string(domain.IndexStatusIndexing), startedBefore)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "list indexing documents")
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStore, err, "scan indexing document")
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "iterate indexing documents")
	}
	return docs, nil
}

// CompareAndSetIndexState implements the atomic CAS described in
// documents.Repo, as a single UPDATE ... WHERE clause.
func (r *PostgresRepo) CompareAndSetIndexState(ctx context.Context, userID, docID string, expectedTaskUUID *string, newState domain.IndexState) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE documents
SET rag_index_task_uuid = $1,
    rag_index_thread_id = $2,
    rag_index_status = $3,
    rag_index_started_at = $4,
    rag_index_completed_at = $5,
    rag_index_error = $6,
    updated_at = now()
WHERE id = $7 AND user_id = $8
  AND ($9::uuid IS NULL OR rag_index_task_uuid = $9::uuid)`,
		newState.TaskUUID, newState.WorkerID, string(newState.Status),
		newState.StartedAt, newState.CompletedAt, newState.Error,
		docID, userID, expectedTaskUUID,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindStore, err, "compare-and-set index state")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindConflict, "index state compare-and-set did not match expected task uuid or document is missing")
	}
	return nil
}
