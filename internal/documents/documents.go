// Package documents implements DocumentRepo (spec.md §4.4): reads and
// writes of Document rows, including the atomic compare-and-set used by
// the IndexCoordinator.
package documents

import (
	"context"
	"time"

	"github.com/fabfab/kbrag/internal/domain"
)

// Repo reads and writes Document rows.
type Repo interface {
	Get(ctx context.Context, userID, docID string) (domain.Document, error)
	ListByKB(ctx context.Context, userID, kbID string, skip, limit int, folderID *string) ([]domain.Document, error)

	// ListIndexing returns every document, across all users, currently in
	// the "indexing" status with started_at before cutoff. spec.md §4.6's
	// check_timeout_tasks needs a system-wide scan that the per-KB ListByKB
	// cannot express; this extension exists for exactly that sweep.
	ListIndexing(ctx context.Context, startedBefore time.Time) ([]domain.Document, error)

	// CompareAndSetIndexState atomically overwrites the document's entire
	// IndexState with newState. Every transition in spec.md §4.6 names all
	// IndexState fields explicitly (nil clears a nullable column), so the
	// write is a full replace, not a sparse patch.
	//
	// If expectedTaskUUID is non-nil, the write is rejected with a
	// KindConflict apperr.Error unless the row's current task_uuid matches
	// exactly; passing a nil expectedTaskUUID performs the unconditional
	// write spec.md §4.6 calls the "ANY" expectation. The write is a
	// single row-level UPDATE with the expectation folded into its WHERE
	// clause — never a read-then-write — per spec.md §9.
	CompareAndSetIndexState(ctx context.Context, userID, docID string, expectedTaskUUID *string, newState domain.IndexState) error
}
