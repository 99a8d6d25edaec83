package documents

import (
	"context"
	"sync"
	"time"

	"github.com/fabfab/kbrag/internal/apperr"
	"github.com/fabfab/kbrag/internal/domain"
)

// MemoryRepo is an in-process Repo used by coordinator and pipeline tests
// to exercise the CAS protocol without a live Postgres instance.
type MemoryRepo struct {
	mu   sync.Mutex
	docs map[string]domain.Document // key: userID+"/"+docID
}

// NewMemoryRepo constructs an empty MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{docs: make(map[string]domain.Document)}
}

func key(userID, docID string) string { return userID + "/" + docID }

// Put inserts or replaces a document, bypassing the CAS protocol. Tests use
// this to seed fixtures.
func (m *MemoryRepo) Put(doc domain.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key(doc.UserID, doc.ID)] = doc
}

// Delete removes a document row entirely, simulating on_document_deleted's
// effect on the primary store.
func (m *MemoryRepo) Delete(userID, docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key(userID, docID))
}

func (m *MemoryRepo) Get(ctx context.Context, userID, docID string) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key(userID, docID)]
	if !ok {
		return domain.Document{}, apperr.New(apperr.KindNotFound, "document not found")
	}
	return doc, nil
}

func (m *MemoryRepo) ListByKB(ctx context.Context, userID, kbID string, skip, limit int, folderID *string) ([]domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []domain.Document
	for _, doc := range m.docs {
		if doc.UserID != userID || doc.KBID != kbID {
			continue
		}
		if folderID != nil && (doc.FolderID == nil || *doc.FolderID != *folderID) {
			continue
		}
		matches = append(matches, doc)
	}

	if skip >= len(matches) {
		return nil, nil
	}
	end := len(matches)
	if limit > 0 && skip+limit < end {
		end = skip + limit
	}
	return matches[skip:end], nil
}

func (m *MemoryRepo) ListIndexing(ctx context.Context, startedBefore time.Time) ([]domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []domain.Document
	for _, doc := range m.docs {
		if doc.IndexState.Status != domain.IndexStatusIndexing {
			continue
		}
		if doc.IndexState.StartedAt == nil || !doc.IndexState.StartedAt.Before(startedBefore) {
			continue
		}
		matches = append(matches, doc)
	}
	return matches, nil
}

func (m *MemoryRepo) CompareAndSetIndexState(ctx context.Context, userID, docID string, expectedTaskUUID *string, newState domain.IndexState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key(userID, docID)]
	if !ok {
		return apperr.New(apperr.KindConflict, "document missing")
	}

	if expectedTaskUUID != nil {
		if doc.IndexState.TaskUUID == nil || *doc.IndexState.TaskUUID != *expectedTaskUUID {
			return apperr.New(apperr.KindConflict, "task uuid mismatch")
		}
	}

	doc.IndexState = newState
	m.docs[key(userID, docID)] = doc
	return nil
}
