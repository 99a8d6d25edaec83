package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabfab/kbrag/internal/apperr"
	"github.com/fabfab/kbrag/internal/coordinator"
	"github.com/fabfab/kbrag/internal/documents"
	"github.com/fabfab/kbrag/internal/domain"
	"github.com/fabfab/kbrag/internal/vectorstore"
)

// fakeIndexer lets tests control reindex outcomes and timing without a real
// embedder or chunker.
type fakeIndexer struct {
	mu       sync.Mutex
	delay    time.Duration
	failWith error
	calls    int

	// beforeReturn runs synchronously inside Reindex, right before it
	// returns, letting a test inject state mutation mid-flight (e.g.
	// deleting the document out from under the worker).
	beforeReturn func()
}

func (f *fakeIndexer) Reindex(ctx context.Context, userID string, doc domain.Document) (int, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.beforeReturn != nil {
		f.beforeReturn()
	}
	if f.failWith != nil {
		return 0, f.failWith
	}
	return 3, nil
}

func (f *fakeIndexer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCoordinator(repo documents.Repo, store vectorstore.VectorStore, idx *fakeIndexer, workers int) *coordinator.Coordinator {
	log := zap.NewNop().Sugar()
	return coordinator.New(repo, store, idx, coordinator.NoopLimiter(), coordinator.Config{
		MaxWorkers: workers,
		Timeout:    time.Minute,
	}, log, prometheus.NewRegistry())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func seedDoc(repo *documents.MemoryRepo, userID, docID string) domain.Document {
	doc := domain.Document{
		ID:      docID,
		UserID:  userID,
		KBID:    "kb-1",
		Name:    "note.md",
		Content: "hello world",
		Kind:    domain.DocumentKindNote,
		IndexState: domain.IndexState{
			Status: domain.IndexStatusPending,
		},
	}
	repo.Put(doc)
	return doc
}

func TestOnDocumentCreated_CompletesSuccessfully(t *testing.T) {
	repo := documents.NewMemoryRepo()
	store := vectorstore.NewMemoryStore(4)
	idx := &fakeIndexer{}
	c := newTestCoordinator(repo, store, idx, 2)
	defer c.Close()

	doc := seedDoc(repo, "user-1", "doc-1")
	require.NoError(t, c.OnDocumentCreated(context.Background(), "user-1", doc))

	waitFor(t, time.Second, func() bool {
		got, err := repo.Get(context.Background(), "user-1", "doc-1")
		return err == nil && got.IndexState.Status == domain.IndexStatusComplete
	})

	got, err := repo.Get(context.Background(), "user-1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusComplete, got.IndexState.Status)
	assert.NotNil(t, got.IndexState.CompletedAt)
	assert.Nil(t, got.IndexState.Error)
}

func TestOnDocumentCreated_IndexerFailureMarksFailed(t *testing.T) {
	repo := documents.NewMemoryRepo()
	store := vectorstore.NewMemoryStore(4)
	idx := &fakeIndexer{failWith: apperr.New(apperr.KindModel, "embedding backend down")}
	c := newTestCoordinator(repo, store, idx, 2)
	defer c.Close()

	doc := seedDoc(repo, "user-1", "doc-1")
	require.NoError(t, c.OnDocumentCreated(context.Background(), "user-1", doc))

	waitFor(t, time.Second, func() bool {
		got, err := repo.Get(context.Background(), "user-1", "doc-1")
		return err == nil && got.IndexState.Status == domain.IndexStatusFailed
	})

	got, err := repo.Get(context.Background(), "user-1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusFailed, got.IndexState.Status)
	require.NotNil(t, got.IndexState.Error)
	assert.Contains(t, *got.IndexState.Error, "embedding backend down")
}

// TestConcurrentUpdatesConverge exercises spec.md §8's convergence
// invariant: rapid-fire updates to the same document must not leave the
// index in a state belonging to anything but the most recent submission.
func TestConcurrentUpdatesConverge(t *testing.T) {
	repo := documents.NewMemoryRepo()
	store := vectorstore.NewMemoryStore(4)
	idx := &fakeIndexer{delay: 10 * time.Millisecond}
	c := newTestCoordinator(repo, store, idx, 4)
	defer c.Close()

	doc := seedDoc(repo, "user-1", "doc-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, c.OnDocumentUpdated(context.Background(), "user-1", doc))
	}

	waitFor(t, 2*time.Second, func() bool {
		got, err := repo.Get(context.Background(), "user-1", "doc-1")
		return err == nil && (got.IndexState.Status == domain.IndexStatusComplete || got.IndexState.Status == domain.IndexStatusFailed)
	})

	got, err := repo.Get(context.Background(), "user-1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusComplete, got.IndexState.Status)
}

// TestOnDocumentDeleted_SynchronousAndBypassesQueue verifies deletes do not
// go through the worker pool and take effect immediately.
func TestOnDocumentDeleted_SynchronousAndBypassesQueue(t *testing.T) {
	repo := documents.NewMemoryRepo()
	store := vectorstore.NewMemoryStore(4)
	idx := &fakeIndexer{}
	c := newTestCoordinator(repo, store, idx, 1)
	defer c.Close()

	userID, docID := "user-1", "doc-1"
	_, err := store.Insert(context.Background(), []domain.VectorRecord{
		{Embedding: []float32{0, 0, 0, 0}, Metadata: domain.VectorMetadata{UserID: userID, DocID: docID}},
	})
	require.NoError(t, err)

	require.NoError(t, c.OnDocumentDeleted(context.Background(), userID, docID))

	hits, err := store.Search(context.Background(), []float32{0, 0, 0, 0}, 10, domain.VectorFilter{UserID: &userID, DocID: &docID})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// TestDeleteDuringIndex_DefensiveCleanup exercises spec.md §9's reference
// policy (a): a delete racing an in-flight reindex must not leave orphaned
// vectors behind, even though the delete bypasses the worker pool.
func TestDeleteDuringIndex_DefensiveCleanup(t *testing.T) {
	repo := documents.NewMemoryRepo()
	store := vectorstore.NewMemoryStore(4)

	userID, docID := "user-1", "doc-1"
	doc := seedDoc(repo, userID, docID)

	idx := &fakeIndexer{}
	idx.beforeReturn = func() {
		// Simulate the document row being deleted while this worker's
		// Reindex call is still in flight, racing past the delete's own
		// (filter-based, now no-op) vector cleanup.
		repo.Delete(userID, docID)
		_, _ = store.Insert(context.Background(), []domain.VectorRecord{
			{Embedding: []float32{1, 0, 0, 0}, Metadata: domain.VectorMetadata{UserID: userID, DocID: docID}},
		})
	}

	c := newTestCoordinator(repo, store, idx, 1)
	defer c.Close()

	require.NoError(t, c.OnDocumentCreated(context.Background(), userID, doc))

	waitFor(t, time.Second, func() bool {
		return idx.callCount() > 0
	})
	// Give execute's post-reindex re-read and defensive delete a moment to
	// run after Reindex returns.
	waitFor(t, time.Second, func() bool {
		hits, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 10, domain.VectorFilter{UserID: &userID, DocID: &docID})
		return err == nil && len(hits) == 0
	})
}

func TestCheckTimeoutTasks_TransitionsStaleIndexing(t *testing.T) {
	repo := documents.NewMemoryRepo()
	store := vectorstore.NewMemoryStore(4)
	idx := &fakeIndexer{}
	c := newTestCoordinator(repo, store, idx, 1)
	defer c.Close()

	taskUUID := "11111111-1111-1111-1111-111111111111"
	started := time.Now().Add(-10 * time.Minute)
	repo.Put(domain.Document{
		ID:     "doc-stale",
		UserID: "user-1",
		KBID:   "kb-1",
		Kind:   domain.DocumentKindNote,
		IndexState: domain.IndexState{
			Status:    domain.IndexStatusIndexing,
			TaskUUID:  &taskUUID,
			StartedAt: &started,
		},
	})

	n, err := c.CheckTimeoutTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(context.Background(), "user-1", "doc-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusTimeout, got.IndexState.Status)
	require.NotNil(t, got.IndexState.Error)
}

func TestDisable_SuppressesSubmission(t *testing.T) {
	repo := documents.NewMemoryRepo()
	store := vectorstore.NewMemoryStore(4)
	idx := &fakeIndexer{}
	c := newTestCoordinator(repo, store, idx, 1)
	defer c.Close()

	c.Disable()
	doc := seedDoc(repo, "user-1", "doc-1")
	require.NoError(t, c.OnDocumentCreated(context.Background(), "user-1", doc))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, idx.callCount())

	got, err := repo.Get(context.Background(), "user-1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusPending, got.IndexState.Status)
}
