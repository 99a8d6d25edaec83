// Package coordinator implements IndexCoordinator (spec.md §4.6): the
// bounded worker pool that drives RAGIndexer per document-change event and
// keeps the vector index consistent with a mutable document store under
// concurrent edits, without per-document locking (spec §9's lockless
// variant).
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fabfab/kbrag/internal/apperr"
	"github.com/fabfab/kbrag/internal/documents"
	"github.com/fabfab/kbrag/internal/domain"
	"github.com/fabfab/kbrag/internal/indexer"
	"github.com/fabfab/kbrag/internal/vectorstore"
)

// admissionWait bounds how long a submission blocks for queue space before
// failing with BackpressureError, per spec.md §4.6's bounded-wait policy.
const admissionWait = 200 * time.Millisecond

// queueMultiple sizes the bounded queue as a small multiple of max_workers
// so bursts of edits do not immediately trip backpressure.
const queueMultiple = 8

type task struct {
	userID   string
	docID    string
	taskUUID string
}

// Config tunes the IndexCoordinator's worker pool.
type Config struct {
	MaxWorkers int
	Timeout    time.Duration
}

// Coordinator is the IndexCoordinator described in spec.md §4.6.
type Coordinator struct {
	repo       documents.Repo
	store      vectorstore.VectorStore
	idx        indexer.Indexer
	admit      AdmissionLimiter
	log        *zap.SugaredLogger
	timeout    time.Duration
	maxWorkers int

	queue chan task
	wg    sync.WaitGroup
	stop  chan struct{}

	enabled     atomic.Bool
	activeCount atomic.Int32

	metrics metrics
}

type metrics struct {
	activeTasks   prometheus.Gauge
	queueDepth    prometheus.Gauge
	outcomesTotal *prometheus.CounterVec
}

// New constructs a Coordinator and starts its worker pool. Call Close to
// stop the pool.
func New(repo documents.Repo, store vectorstore.VectorStore, idx indexer.Indexer, admit AdmissionLimiter, cfg Config, log *zap.SugaredLogger, reg prometheus.Registerer) *Coordinator {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if admit == nil {
		admit = NoopLimiter()
	}

	factory := promauto.With(reg)
	c := &Coordinator{
		repo:       repo,
		store:      store,
		idx:        idx,
		admit:      admit,
		log:        log,
		timeout:    timeout,
		maxWorkers: maxWorkers,
		queue:      make(chan task, maxWorkers*queueMultiple),
		stop:       make(chan struct{}),
		metrics: metrics{
			activeTasks: factory.NewGauge(prometheus.GaugeOpts{
				Name: "kbrag_coordinator_active_tasks",
				Help: "Number of index tasks currently executing.",
			}),
			queueDepth: factory.NewGauge(prometheus.GaugeOpts{
				Name: "kbrag_coordinator_queue_depth",
				Help: "Number of index tasks waiting in the bounded queue.",
			}),
			outcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "kbrag_coordinator_index_outcomes_total",
				Help: "Count of index task outcomes by terminal status.",
			}, []string{"status"}),
		},
	}
	c.enabled.Store(true)

	for i := 0; i < maxWorkers; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	return c
}

// Close stops accepting new work and waits for in-flight workers to drain.
func (c *Coordinator) Close() {
	close(c.stop)
	c.wg.Wait()
}

// Enable resumes task submission.
func (c *Coordinator) Enable() { c.enabled.Store(true) }

// Disable makes submissions no-op, the batch-import escape hatch of
// spec.md §4.6.
func (c *Coordinator) Disable() { c.enabled.Store(false) }

// ActiveTaskCount returns the number of tasks currently executing.
func (c *Coordinator) ActiveTaskCount() int {
	return int(c.activeCount.Load())
}

// OnDocumentCreated fires a fire-and-forget index submission.
func (c *Coordinator) OnDocumentCreated(ctx context.Context, userID string, doc domain.Document) error {
	return c.submit(ctx, userID, doc)
}

// OnDocumentUpdated fires a fire-and-forget index submission that
// supersedes any in-flight task for the same document via the atomic
// task_uuid install in submit.
func (c *Coordinator) OnDocumentUpdated(ctx context.Context, userID string, doc domain.Document) error {
	return c.submit(ctx, userID, doc)
}

// OnDocumentDeleted synchronously removes vectors for docID. It does not
// go through the worker pool. Per spec.md §9's reference policy (a), this
// delete is unconditional; an in-flight worker that races past it tolerates
// its own late insert being cleaned up defensively in step 5 of execute.
func (c *Coordinator) OnDocumentDeleted(ctx context.Context, userID, docID string) error {
	filter := domain.VectorFilter{UserID: &userID, DocID: &docID}
	_, err := c.store.Delete(ctx, filter)
	if err != nil {
		return apperr.Wrap(apperr.KindStore, err, "delete vectors for removed document")
	}
	return nil
}

// submit implements spec.md §4.6's task submission protocol.
func (c *Coordinator) submit(ctx context.Context, userID string, doc domain.Document) error {
	if !c.enabled.Load() {
		return nil
	}
	if !doc.Kind.Indexable() {
		return nil
	}

	newUUID := uuid.NewString()
	now := time.Now()

	err := c.repo.CompareAndSetIndexState(ctx, userID, doc.ID, nil, domain.IndexState{
		Status:    domain.IndexStatusIndexing,
		TaskUUID:  &newUUID,
		StartedAt: &now,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStore, err, "install index task uuid")
	}

	if allowed, err := c.admit.Allow(ctx); err != nil {
		c.log.Warnw("admission limiter error, proceeding without rate limit", "error", err)
	} else if !allowed {
		return apperr.New(apperr.KindBackpressure, "index submission rate limit exceeded")
	}

	t := task{userID: userID, docID: doc.ID, taskUUID: newUUID}
	select {
	case c.queue <- t:
		c.metrics.queueDepth.Set(float64(len(c.queue)))
		return nil
	case <-time.After(admissionWait):
		return apperr.New(apperr.KindBackpressure, "index worker queue is full")
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case t := <-c.queue:
			c.metrics.queueDepth.Set(float64(len(c.queue)))
			c.execute(t)
		}
	}
}

// execute implements spec.md §4.6's task execution protocol.
func (c *Coordinator) execute(t task) {
	c.activeCount.Add(1)
	c.metrics.activeTasks.Set(float64(c.activeCount.Load()))
	defer func() {
		c.activeCount.Add(-1)
		c.metrics.activeTasks.Set(float64(c.activeCount.Load()))
	}()

	ctx := context.Background()

	doc, err := c.repo.Get(ctx, t.userID, t.docID)
	if apperr.IsNotFound(err) {
		return
	}
	if err != nil {
		c.log.Errorw("index task: failed to re-read document", "doc_id", t.docID, "error", err)
		return
	}

	if doc.IndexState.TaskUUID == nil || *doc.IndexState.TaskUUID != t.taskUUID {
		return // superseded by a newer submission
	}

	workerID := uuid.NewString()[:8]

	chunkCount, err := c.idx.Reindex(ctx, t.userID, doc)
	if err != nil {
		now := time.Now()
		msg := err.Error()
		started := doc.IndexState.StartedAt
		casErr := c.repo.CompareAndSetIndexState(ctx, t.userID, t.docID, &t.taskUUID, domain.IndexState{
			Status:      domain.IndexStatusFailed,
			TaskUUID:    &t.taskUUID,
			WorkerID:    &workerID,
			StartedAt:   started,
			CompletedAt: &now,
			Error:       &msg,
		})
		if casErr == nil {
			c.metrics.outcomesTotal.WithLabelValues("failed").Inc()
		}
		c.log.Warnw("index task failed", "doc_id", t.docID, "task_uuid", t.taskUUID, "error", err)
		return
	}

	doc, err = c.repo.Get(ctx, t.userID, t.docID)
	if apperr.IsNotFound(err) {
		// reference policy (a): the document was removed mid-reindex; the
		// vectors we just inserted raced the deletion and must be
		// re-deleted defensively.
		_, _ = c.store.Delete(ctx, domain.VectorFilter{UserID: &t.userID, DocID: &t.docID})
		return
	}
	if err != nil {
		c.log.Errorw("index task: failed to re-read document after reindex", "doc_id", t.docID, "error", err)
		return
	}
	if doc.IndexState.TaskUUID == nil || *doc.IndexState.TaskUUID != t.taskUUID {
		return // superseded while we were reindexing; no write, no cleanup
	}

	now := time.Now()
	started := doc.IndexState.StartedAt
	casErr := c.repo.CompareAndSetIndexState(ctx, t.userID, t.docID, &t.taskUUID, domain.IndexState{
		Status:      domain.IndexStatusComplete,
		TaskUUID:    &t.taskUUID,
		WorkerID:    &workerID,
		StartedAt:   started,
		CompletedAt: &now,
	})
	if casErr == nil {
		c.metrics.outcomesTotal.WithLabelValues("completed").Inc()
		c.log.Infow("index task completed", "doc_id", t.docID, "task_uuid", t.taskUUID, "chunks", chunkCount)
	}
	// A CAS failure here means a newer submission already won the race;
	// exit silently per spec.md §4.6 step 6.
}

// CheckTimeoutTasks sweeps indexing rows whose started_at precedes
// now-timeout and transitions them to timeout, per spec.md §4.6.
func (c *Coordinator) CheckTimeoutTasks(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-c.timeout)
	rows, err := c.repo.ListIndexing(ctx, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStore, err, "list timed-out index tasks")
	}

	transitioned := 0
	for _, row := range rows {
		if row.IndexState.TaskUUID == nil {
			continue
		}
		now := time.Now()
		errMsg := "Task exceeded timeout limit"
		err := c.repo.CompareAndSetIndexState(ctx, row.UserID, row.ID, row.IndexState.TaskUUID, domain.IndexState{
			Status:      domain.IndexStatusTimeout,
			TaskUUID:    row.IndexState.TaskUUID,
			WorkerID:    row.IndexState.WorkerID,
			StartedAt:   row.IndexState.StartedAt,
			CompletedAt: &now,
			Error:       &errMsg,
		})
		if err == nil {
			transitioned++
			c.metrics.outcomesTotal.WithLabelValues("timeout").Inc()
		}
	}

	return transitioned, nil
}
