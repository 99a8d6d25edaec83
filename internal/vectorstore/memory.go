package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/fabfab/kbrag/internal/domain"
)

// MemoryStore is an in-process VectorStore used by indexer/coordinator/
// pipeline tests to exercise §8's convergence and isolation invariants
// without a live Postgres+pgvector instance.
type MemoryStore struct {
	mu      sync.Mutex
	records []domain.VectorRecord
	nextPK  int64
	dim     int
}

// NewMemoryStore constructs an empty MemoryStore for the given dimension.
func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{dim: dim}
}

func (s *MemoryStore) EnsureCollection(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dim = dim
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, records []domain.VectorRecord) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pks := make([]int64, 0, len(records))
	for _, rec := range records {
		s.nextPK++
		rec.PK = s.nextPK
		s.records = append(s.records, rec)
		pks = append(pks, rec.PK)
	}
	return pks, nil
}

func (s *MemoryStore) Search(ctx context.Context, queryVec []float32, topK int, filter domain.VectorFilter) ([]domain.VectorHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if topK <= 0 {
		topK = 5
	}

	var hits []domain.VectorHit
	for _, rec := range s.records {
		if !matches(rec, filter) {
			continue
		}
		hits = append(hits, domain.VectorHit{Record: rec, Distance: l2Distance(queryVec, rec.Embedding)})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Record.PK < hits[j].Record.PK
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryStore) Delete(ctx context.Context, filter domain.VectorFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var deleted int64
	for _, rec := range s.records {
		if matches(rec, filter) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return deleted, nil
}

func (s *MemoryStore) Close() {}

func matches(rec domain.VectorRecord, filter domain.VectorFilter) bool {
	if filter.UserID != nil && rec.Metadata.UserID != *filter.UserID {
		return false
	}
	if filter.DocID != nil && rec.Metadata.DocID != *filter.DocID {
		return false
	}
	if filter.KBID != nil && rec.Metadata.KBID != *filter.KBID {
		return false
	}
	return true
}

func l2Distance(a, b []float32) float32 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}
