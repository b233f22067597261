package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
	"github.com/Aadthiyan/CipherCare-Chat-sub000/pkg/fn"
)

// Memory is an in-memory Conn used in tests and single-node development.
// It has no server-side patient filtering, so filtered queries take the
// over-fetch-then-filter path.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]SealedRecord
}

// NewMemory creates an empty in-memory shard.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]SealedRecord)}
}

// EnsureCollection implements Conn.
func (m *Memory) EnsureCollection(_ context.Context, collection string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = make(map[string]SealedRecord)
	}
	return nil
}

// Upsert implements Conn. Replaying a batch leaves state unchanged.
func (m *Memory) Upsert(_ context.Context, collection string, records []SealedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return &domain.DatabaseError{Shard: collection, Op: "upsert", Err: errNoCollection(collection)}
	}
	for _, r := range records {
		c[r.ID()] = r
	}
	return nil
}

// Query implements Conn. Ranking uses cosine similarity. With a patient
// filter, it ranks OverFetchK(topK) candidates globally, filters, then
// truncates to topK.
func (m *Memory) Query(_ context.Context, collection string, vector []float32, topK int, patientFilter string) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, &domain.DatabaseError{Shard: collection, Op: "query", Err: errNoCollection(collection)}
	}

	fetchK := topK
	if patientFilter != "" {
		fetchK = OverFetchK(topK)
	}

	hits := make([]Hit, 0, len(c))
	for _, r := range c {
		hits = append(hits, Hit{Record: r, Score: Cosine(vector, r.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ID() < hits[j].Record.ID()
	})
	if len(hits) > fetchK {
		hits = hits[:fetchK]
	}

	if patientFilter != "" {
		hits = fn.Filter(hits, func(h Hit) bool {
			return h.Record.PatientID() == patientFilter
		})
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Count returns the number of records in a collection.
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

// Close implements Conn.
func (m *Memory) Close() error { return nil }

type errNoCollection string

func (e errNoCollection) Error() string { return "collection " + string(e) + " does not exist" }

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
