package store

import (
	"context"
	"sync"
	"time"

	"github.com/efebarandurmaz/mnemo/internal/similarity"
)

// MemoryStore keeps records in process memory for the lifetime of the
// process. Search is a linear scan of the user's records.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
	now     func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Insert(ctx context.Context, userID, prompt, reply string, embedding []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", opErr(s.Name(), "insert", err)
	}
	vec := make([]float32, len(embedding))
	copy(vec, embedding)

	s.mu.Lock()
	defer s.mu.Unlock()
	id := RecordID(userID, len(s.records[userID])+1)
	s.records[userID] = append(s.records[userID], Record{
		ID:        id,
		UserID:    userID,
		Prompt:    prompt,
		Reply:     reply,
		Embedding: vec,
		CreatedAt: s.now(),
	})
	return id, nil
}

func (s *MemoryStore) Search(ctx context.Context, userID string, query []float32, limit int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, opErr(s.Name(), "search", err)
	}

	s.mu.RLock()
	recs := s.records[userID]
	cands := make([]similarity.Candidate[Record], len(recs))
	for i, r := range recs {
		cands[i] = similarity.Candidate[Record]{Item: r, Vector: r.Embedding}
	}
	s.mu.RUnlock()

	return toHits(similarity.TopK(query, cands, limit)), nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, opErr(s.Name(), "delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records[userID])
	delete(s.records, userID)
	return n, nil
}

// Count returns the number of records held for userID.
func (s *MemoryStore) Count(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[userID])
}

func (s *MemoryStore) Close() error { return nil }

func toHits(scored []similarity.Scored[Record]) []Hit {
	hits := make([]Hit, len(scored))
	for i, sc := range scored {
		hits[i] = Hit{
			ID:     sc.Item.ID,
			Prompt: sc.Item.Prompt,
			Reply:  sc.Item.Reply,
			Score:  sc.Score,
		}
	}
	return hits
}

var _ Store = (*MemoryStore)(nil)
