package memory

import (
	"hash/fnv"
	"sync"
)

// DefaultSearchCacheShards is the number of lock stripes of the search cache.
const DefaultSearchCacheShards = 16

type searchKey struct {
	query string
	limit int
}

// userResults holds one user's cached searches. gen increases on every
// invalidation so a search that started before a write cannot store its
// stale results after it.
type userResults struct {
	gen     uint64
	entries map[searchKey][]Memory
}

type searchShard struct {
	mu    sync.RWMutex
	users map[string]*userResults
}

// searchCache memoizes search results per (user, query, limit). Users are
// spread over independently locked shards, so invalidating one user never
// waits on another user's lookups in a different shard.
type searchCache struct {
	shards []*searchShard
}

func newSearchCache(shards int) *searchCache {
	if shards <= 0 {
		shards = DefaultSearchCacheShards
	}
	c := &searchCache{shards: make([]*searchShard, shards)}
	for i := range c.shards {
		c.shards[i] = &searchShard{users: make(map[string]*userResults)}
	}
	return c
}

func (c *searchCache) shard(userID string) *searchShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *searchCache) get(userID, query string, limit int) ([]Memory, bool) {
	s := c.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, false
	}
	res, ok := u.entries[searchKey{query, limit}]
	if !ok {
		return nil, false
	}
	return cloneMemories(res), true
}

// generation returns the user's current invalidation counter.
func (c *searchCache) generation(userID string) uint64 {
	s := c.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[userID]; ok {
		return u.gen
	}
	return 0
}

// put stores results computed while the user was at generation gen. It is
// dropped if the user has been invalidated since.
func (c *searchCache) put(userID, query string, limit int, gen uint64, results []Memory) bool {
	s := c.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &userResults{}
		s.users[userID] = u
	}
	if u.gen != gen {
		return false
	}
	if u.entries == nil {
		u.entries = make(map[searchKey][]Memory)
	}
	u.entries[searchKey{query, limit}] = cloneMemories(results)
	return true
}

// invalidate drops every cached search of the user and returns how many
// entries were removed.
func (c *searchCache) invalidate(userID string) int {
	s := c.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		s.users[userID] = &userResults{gen: 1}
		return 0
	}
	n := len(u.entries)
	u.gen++
	u.entries = nil
	return n
}

// len returns the number of cached searches across all users.
func (c *searchCache) len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		for _, u := range s.users {
			total += len(u.entries)
		}
		s.mu.RUnlock()
	}
	return total
}

func cloneMemories(in []Memory) []Memory {
	out := make([]Memory, len(in))
	copy(out, in)
	return out
}
