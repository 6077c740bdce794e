package api

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	// DefaultStoreSize bounds how many finished stories are kept in memory.
	DefaultStoreSize = 256
	// DefaultStoreTTL is how long a story stays retrievable.
	DefaultStoreTTL = time.Hour
)

// StoryStore keeps recently generated stories in memory so they can be
// fetched again by id. Entries expire after the TTL and the oldest entry is
// evicted once the store is full.
type StoryStore struct {
	cache *ttlcache.Cache[string, Story]
}

func NewStoryStore(limit int, ttl time.Duration) *StoryStore {
	if limit <= 0 {
		limit = DefaultStoreSize
	}
	if ttl <= 0 {
		ttl = DefaultStoreTTL
	}
	c := ttlcache.New[string, Story](
		ttlcache.WithTTL[string, Story](ttl),
		ttlcache.WithCapacity[string, Story](uint64(limit)),
		ttlcache.WithDisableTouchOnHit[string, Story](),
	)
	return &StoryStore{cache: c}
}

func (s *StoryStore) Put(story Story) {
	s.cache.DeleteExpired()
	s.cache.Set(story.ID, story, ttlcache.DefaultTTL)
}

func (s *StoryStore) Get(id string) (Story, bool) {
	item := s.cache.Get(id)
	if item == nil {
		return Story{}, false
	}
	return item.Value(), true
}

func (s *StoryStore) Delete(id string) bool {
	_, ok := s.cache.GetAndDelete(id)
	return ok
}

func (s *StoryStore) Len() int {
	s.cache.DeleteExpired()
	return s.cache.Len()
}
