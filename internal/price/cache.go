package price

import (
	"sync"
	"time"

	"github.com/mtlprog/resolver/internal/domain"
)

type cacheEntry struct {
	quote      domain.PriceQuote
	insertedAt time.Time
}

// store is an RWMutex-protected map of whole entries. Readers observe either
// the previous or the replacing entry, never a partial one.
type store struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newStore() *store {
	return &store{
		entries: make(map[string]cacheEntry),
	}
}

func (s *store) fresh(key string, now time.Time, ttl time.Duration) (domain.PriceQuote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || now.Sub(entry.insertedAt) >= ttl {
		return domain.PriceQuote{}, false
	}
	return entry.quote, true
}

func (s *store) any(key string) (cacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	return entry, ok
}

func (s *store) set(key string, quote domain.PriceQuote, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = cacheEntry{
		quote:      quote,
		insertedAt: now,
	}
}

func (s *store) setAll(quotes map[string]domain.PriceQuote, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, q := range quotes {
		s.entries[key] = cacheEntry{quote: q, insertedAt: now}
	}
}
