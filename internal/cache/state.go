package cache

import (
	"sort"
	"sync"

	"github.com/tazhate/groupcal/internal/domain"
)

// Status is the load state of one month key.
type Status int

const (
	Unloaded Status = iota
	Loading
	Loaded
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// CacheState tracks Unloaded -> Loading -> Loaded per month key. A failed
// load goes back to Unloaded; there is no error state. It is owned by a
// Store and handed to the components that drive loads.
type CacheState struct {
	mu     sync.Mutex
	status map[domain.MonthKey]Status
}

func newCacheState() *CacheState {
	return &CacheState{status: make(map[domain.MonthKey]Status)}
}

// Status returns the state of key.
func (c *CacheState) Status(key domain.MonthKey) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[key]
}

// BeginLoad moves key to Loading. It returns false when a load for key is
// already in flight, so callers can coalesce duplicate fetches.
func (c *CacheState) BeginLoad(key domain.MonthKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status[key] == Loading {
		return false
	}
	c.status[key] = Loading
	return true
}

// FailLoad returns key to Unloaded after a failed fetch.
func (c *CacheState) FailLoad(key domain.MonthKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status[key] == Loading {
		delete(c.status, key)
	}
}

func (c *CacheState) markLoaded(key domain.MonthKey) {
	c.mu.Lock()
	c.status[key] = Loaded
	c.mu.Unlock()
}

func (c *CacheState) markUnloaded(key domain.MonthKey) {
	c.mu.Lock()
	delete(c.status, key)
	c.mu.Unlock()
}

func (c *CacheState) reset() {
	c.mu.Lock()
	c.status = make(map[domain.MonthKey]Status)
	c.mu.Unlock()
}

// LoadedMonths returns the keys currently Loaded, ascending.
func (c *CacheState) LoadedMonths() []domain.MonthKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.MonthKey, 0, len(c.status))
	for k, s := range c.status {
		if s == Loaded {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
