package distworker

import "container/list"

// DefaultRetryCacheMaxSize is the default entry cap for RetryCache.
const DefaultRetryCacheMaxSize = 100

// DefaultRetryCacheMaxCount is the default number of sightings an entry
// survives before anti-affinity is released for it.
const DefaultRetryCacheMaxCount = 10

// RetryCache tracks retry-IDs this worker has itself resubmitted, so the
// main loop can bounce them back to the broker rather than re-running a
// task on the same worker that just failed it. It is worker-local,
// single-threaded (consulted only from the main loop goroutine), and
// requires no locking.
//
// Eviction is FIFO by insertion order — independent of how many times an
// entry has been looked up — so "oldest" is unambiguous regardless of
// touch count (see DESIGN.md, Open Question on eviction ordering).
type RetryCache struct {
	maxSize  int
	maxCount int

	order *list.List               // FIFO of retry IDs, oldest at Front
	elems map[string]*list.Element // retryID -> its element in order
	count map[string]int           // retryID -> lookup count
}

// NewRetryCache creates a RetryCache with the given capacity and
// max-sightings threshold.
func NewRetryCache(maxSize, maxCount int) *RetryCache {
	if maxSize <= 0 {
		maxSize = DefaultRetryCacheMaxSize
	}
	if maxCount <= 0 {
		maxCount = DefaultRetryCacheMaxCount
	}
	return &RetryCache{
		maxSize:  maxSize,
		maxCount: maxCount,
		order:    list.New(),
		elems:    make(map[string]*list.Element),
		count:    make(map[string]int),
	}
}

// Put inserts retryID with a fresh sighting count of 0. If the cache is
// at capacity, the oldest-inserted entry is evicted first.
func (c *RetryCache) Put(retryID string) {
	if _, exists := c.elems[retryID]; exists {
		return
	}
	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		if oldest != nil {
			id := oldest.Value.(string)
			c.order.Remove(oldest)
			delete(c.elems, id)
			delete(c.count, id)
		}
	}
	elem := c.order.PushBack(retryID)
	c.elems[retryID] = elem
	c.count[retryID] = 0
}

// Get reports whether retryID is present (anti-affinity active). Each
// present lookup increments the entry's sighting count; once the count
// exceeds maxCount, the entry is evicted after this call returns true —
// so sighting maxCount+1 is the last one that bounces, guaranteeing
// eventual progress when the whole fleet keeps bouncing the same task
// back to this worker.
func (c *RetryCache) Get(retryID string) bool {
	elem, ok := c.elems[retryID]
	if !ok {
		return false
	}
	c.count[retryID]++
	if c.count[retryID] > c.maxCount {
		c.order.Remove(elem)
		delete(c.elems, retryID)
		delete(c.count, retryID)
	}
	return true
}

// Len returns the current number of entries.
func (c *RetryCache) Len() int {
	return c.order.Len()
}
