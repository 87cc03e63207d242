package device

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// keyedMutex hands out one mutex per device ID.
//
// Entries are reference counted and removed when the last holder or waiter
// releases them, so the table only holds IDs with work in flight. The
// increment and decrement run inside the map's shard lock, which keeps the
// lookup-or-create and the last-release removal atomic.
type keyedMutex struct {
	entries cmap.ConcurrentMap[string, *refMutex]
}

type refMutex struct {
	mu   sync.Mutex
	refs int // guarded by the owning shard lock
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: cmap.New[*refMutex]()}
}

// Lock blocks until the caller holds key and returns the function that
// releases it. The release function must be called exactly once.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	rm := k.entries.Upsert(key, nil, func(exists bool, current, _ *refMutex) *refMutex {
		if !exists {
			current = &refMutex{}
		}
		current.refs++
		return current
	})

	rm.mu.Lock()

	return func() {
		rm.mu.Unlock()
		k.entries.RemoveCb(key, func(_ string, current *refMutex, exists bool) bool {
			if !exists {
				return false
			}
			current.refs--
			return current.refs == 0
		})
	}
}

// Len returns the number of IDs currently locked or waited on.
func (k *keyedMutex) Len() int {
	return k.entries.Count()
}
