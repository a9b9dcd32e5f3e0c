package coordinator

import (
	"sort"
	"sync"
)

// registryKey scopes device ids by entry. The totals coordinator uses the
// plant id, which two entries for the same plant share.
type registryKey struct {
	entryID  string
	deviceID string
}

// Registry holds every active coordinator, keyed by entry and device id. Setup
// adds to it, possibly later than startup when setup was deferred, and unload
// removes an entry's coordinators again.
type Registry struct {
	mu           sync.RWMutex
	coordinators map[registryKey]*Coordinator
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{coordinators: make(map[registryKey]*Coordinator)}
}

func keyOf(c *Coordinator) registryKey {
	return registryKey{entryID: c.EntryID(), deviceID: c.ID()}
}

// Add registers c, replacing any coordinator of the same entry and id.
func (r *Registry) Add(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coordinators[keyOf(c)] = c
}

// Get returns the coordinator for deviceID of entryID.
func (r *Registry) Get(entryID, deviceID string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coordinators[registryKey{entryID: entryID, deviceID: deviceID}]
	return c, ok
}

// Remove unregisters c. A different coordinator registered under the same
// entry and id since is left alone.
func (r *Registry) Remove(c *Coordinator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(c)
	if cur, ok := r.coordinators[k]; !ok || cur != c {
		return false
	}
	delete(r.coordinators, k)
	return true
}

// RemoveEntry unregisters every coordinator of entryID and returns how many
// were removed.
func (r *Registry) RemoveEntry(entryID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for k := range r.coordinators {
		if k.entryID == entryID {
			delete(r.coordinators, k)
			n++
		}
	}
	return n
}

// All returns the coordinators sorted by entry and then id.
func (r *Registry) All() []*Coordinator {
	r.mu.RLock()
	all := make([]*Coordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		all = append(all, c)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].EntryID() != all[j].EntryID() {
			return all[i].EntryID() < all[j].EntryID()
		}
		return all[i].ID() < all[j].ID()
	})
	return all
}
