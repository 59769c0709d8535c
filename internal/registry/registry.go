// Package registry owns every per-asset order book for a session: a
// concurrent asset_id -> book.Book map, a per-asset mutation seam, and an
// opportunistic stale-book reaper. It is the only shared mutable state in
// the core; everything else (decode, wsfeed) borrows it by reference for
// the duration of applying one message.
package registry

import (
	"hash/maphash"
	"sync"

	"polybook/internal/book"
)

// Registry maps asset id to its book. The map itself is guarded by an
// RWMutex (many readers, one writer adding/removing entries); each Book
// guards its own state independently, so a writer mutating asset A never
// blocks a reader of asset B.
type Registry struct {
	mu       sync.RWMutex
	books    map[string]*book.Book
	hashSeed maphash.Seed
	maxDepth int
}

// New creates an empty registry. maxDepth bounds every book it creates.
func New(maxDepth int) *Registry {
	return &Registry{
		books:    make(map[string]*book.Book),
		hashSeed: maphash.MakeSeed(),
		maxDepth: maxDepth,
	}
}

// AssetHash returns a 64-bit hash of assetID for fast hot-path equality
// checks, per the data model's "registry also maintains a 64-bit hash"
// requirement.
func (r *Registry) AssetHash(assetID string) uint64 {
	var h maphash.Hash
	h.SetSeed(r.hashSeed)
	_, _ = h.WriteString(assetID)
	return h.Sum64()
}

// GetOrCreate returns the book for assetID, creating it (empty, sequence
// zero) on first observation, per the lifecycle rule in the data model.
func (r *Registry) GetOrCreate(assetID string) *book.Book {
	r.mu.RLock()
	b, ok := r.books[assetID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.books[assetID]; ok {
		return b
	}
	b = book.New(assetID, r.maxDepth)
	r.books[assetID] = b
	return b
}

// Get returns the book for assetID without creating one.
func (r *Registry) Get(assetID string) (*book.Book, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[assetID]
	return b, ok
}

// WithBookMut passes fn assetID's book, creating it if necessary. The
// registry's own lock is held only long enough to look up or create the
// entry, and no lock is held around fn itself: each Book method fn calls
// takes the book's own mutex and commits atomically, but two calls made by
// one fn are not atomic together, and two WithBookMut calls on the same
// asset may run their fn concurrently.
func (r *Registry) WithBookMut(assetID string, fn func(*book.Book) error) error {
	b := r.GetOrCreate(assetID)
	return fn(b)
}

// Snapshot returns a point-in-time copy of one book's state.
func (r *Registry) Snapshot(assetID string) (book.Snapshot, bool) {
	b, ok := r.Get(assetID)
	if !ok {
		return book.Snapshot{}, false
	}
	return b.Snapshot(), true
}

// AssetIDs returns every asset currently tracked by the registry.
func (r *Registry) AssetIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.books))
	for id := range r.books {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of books currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.books)
}

// CleanupStale drops every book whose timestamp is older than
// now-maxAgeMicros (both in microseconds since epoch). It is meant to be
// called opportunistically from the session loop, never from a hot-path
// message handler, and returns the number of books removed.
func (r *Registry) CleanupStale(nowMicros, maxAgeMicros uint64) int {
	r.mu.RLock()
	var stale []string
	for id, b := range r.books {
		if b.IsStale(nowMicros, maxAgeMicros) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, id := range stale {
		// Re-check under the write lock: the book may have received a
		// fresh update between the scan above and acquiring this lock.
		if b, ok := r.books[id]; ok && b.IsStale(nowMicros, maxAgeMicros) {
			delete(r.books, id)
			removed++
		}
	}
	return removed
}
