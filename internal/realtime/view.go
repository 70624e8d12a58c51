package realtime

import (
	"sync"
	"time"

	"docdraft/internal/store"
)

type viewEntry struct {
	holder   string
	lockedAt time.Time
}

// LeaseView is the client's picture of the leases on its current branch.
// Expiry is applied when the view is read.
type LeaseView struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	leases map[string]viewEntry
}

func newLeaseView(ttl time.Duration, now func() time.Time) *LeaseView {
	return &LeaseView{ttl: ttl, now: now, leases: make(map[string]viewEntry)}
}

func (v *LeaseView) Holder(filePath string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.leases[filePath]
	if !ok || !store.IsLive(entry.lockedAt, v.now(), v.ttl) {
		return "", false
	}
	return entry.holder, true
}

// Holders returns file path -> holder for every live lease.
func (v *LeaseView) Holders() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	out := make(map[string]string, len(v.leases))
	for path, entry := range v.leases {
		if store.IsLive(entry.lockedAt, now, v.ttl) {
			out[path] = entry.holder
		}
	}
	return out
}

// set records row's lease. With onlyIfAbsent it leaves paths already
// updated by a newer event alone.
func (v *LeaseView) set(row store.Row, onlyIfAbsent bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.leases[row.FilePath]; exists && onlyIfAbsent {
		return
	}
	if row.LockedBy == "" || row.LockedAt == nil {
		if !onlyIfAbsent {
			delete(v.leases, row.FilePath)
		}
		return
	}
	v.leases[row.FilePath] = viewEntry{holder: row.LockedBy, lockedAt: *row.LockedAt}
}

func (v *LeaseView) remove(filePath string) {
	v.mu.Lock()
	delete(v.leases, filePath)
	v.mu.Unlock()
}

func (v *LeaseView) reset() {
	v.mu.Lock()
	v.leases = make(map[string]viewEntry)
	v.mu.Unlock()
}
