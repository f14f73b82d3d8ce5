package archiver

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/readerarchive/internal/model"
)

// RunContext holds the state of one archival run that workers share: the
// items the server no longer has, the items given up on, and byte counts.
// It is safe for concurrent use and must not be reused across runs.
type RunContext struct {
	ID      string
	Started time.Time

	mu      sync.Mutex
	missing map[model.ItemID]struct{}
	dropped map[model.ItemID]struct{}

	bytesWritten atomic.Int64
}

// NewRunContext starts a run with a fresh ID.
func NewRunContext() *RunContext {
	return &RunContext{
		ID:      uuid.NewString(),
		Started: time.Now(),
		missing: map[model.ItemID]struct{}{},
		dropped: map[model.ItemID]struct{}{},
	}
}

// Logger returns a logger tagged with the run ID.
func (r *RunContext) Logger() *log.Entry {
	return log.WithField("run", r.ID)
}

// IsKnownMissing implements api.MissingItemRecorder.
func (r *RunContext) IsKnownMissing(id model.ItemID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.missing[id]
	return ok
}

// RecordMissing implements api.MissingItemRecorder.
func (r *RunContext) RecordMissing(ids ...model.ItemID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.missing[id] = struct{}{}
	}
}

// RecordDropped notes items whose bodies could not be fetched at any fidelity.
func (r *RunContext) RecordDropped(ids ...model.ItemID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.dropped[id] = struct{}{}
	}
}

// MissingItemIDs returns the sorted IDs reported missing so far.
func (r *RunContext) MissingItemIDs() []model.ItemID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedSet(r.missing)
}

// DroppedItemIDs returns the sorted IDs dropped so far.
func (r *RunContext) DroppedItemIDs() []model.ItemID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedSet(r.dropped)
}

// AddBytes counts bytes written to the archive.
func (r *RunContext) AddBytes(n int64) {
	r.bytesWritten.Add(n)
}

// BytesWritten returns the bytes written so far.
func (r *RunContext) BytesWritten() int64 {
	return r.bytesWritten.Load()
}

func sortedSet(set map[model.ItemID]struct{}) []model.ItemID {
	ids := make([]model.ItemID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Sort(model.ItemIDs(ids))
	return ids
}
