package cache

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github-mirror/internal/model"
	"github-mirror/internal/store"
)

// EntityState is an immutable snapshot of one collection. Every ID in the
// snapshot has both an entity and a SyncMeta.
type EntityState[T model.Entity] struct {
	byID    map[int64]T
	meta    map[int64]model.SyncMeta
	allIDs  []int64
	version uint64
}

func emptyState[T model.Entity](version uint64) *EntityState[T] {
	return &EntityState[T]{
		byID:    map[int64]T{},
		meta:    map[int64]model.SyncMeta{},
		version: version,
	}
}

func (s *EntityState[T]) Get(id int64) (T, bool) {
	v, ok := s.byID[id]
	return v, ok
}

func (s *EntityState[T]) Meta(id int64) (model.SyncMeta, bool) {
	m, ok := s.meta[id]
	return m, ok
}

// IDs returns entity IDs in insertion order.
func (s *EntityState[T]) IDs() []int64 {
	return slices.Clone(s.allIDs)
}

// All returns entities in insertion order.
func (s *EntityState[T]) All() []T {
	out := make([]T, 0, len(s.allIDs))
	for _, id := range s.allIDs {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *EntityState[T]) Len() int { return len(s.allIDs) }

// Version increases with every write to the collection.
func (s *EntityState[T]) Version() uint64 { return s.version }

// MetaPatch carries the response ETag into the metadata written by an upsert.
// An empty ETag keeps the previous one.
type MetaPatch struct {
	ETag string
}

// indexFunc extracts the indexed store columns from an entity.
type indexFunc[T model.Entity] func(T) (repositoryFullName, state string)

// Collection is a copy-on-write set of entities of one kind. Writers are
// serialized; readers load the current snapshot without locking.
type Collection[T model.Entity] struct {
	kind  model.Kind
	index indexFunc[T]
	now   func() time.Time
	w     *writer

	mu    sync.Mutex
	state atomic.Pointer[EntityState[T]]
}

func newCollection[T model.Entity](kind model.Kind, index indexFunc[T], now func() time.Time, w *writer) *Collection[T] {
	c := &Collection[T]{kind: kind, index: index, now: now, w: w}
	c.state.Store(emptyState[T](0))
	return c
}

// State returns the current snapshot.
func (c *Collection[T]) State() *EntityState[T] {
	return c.state.Load()
}

func (c *Collection[T]) Kind() model.Kind { return c.kind }

func (c *Collection[T]) UpsertOne(item T, patch MetaPatch) {
	c.UpsertMany([]T{item}, patch)
}

// UpsertMany replaces or inserts items as one snapshot swap and records a
// fresh fetch time for each of them.
func (c *Collection[T]) UpsertMany(items []T, patch MetaPatch) {
	c.upsert(items, patch, nil)
}

// UpsertMerged is UpsertMany where merge combines an incoming item with the
// cached one, if any, under the collection lock.
func (c *Collection[T]) UpsertMerged(items []T, patch MetaPatch, merge func(prev, next T) T) {
	c.upsert(items, patch, merge)
}

func (c *Collection[T]) upsert(items []T, patch MetaPatch, merge func(prev, next T) T) {
	if len(items) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.Load()
	next := &EntityState[T]{
		byID:    maps.Clone(prev.byID),
		meta:    maps.Clone(prev.meta),
		allIDs:  slices.Clone(prev.allIDs),
		version: prev.version + 1,
	}
	now := c.now()
	records := make([]store.Record, 0, len(items))
	for _, item := range items {
		id := item.EntityID()
		if prevItem, exists := next.byID[id]; !exists {
			next.allIDs = append(next.allIDs, id)
		} else if merge != nil {
			item = merge(prevItem, item)
		}
		meta := next.meta[id]
		if patch.ETag != "" {
			meta.ETag = patch.ETag
		}
		meta.LastFetchedAt = now
		meta.RemoteUpdatedAt = item.RemoteUpdatedAt()
		meta.IsFetching = false
		meta.LastError = ""

		next.byID[id] = item
		next.meta[id] = meta
		records = append(records, c.record(item, meta))
	}
	c.state.Store(next)
	c.w.putRecords(c.kind, records)
}

// SetFetching flags existing entities as in flight.
func (c *Collection[T]) SetFetching(ids []int64, fetching bool) {
	c.patchMeta(ids, func(m *model.SyncMeta) { m.IsFetching = fetching }, false)
}

// RecordError stores a failure on existing entities without touching their data.
func (c *Collection[T]) RecordError(ids []int64, err error) {
	msg := err.Error()
	c.patchMeta(ids, func(m *model.SyncMeta) {
		m.LastError = msg
		m.IsFetching = false
	}, true)
}

func (c *Collection[T]) patchMeta(ids []int64, fn func(*model.SyncMeta), persist bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.Load()
	changed := false
	nextMeta := maps.Clone(prev.meta)
	var records []store.Record
	for _, id := range ids {
		m, ok := nextMeta[id]
		if !ok {
			continue
		}
		fn(&m)
		nextMeta[id] = m
		changed = true
		if persist {
			records = append(records, c.record(prev.byID[id], m))
		}
	}
	if !changed {
		return
	}
	c.state.Store(&EntityState[T]{
		byID:    prev.byID,
		meta:    nextMeta,
		allIDs:  prev.allIDs,
		version: prev.version + 1,
	})
	if persist {
		c.w.putRecords(c.kind, records)
	}
}

// GetByIDs returns the entities present in the cache, in the order asked.
func (c *Collection[T]) GetByIDs(ids []int64) []T {
	s := c.state.Load()
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.byID[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

// PurgeStale removes entities not fetched since threshold ago and returns their IDs.
func (c *Collection[T]) PurgeStale(threshold time.Duration) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.Load()
	cutoff := c.now().Add(-threshold)
	var purged []int64
	for _, id := range prev.allIDs {
		if prev.meta[id].LastFetchedAt.Before(cutoff) {
			purged = append(purged, id)
		}
	}
	if len(purged) == 0 {
		return nil
	}

	next := &EntityState[T]{
		byID:    maps.Clone(prev.byID),
		meta:    maps.Clone(prev.meta),
		allIDs:  make([]int64, 0, len(prev.allIDs)-len(purged)),
		version: prev.version + 1,
	}
	for _, id := range purged {
		delete(next.byID, id)
		delete(next.meta, id)
	}
	for _, id := range prev.allIDs {
		if _, ok := next.byID[id]; ok {
			next.allIDs = append(next.allIDs, id)
		}
	}
	c.state.Store(next)
	c.w.deleteRecords(c.kind, purged)
	return purged
}

// Clear empties the collection in memory only; the Cache clears the store.
func (c *Collection[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Collection[T]) clearLocked() {
	c.state.Store(emptyState[T](c.state.Load().version + 1))
}

// restore installs records loaded from the store, skipping undecodable rows.
func (c *Collection[T]) restore(records []store.Record) (skipped int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.Load()
	next := emptyState[T](prev.version + 1)
	for _, r := range records {
		var item T
		if err := json.Unmarshal(r.Payload, &item); err != nil {
			skipped++
			continue
		}
		id := item.EntityID()
		if _, exists := next.byID[id]; !exists {
			next.allIDs = append(next.allIDs, id)
		}
		next.byID[id] = item
		meta := r.Meta
		meta.IsFetching = false
		next.meta[id] = meta
	}
	c.state.Store(next)
	return skipped
}

func (c *Collection[T]) record(item T, meta model.SyncMeta) store.Record {
	payload, _ := json.Marshal(item)
	repo, state := c.index(item)
	return store.Record{
		ID:                 item.EntityID(),
		RepositoryFullName: repo,
		State:              state,
		UpdatedAt:          item.RemoteUpdatedAt(),
		Payload:            payload,
		Meta:               meta,
	}
}
