package digitree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gotchoices/fret/internal/relevance"
	"github.com/gotchoices/fret/internal/ringspace"
)

// slot is one position in the coordinate-sorted index.
type slot struct {
	id    string
	coord ringspace.Coord
}

// Store is the Digitree: one per service instance, owned exclusively by
// it (§5). It does no locking of its own, so calls must not run
// concurrently; every accessor returns a copy, so callers never hold a
// pointer into the store.
type Store struct {
	selfID    string
	selfCoord ringspace.Coord
	capacity  int
	mSide     int
	model     *relevance.Model
	now       func() int64

	byID  map[string]*Entry
	order []slot // sorted by (coord, id); len(order) == len(byID)
}

// New creates a Digitree seeded with self. Self is always present in its
// own store (§3 Lifecycle) and is never evicted: ProtectedIDsAround
// always adds selfID to the protected set that enforceCapacity skips.
func New(selfID string, selfCoord ringspace.Coord, capacity, mSide int, model *relevance.Model, nowFunc func() int64) *Store {
	if capacity < 1 {
		capacity = 1
	}
	if mSide < 1 {
		mSide = 1
	}
	s := &Store{
		selfID:    selfID,
		selfCoord: selfCoord,
		capacity:  capacity,
		mSide:     mSide,
		model:     model,
		now:       nowFunc,
		byID:      make(map[string]*Entry),
	}
	s.Upsert(selfID, selfCoord)
	return s
}

func slotLess(a, b slot) bool {
	if c := ringspace.Compare(a.coord, b.coord); c != 0 {
		return c < 0
	}
	return a.id < b.id
}

func (s *Store) findIndex(id string, coord ringspace.Coord) (int, bool) {
	probe := slot{id: id, coord: coord}
	i := sort.Search(len(s.order), func(i int) bool { return !slotLess(s.order[i], probe) })
	if i < len(s.order) && s.order[i].id == id && s.order[i].coord == coord {
		return i, true
	}
	return i, false
}

func (s *Store) insertSlot(sl slot) {
	i := sort.Search(len(s.order), func(i int) bool { return !slotLess(s.order[i], sl) })
	s.order = append(s.order, slot{})
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = sl
}

func (s *Store) removeSlotAt(i int) {
	s.order = append(s.order[:i], s.order[i+1:]...)
}

// Upsert creates an entry if id is unseen, otherwise returns the existing
// one unchanged. Capacity is enforced afterward (§4.2 Eviction).
func (s *Store) Upsert(id string, coord ringspace.Coord) Entry {
	if e, ok := s.byID[id]; ok {
		return e.clone()
	}
	e := &Entry{ID: id, Coord: coord, State: Disconnected}
	s.byID[id] = e
	s.insertSlot(slot{id: id, coord: coord})
	if id != s.selfID {
		s.enforceCapacity()
	}
	// id may have been evicted immediately if capacity is pathologically
	// small; look it up again so the snapshot we return reflects reality.
	if cur, ok := s.byID[id]; ok {
		return cur.clone()
	}
	return *e
}

// Remove deletes id from the store (explicit leave notice, import
// replacement). Removing an id that isn't present is a no-op.
func (s *Store) Remove(id string) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	if i, found := s.findIndex(id, e.Coord); found {
		s.removeSlotAt(i)
	}
	delete(s.byID, id)
}

// Update applies patch to a copy of the stored entry and writes it back,
// never mutating a caller-visible Entry in place (§5).
func (s *Store) Update(id string, patch func(*Entry)) error {
	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("digitree: unknown id %q", id)
	}
	cp := e.clone()
	patch(&cp)
	cp.ID = id
	cp.Coord = e.Coord
	s.byID[id] = &cp
	return nil
}

// GetByID returns a read-only snapshot of id's entry.
func (s *Store) GetByID(id string) (Entry, bool) {
	e, ok := s.byID[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), ok
}

// List returns a snapshot of every entry, in coordinate order (I5).
func (s *Store) List() []Entry {
	out := make([]Entry, 0, len(s.order))
	for _, sl := range s.order {
		out = append(out, s.byID[sl.id].clone())
	}
	return out
}

// Size returns the number of entries currently stored.
func (s *Store) Size() int { return len(s.byID) }

// SelfID returns the identifier this store was constructed with.
func (s *Store) SelfID() string { return s.selfID }

// SelfCoord returns the ring coordinate this store was constructed with.
func (s *Store) SelfCoord() ringspace.Coord { return s.selfCoord }

// SetState flips an entry's liveness.
func (s *Store) SetState(id string, state State) error {
	return s.Update(id, func(e *Entry) { e.State = state })
}

// Touch applies the relevance model's recency/frequency nudge (§4.3).
func (s *Store) Touch(id string) error {
	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("digitree: unknown id %q", id)
	}
	cp := e.clone()
	x := ringspace.NormalizedLogDistance(s.selfCoord, cp.Coord)
	s.model.Touch(&cp.Entry, s.now(), x)
	s.byID[id] = &cp
	return nil
}

// RecordSuccess applies the relevance model's success nudge.
func (s *Store) RecordSuccess(id string, latencyMs float64) error {
	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("digitree: unknown id %q", id)
	}
	cp := e.clone()
	x := ringspace.NormalizedLogDistance(s.selfCoord, cp.Coord)
	s.model.RecordSuccess(&cp.Entry, latencyMs, x)
	s.byID[id] = &cp
	return nil
}

// RecordFailure applies the relevance model's failure penalty.
func (s *Store) RecordFailure(id string) error {
	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("digitree: unknown id %q", id)
	}
	cp := e.clone()
	x := ringspace.NormalizedLogDistance(s.selfCoord, cp.Coord)
	s.model.RecordFailure(&cp.Entry, x)
	s.byID[id] = &cp
	return nil
}

// NeighborsRight returns up to k ids in strictly increasing coordinate
// order starting at the first entry whose coordinate is >= coord,
// wrapping past the ring's maximum back to its minimum.
func (s *Store) NeighborsRight(coord ringspace.Coord, k int) []Entry {
	return s.walk(coord, k, true)
}

// NeighborsLeft mirrors NeighborsRight in decreasing order.
func (s *Store) NeighborsLeft(coord ringspace.Coord, k int) []Entry {
	return s.walk(coord, k, false)
}

func (s *Store) walk(coord ringspace.Coord, k int, right bool) []Entry {
	n := len(s.order)
	if n == 0 || k <= 0 {
		return nil
	}
	start := sort.Search(n, func(i int) bool { return ringspace.Compare(s.order[i].coord, coord) >= 0 })
	out := make([]Entry, 0, k)
	if right {
		for i := 0; i < n && len(out) < k; i++ {
			idx := (start + i) % n
			out = append(out, s.byID[s.order[idx].id].clone())
		}
		return out
	}
	// Left walk: the element just before `start` is the first strictly
	// less than coord; walk backward from there, wrapping to n-1.
	for i := 0; i < n && len(out) < k; i++ {
		idx := ((start-1-i)%n + n) % n
		out = append(out, s.byID[s.order[idx].id].clone())
	}
	return out
}

// SuccessorOfCoord returns the nearest entry at or after coord.
func (s *Store) SuccessorOfCoord(coord ringspace.Coord) (Entry, bool) {
	res := s.NeighborsRight(coord, 1)
	if len(res) == 0 {
		return Entry{}, false
	}
	return res[0], true
}

// PredecessorOfCoord returns the nearest entry strictly before coord.
func (s *Store) PredecessorOfCoord(coord ringspace.Coord) (Entry, bool) {
	res := s.NeighborsLeft(coord, 1)
	if len(res) == 0 {
		return Entry{}, false
	}
	return res[0], true
}

// ProtectedIDsAround returns the union of the m nearest-right and m
// nearest-left ids of probe — the current S/P set, which capacity
// eviction never removes (I3).
func (s *Store) ProtectedIDsAround(probe ringspace.Coord, m int) map[string]bool {
	if m < 1 {
		m = 1
	}
	protected := make(map[string]bool, 2*m)
	for _, e := range s.NeighborsRight(probe, m) {
		protected[e.ID] = true
	}
	for _, e := range s.NeighborsLeft(probe, m) {
		protected[e.ID] = true
	}
	protected[s.selfID] = true
	return protected
}

// enforceCapacity removes lowest-relevance, non-protected entries until
// size <= capacity. Synchronous and idempotent (§4.2).
func (s *Store) enforceCapacity() {
	if len(s.byID) <= s.capacity {
		return
	}
	m := s.mSide
	if m < 2 {
		m = 2
	}
	protected := s.ProtectedIDsAround(s.selfCoord, m)

	for len(s.byID) > s.capacity {
		var victim string
		var victimRelevance float64
		found := false
		for id, e := range s.byID {
			if protected[id] {
				continue
			}
			if !found || e.Relevance < victimRelevance {
				victim = id
				victimRelevance = e.Relevance
				found = true
			}
		}
		if !found {
			// Every remaining entry is protected; capacity cannot be
			// enforced further without violating I3.
			return
		}
		s.Remove(victim)
	}
}

// ExportEntries returns a JSON-safe copy of every entry (§4.2
// Serialization). Export returns freshly copied records (§5).
func (s *Store) ExportEntries() []SerializedEntry {
	out := make([]SerializedEntry, 0, len(s.order))
	for _, sl := range s.order {
		e := s.byID[sl.id]
		out = append(out, SerializedEntry{
			ID:           e.ID,
			Coord:        e.Coord.String(),
			Relevance:    e.Relevance,
			LastAccessMs: e.LastAccessMs,
			State:        e.State.String(),
			AccessCount:  e.AccessCount,
			SuccessCount: e.SuccessCount,
			FailureCount: e.FailureCount,
			AvgLatencyMs: e.AvgLatencyMs,
			Metadata:     e.Metadata,
		})
	}
	return out
}

// ImportEntries re-inserts every record, forcing State = Disconnected
// (I4) regardless of the exported value, then enforces capacity. Returns
// the count inserted. Records with an unparseable coordinate are skipped.
func (s *Store) ImportEntries(entries []SerializedEntry) int {
	count := 0
	for _, rec := range entries {
		coord, err := ringspace.Parse(rec.Coord)
		if err != nil {
			continue
		}
		if _, exists := s.byID[rec.ID]; !exists {
			s.byID[rec.ID] = &Entry{ID: rec.ID, Coord: coord}
			s.insertSlot(slot{id: rec.ID, coord: coord})
		}
		meta := rec.Metadata
		if meta != nil {
			m := make(map[string]string, len(meta))
			for k, v := range meta {
				m[k] = v
			}
			meta = m
		}
		s.byID[rec.ID] = &Entry{
			ID:    rec.ID,
			Coord: coord,
			State: Disconnected,
			Entry: relevance.Entry{
				Relevance:    rec.Relevance,
				LastAccessMs: rec.LastAccessMs,
				AccessCount:  rec.AccessCount,
				SuccessCount: rec.SuccessCount,
				FailureCount: rec.FailureCount,
				AvgLatencyMs: rec.AvgLatencyMs,
			},
			Metadata: meta,
		}
		count++
	}
	s.enforceCapacity()
	return count
}

// UnionDedup merges several neighbor-walk results into one duplicate-free
// slice in first-occurrence order (§4.2: "the caller deduplicates by insertion
// order" when the same id appears in both a right- and a left-walk of a
// small store).
func UnionDedup(groups ...[]Entry) []Entry {
	seen := make(map[string]bool)
	out := make([]Entry, 0)
	for _, g := range groups {
		for _, e := range g {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	return out
}

// IDs extracts identifiers from a slice of entries, preserving order.
func IDs(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

// sanitizeIDs drops blank (empty or whitespace-only) ids and truncates to
// max, used by the leave-notice replacement sanitizer (§4.10, P8).
func sanitizeIDs(ids []string, max int) []string {
	out := make([]string, 0, max)
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		out = append(out, id)
		if len(out) >= max {
			break
		}
	}
	return out
}

// SanitizeIDs is the exported form of sanitizeIDs, used by the service
// package's leave-notice receiver logic.
func SanitizeIDs(ids []string, max int) []string { return sanitizeIDs(ids, max) }
