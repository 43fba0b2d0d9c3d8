package digitree

import (
	"testing"

	"github.com/gotchoices/fret/internal/relevance"
	"github.com/gotchoices/fret/internal/ringspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coordByte(b byte) ringspace.Coord {
	var c ringspace.Coord
	c[0] = b
	return c
}

func newTestStore(capacity, m int) *Store {
	return New("self", coordByte(0x00), capacity, m, relevance.NewModel(), func() int64 { return 1 })
}

func TestNewStoreContainsSelf(t *testing.T) {
	s := newTestStore(10, 2)
	_, ok := s.GetByID("self")
	assert.True(t, ok)
	assert.Equal(t, 1, s.Size())
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(10, 2)
	s.Upsert("a", coordByte(0x10))
	s.Upsert("a", coordByte(0x20)) // second upsert of existing id is a no-op
	e, _ := s.GetByID("a")
	assert.Equal(t, coordByte(0x10), e.Coord)
	assert.Equal(t, 2, s.Size())
}

func TestRemoveDeletesEntry(t *testing.T) {
	s := newTestStore(10, 2)
	s.Upsert("a", coordByte(0x10))
	s.Remove("a")
	_, ok := s.GetByID("a")
	assert.False(t, ok)
}

func TestNeighborsRightOrderingAndWrap(t *testing.T) {
	s := newTestStore(10, 2)
	s.Upsert("a", coordByte(0x10))
	s.Upsert("b", coordByte(0x20))
	s.Upsert("c", coordByte(0x30))

	res := s.NeighborsRight(coordByte(0x15), 2)
	require.Len(t, res, 2)
	assert.Equal(t, "b", res[0].ID)
	assert.Equal(t, "c", res[1].ID)

	// Past the largest coordinate, wrap back to the smallest (self=0x00).
	res = s.NeighborsRight(coordByte(0xF0), 1)
	require.Len(t, res, 1)
	assert.Equal(t, "self", res[0].ID)
}

func TestNeighborsLeftOrderingAndWrap(t *testing.T) {
	s := newTestStore(10, 2)
	s.Upsert("a", coordByte(0x10))
	s.Upsert("b", coordByte(0x20))
	s.Upsert("c", coordByte(0x30))

	res := s.NeighborsLeft(coordByte(0x25), 2)
	require.Len(t, res, 2)
	assert.Equal(t, "b", res[0].ID)
	assert.Equal(t, "a", res[1].ID)

	// Before the smallest coordinate, wrap to the largest.
	res = s.NeighborsLeft(coordByte(0x00), 1)
	require.Len(t, res, 1)
	assert.Equal(t, "c", res[0].ID)
}

func TestNeighborsNeverReturnsDuplicateIDs(t *testing.T) {
	s := newTestStore(10, 2)
	s.Upsert("a", coordByte(0x10))
	res := s.NeighborsRight(coordByte(0x00), 10)
	seen := make(map[string]bool)
	for _, e := range res {
		assert.False(t, seen[e.ID])
		seen[e.ID] = true
	}
}

func TestProtectedIDsAroundSurvivesEviction(t *testing.T) {
	s := newTestStore(5, 2)
	// "near" sits immediately right of self, "wrap" immediately left (via
	// ring wraparound). Every filler peer added below lands strictly
	// between them, so "near"/"wrap" stay within the nearest-2-per-side S/P
	// set no matter how many fillers accumulate, and must survive eviction
	// for the whole test (I3/P4).
	s.Upsert("near", coordByte(0x01))
	s.Upsert("wrap", coordByte(0xFF))

	for i := byte(0x10); i < 0xF0; i += 0x10 {
		s.Upsert(string(rune('c'+i)), coordByte(i))
		assert.LessOrEqual(t, s.Size(), 5)
	}

	for _, id := range []string{"self", "near", "wrap"} {
		_, ok := s.GetByID(id)
		assert.Truef(t, ok, "protected id %q was evicted", id)
	}
}

func TestEvictionRemovesLowestRelevanceNonProtected(t *testing.T) {
	s := newTestStore(5, 1) // capacity 5; eviction protects max(2, m) = 2 per side
	s.Upsert("near", coordByte(0x10))
	s.Upsert("low", coordByte(0x50))
	s.Upsert("high", coordByte(0x60))
	require.NoError(t, s.Update("low", func(e *Entry) { e.Relevance = -5 }))
	require.NoError(t, s.Update("high", func(e *Entry) { e.Relevance = 5 }))
	s.Upsert("wrap", coordByte(0xF0))

	// A sixth entry tips the store over capacity. The protected S/P set
	// around self is {self, near} walking right and {wrap, extra} walking
	// left, so "low" and "high" are the only eviction candidates and the
	// lower-relevance "low" is the one removed.
	s.Upsert("extra", coordByte(0x70))
	assert.LessOrEqual(t, s.Size(), 5)
	_, ok := s.GetByID("low")
	assert.False(t, ok)
	_, ok = s.GetByID("high")
	assert.True(t, ok)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestStore(10, 2)
	s.Upsert("a", coordByte(0x10))
	require.NoError(t, s.Update("a", func(e *Entry) {
		e.Relevance = 2.5
		e.AccessCount = 7
		e.Metadata = map[string]string{"foo": "bar"}
	}))
	require.NoError(t, s.SetState("a", Connected))

	exported := s.ExportEntries()

	restored := newTestStore(10, 2)
	count := restored.ImportEntries(exported)
	assert.Equal(t, len(exported), count)

	e, ok := restored.GetByID("a")
	require.True(t, ok)
	assert.Equal(t, Disconnected, e.State, "I4: imported entries are always disconnected")
	assert.Equal(t, 2.5, e.Relevance)
	assert.Equal(t, int64(7), e.AccessCount)
	assert.Equal(t, "bar", e.Metadata["foo"])

	// Ordering of subsequent neighbor queries matches the original (P1).
	origRight := IDs(s.NeighborsRight(coordByte(0x00), 10))
	restoredRight := IDs(restored.NeighborsRight(coordByte(0x00), 10))
	assert.Equal(t, origRight, restoredRight)
}

func TestImportSkipsUnparseableCoordinates(t *testing.T) {
	s := newTestStore(10, 2)
	n := s.ImportEntries([]SerializedEntry{{ID: "bad", Coord: "not-base64url!!"}})
	assert.Equal(t, 0, n)
}

func TestSanitizeIDsTruncatesAndDropsBlank(t *testing.T) {
	ids := []string{"a", "", "b", "c", "d"}
	out := SanitizeIDs(ids, 2)
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestUnionDedupPreservesFirstOccurrenceOrder(t *testing.T) {
	a := []Entry{{ID: "x"}, {ID: "y"}}
	b := []Entry{{ID: "y"}, {ID: "z"}}
	out := IDs(UnionDedup(a, b))
	assert.Equal(t, []string{"x", "y", "z"}, out)
}

func TestSuccessorAndPredecessorOfCoord(t *testing.T) {
	s := newTestStore(10, 2)
	s.Upsert("a", coordByte(0x10))
	s.Upsert("b", coordByte(0x20))

	succ, ok := s.SuccessorOfCoord(coordByte(0x15))
	require.True(t, ok)
	assert.Equal(t, "b", succ.ID)

	pred, ok := s.PredecessorOfCoord(coordByte(0x15))
	require.True(t, ok)
	assert.Equal(t, "a", pred.ID)
}
