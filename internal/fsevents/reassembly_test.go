package fsevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cont(gid uint16, buf string) RawRecord {
	var r RawRecord
	r.EffectType = EffectContinuation
	r.EventGroupID = gid
	n := copy(r.Buf[:], buf)
	r.BufLen = uint16(n)
	return r
}

func assoc(gid uint16) RawRecord {
	var r RawRecord
	r.EffectType = EffectAssociation
	r.EventGroupID = gid
	return r
}

func terminal(gid uint16, effect EffectType, pt PathType, pid uint32, ts uint64) RawRecord {
	var r RawRecord
	r.EffectType = effect
	r.EventGroupID = gid
	r.PathType = pt
	r.Pid = pid
	r.Timestamp = ts
	return r
}

// S1 — simple create.
func TestRingbufSimpleCreate(t *testing.T) {
	r := NewRingbufReassembler()
	for _, rec := range []RawRecord{cont(1, "x"), cont(1, "etc")} {
		ev, err := r.Feed(rec)
		require.NoError(t, err)
		require.Nil(t, ev)
	}
	ev, err := r.Feed(terminal(1, EffectCreate, PathFile, 10, 1000))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "/etc/x", ev.PathName)
	assert.Nil(t, ev.Associated)
	assert.Equal(t, uint64(1000), ev.Timestamp)
	assert.Equal(t, uint32(10), ev.Pid)
	assert.Equal(t, EffectCreate, ev.EffectType)
	assert.Equal(t, PathFile, ev.PathType)
}

// S2 — rename with association.
func TestRingbufRenameWithAssociation(t *testing.T) {
	r := NewRingbufReassembler()
	records := []RawRecord{
		cont(2, "a"),
		cont(2, "d"),
		assoc(2),
		cont(2, "b"),
		cont(2, "d"),
	}
	for _, rec := range records {
		ev, err := r.Feed(rec)
		require.NoError(t, err)
		require.Nil(t, ev)
	}
	ev, err := r.Feed(terminal(2, EffectRename, PathFile, 11, 2000))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "/d/a", ev.PathName)
	require.NotNil(t, ev.Associated)
	assert.Equal(t, "/d/b", *ev.Associated)
	assert.Equal(t, EffectRename, ev.EffectType)
}

// S3 — group reset discards partial state for the prior group.
func TestRingbufGroupReset(t *testing.T) {
	r := NewRingbufReassembler()
	ev, err := r.Feed(cont(3, "x"))
	require.NoError(t, err)
	require.Nil(t, ev)

	ev, err = r.Feed(cont(4, "y"))
	require.NoError(t, err)
	require.Nil(t, ev)

	ev, err = r.Feed(terminal(4, EffectCreate, PathDir, 12, 3000))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "/y", ev.PathName)
	assert.Equal(t, PathDir, ev.PathType)
}

// P4 — association arriving before any primary path component.
func TestRingbufAssociationBeforeAnyComponent(t *testing.T) {
	r := NewRingbufReassembler()
	records := []RawRecord{
		assoc(5),
		cont(5, "X"),
		cont(5, "Y"),
		cont(5, "Z"),
	}
	for _, rec := range records {
		ev, err := r.Feed(rec)
		require.NoError(t, err)
		require.Nil(t, ev)
	}
	ev, err := r.Feed(terminal(5, EffectCreate, PathFile, 1, 1))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "/Z/Y/X", ev.PathName)
	assert.Nil(t, ev.Associated)
}

// P1/P2 — every emitted event has a terminal effect type and a
// non-empty, leading-slash path.
func TestRingbufInvariantsHoldAcrossScenarios(t *testing.T) {
	r := NewRingbufReassembler()
	_, _ = r.Feed(cont(9, "a"))
	ev, err := r.Feed(terminal(9, EffectDelete, PathSymlink, 1, 1))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Contains(t, []EffectType{EffectCreate, EffectRename, EffectLink, EffectDelete}, ev.EffectType)
	assert.NotEmpty(t, ev.PathName)
	assert.True(t, ev.PathName[0] == '/')
}

// S4 — array-mode reordering, including the single-component regression
// the corrected offset rule exists for.
func TestArrayModeReordering(t *testing.T) {
	a := NewArrayReassembler()
	var rec RawRecord
	rec.EffectType = EffectCreate
	buf := "abcdef"
	n := copy(rec.Buf[:], buf)
	rec.BufLen = uint16(n)
	rec.NameOffsets[len(rec.NameOffsets)-1] = 2
	rec.NameOffsets[len(rec.NameOffsets)-2] = 4
	rec.NameOffsets[len(rec.NameOffsets)-3] = 6

	ev, err := a.Feed(rec)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "/ab/cd/ef", ev.PathName)
}

func TestArrayModeSingleComponent(t *testing.T) {
	a := NewArrayReassembler()
	var rec RawRecord
	rec.EffectType = EffectCreate
	n := copy(rec.Buf[:], "etc")
	rec.BufLen = uint16(n)
	rec.NameOffsets[len(rec.NameOffsets)-1] = 3

	ev, err := a.Feed(rec)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "/etc", ev.PathName)
}

func TestArrayModeAssociation(t *testing.T) {
	a := NewArrayReassembler()

	var assocRec RawRecord
	assocRec.EffectType = EffectAssociation
	n := copy(assocRec.Buf[:], "old")
	assocRec.BufLen = uint16(n)
	assocRec.NameOffsets[len(assocRec.NameOffsets)-1] = 3

	ev, err := a.Feed(assocRec)
	require.NoError(t, err)
	require.Nil(t, ev)

	var renameRec RawRecord
	renameRec.EffectType = EffectRename
	n = copy(renameRec.Buf[:], "new")
	renameRec.BufLen = uint16(n)
	renameRec.NameOffsets[len(renameRec.NameOffsets)-1] = 3

	ev, err = a.Feed(renameRec)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "/new", ev.PathName)
	require.NotNil(t, ev.Associated)
	assert.Equal(t, "/old", *ev.Associated)
}

func TestArrayModeOffsetViolationDropsComponentNotEvent(t *testing.T) {
	a := NewArrayReassembler()
	var rec RawRecord
	rec.EffectType = EffectCreate
	n := copy(rec.Buf[:], "ab")
	rec.BufLen = uint16(n)
	// beg (2) >= end (2) for the second component and end (5) > buf_len
	// (2) for the third: both invalid, dropped.
	rec.NameOffsets[len(rec.NameOffsets)-1] = 2
	rec.NameOffsets[len(rec.NameOffsets)-2] = 2
	rec.NameOffsets[len(rec.NameOffsets)-3] = 5

	ev, err := a.Feed(rec)
	require.Error(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "/ab", ev.PathName)
}
