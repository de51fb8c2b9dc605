package mergetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basePerspective() Perspective {
	return Perspective{RefSeq: SeqBase, ClientID: NoClientID}
}

func insertText(t *testing.T, tr *MergeTree, pos int, text string, p Perspective, seq int) *TextSegment {
	t.Helper()
	seg := NewTextSegment(text)
	require.NoError(t, tr.Insert(pos, seg, p, seq))
	return seg
}

func TestInsertAndRead(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()

	insertText(t, tr, 0, "hello", p, SeqBase)
	insertText(t, tr, 5, " world", p, SeqBase)
	assert.Equal(t, "hello world", tr.TextAt(p))
	assert.Equal(t, 11, tr.Length(p))

	insertText(t, tr, 5, ",", p, SeqBase)
	assert.Equal(t, "hello, world", tr.TextAt(p))
}

func TestInsertMidSegmentSplits(t *testing.T) {
	tr := NewMergeTree()
	p := Perspective{RefSeq: 3, ClientID: 1}

	insertText(t, tr, 0, "abcdef", p, 3)
	insertText(t, tr, 3, "XY", p, 3)
	assert.Equal(t, "abcXYdef", tr.TextAt(p))

	// Both halves keep the original provenance.
	var texts []string
	tr.Walk(p, func(seg Segment, pos int) bool {
		texts = append(texts, seg.(*TextSegment).Text())
		assert.Equal(t, 3, seg.Seq())
		assert.Equal(t, 1, seg.ClientID())
		return true
	})
	assert.Equal(t, []string{"abc", "XY", "def"}, texts)
}

func TestInsertOutOfBounds(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()
	insertText(t, tr, 0, "abc", p, SeqBase)

	err := tr.Insert(4, NewTextSegment("x"), p, SeqBase)
	assert.ErrorIs(t, err, ErrInvalidOp)
	err = tr.Insert(-1, NewTextSegment("x"), p, SeqBase)
	assert.ErrorIs(t, err, ErrInvalidOp)
}

func TestBlocksStayBounded(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()

	want := ""
	for i := 0; i < 100; i++ {
		ch := string(rune('a' + i%26))
		insertText(t, tr, tr.Length(p), ch, p, SeqBase)
		want += ch
	}
	assert.Equal(t, want, tr.TextAt(p))
	assert.Equal(t, 100, tr.Length(p))

	var check func(b *MergeBlock)
	check = func(b *MergeBlock) {
		assert.LessOrEqual(t, b.ChildCount(), MaxBlockChildren)
		for _, c := range b.children {
			assert.Same(t, b, c.parentBlock())
			if blk, ok := c.(*MergeBlock); ok {
				check(blk)
			}
		}
	}
	check(tr.root)
}

func TestRemoveTombstonesNotDeletes(t *testing.T) {
	tr := NewMergeTree()
	base := basePerspective()
	insertText(t, tr, 0, "hello world", base, SeqBase)

	after := Perspective{RefSeq: 1, ClientID: NoClientID}
	removed, err := tr.Remove(5, 6, after, 1)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, 1, removed[0].RemovedSeq())

	assert.Equal(t, "helloworld", tr.TextAt(after))
	// The removal is invisible to a perspective before its seq.
	assert.Equal(t, "hello world", tr.TextAt(base))

	// The tombstone is still physically present.
	count := 0
	tr.walkAll(func(Segment) bool { count++; return true })
	assert.Equal(t, 3, count)
}

func TestRemoveErrors(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()
	insertText(t, tr, 0, "abc", p, SeqBase)

	_, err := tr.Remove(2, 1, p, SeqBase)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = tr.Remove(1, 1, p, SeqBase)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = tr.Remove(1, 9, p, SeqBase)
	assert.ErrorIs(t, err, ErrInvalidOp)
}

func TestAnnotateSplitsRangeEnds(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()
	insertText(t, tr, 0, "abcdef", p, SeqBase)

	bold := PropertySet{"bold": BoolValue(true)}
	segs, prev, err := tr.Annotate(1, 4, bold, CombineNone, p, 1)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "bcd", segs[0].(*TextSegment).Text())
	assert.Equal(t, PropertyNone, prev[segs[0]]["bold"].Kind)
	assert.True(t, segs[0].Properties()["bold"].Bool)

	// Neighbors are untouched.
	first, _, err := tr.segmentAt(0, p)
	require.NoError(t, err)
	assert.Nil(t, first.Properties())
}

func TestPendingVisibleOnlyToAuthor(t *testing.T) {
	tr := NewMergeTree()
	insertText(t, tr, 0, "base", basePerspective(), SeqBase)

	author := Perspective{RefSeq: 0, ClientID: 1}
	insertText(t, tr, 0, "mine:", author, SeqUnassigned)

	assert.Equal(t, "mine:base", tr.TextAt(author))
	assert.Equal(t, "base", tr.TextAt(Perspective{RefSeq: 0, ClientID: 2}))
}

func TestResolvePosition(t *testing.T) {
	tr := NewMergeTree()
	insertText(t, tr, 0, "abcdef", basePerspective(), SeqBase)
	tr.StartCollaboration(1, 0, 0)

	local := tr.localPerspective()
	insertText(t, tr, 2, "XX", local, SeqUnassigned)
	require.Equal(t, "abXXcdef", tr.TextAt(local))

	shared := Perspective{RefSeq: 0, ClientID: 2}
	got, err := tr.ResolvePosition(4, local, shared)
	require.NoError(t, err)
	assert.Equal(t, 2, got) // "c" sits at 2 without the pending insert

	// A position inside the pending run collapses to its left boundary.
	got, err = tr.ResolvePosition(3, local, shared)
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	// Shared "c" translates past the pending run in the local view.
	got, err = tr.ResolvePosition(2, shared, local)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
}

func TestWalkRange(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()
	insertText(t, tr, 0, "one ", p, SeqBase)
	insertText(t, tr, 4, "two ", p, SeqBase)
	insertText(t, tr, 8, "three", p, SeqBase)

	var texts []string
	err := tr.WalkRange(2, 9, p, func(seg Segment, pos int) bool {
		texts = append(texts, seg.(*TextSegment).Text())
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one ", "two ", "three"}, texts)

	texts = nil
	err = tr.WalkRange(4, 8, p, func(seg Segment, pos int) bool {
		texts = append(texts, seg.(*TextSegment).Text())
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"two "}, texts)

	assert.ErrorIs(t, tr.WalkRange(3, 3, p, nil), ErrInvalidRange)
}

func TestContainingSegment(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()
	insertText(t, tr, 0, "ab", p, SeqBase)
	insertText(t, tr, 2, "cd", p, SeqBase)

	seg, off, err := tr.ContainingSegment(3, p)
	require.NoError(t, err)
	assert.Equal(t, "cd", seg.(*TextSegment).Text())
	assert.Equal(t, 1, off)

	_, _, err = tr.ContainingSegment(4, p)
	assert.ErrorIs(t, err, ErrPositionOutOfBounds)
	_, _, err = tr.ContainingSegment(-1, p)
	assert.ErrorIs(t, err, ErrPositionOutOfBounds)
}

func TestSearchFindsFirstMatch(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()
	insertText(t, tr, 0, "one ", p, SeqBase)
	insertText(t, tr, 4, "two ", p, SeqBase)
	insertText(t, tr, 8, "three", p, SeqBase)

	seg, pos := tr.Search(p, func(s Segment) bool {
		return s.(*TextSegment).Text() == "two "
	})
	require.NotNil(t, seg)
	assert.Equal(t, 4, pos)

	seg, _ = tr.Search(p, func(s Segment) bool { return false })
	assert.Nil(t, seg)
}

func TestMarkerOccupiesOnePosition(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()
	insertText(t, tr, 0, "ab", p, SeqBase)

	m := NewMarker(RefTile)
	require.NoError(t, tr.Insert(1, m, p, SeqBase))

	assert.Equal(t, 3, tr.Length(p))
	assert.Equal(t, "ab", tr.TextAt(p)) // markers contribute no text

	_, err := m.Split(0)
	assert.ErrorIs(t, err, ErrSegmentAtomic)
}

func TestDeltaEventsEmitted(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()
	obs := &recordingObserver{}
	tr.Subscribe(obs)

	insertText(t, tr, 0, "abc", p, SeqBase)
	_, err := tr.Remove(0, 1, Perspective{RefSeq: 1, ClientID: NoClientID}, 1)
	require.NoError(t, err)

	require.Len(t, obs.deltas, 2)
	assert.Equal(t, DeltaInsert, obs.deltas[0].Kind)
	assert.Equal(t, DeltaRemove, obs.deltas[1].Kind)
	assert.False(t, obs.deltas[1].Local)

	tr.Unsubscribe(obs)
	insertText(t, tr, 0, "x", Perspective{RefSeq: 1, ClientID: NoClientID}, 2)
	assert.Len(t, obs.deltas, 2)
}

type recordingObserver struct {
	deltas []*DeltaEvent
	maints []*MaintenanceEvent
}

func (o *recordingObserver) OnDelta(ev *DeltaEvent)             { o.deltas = append(o.deltas, ev) }
func (o *recordingObserver) OnMaintenance(ev *MaintenanceEvent) { o.maints = append(o.maints, ev) }
