package mergetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvictionGatedByMinSeq(t *testing.T) {
	tr := NewMergeTree()
	insertText(t, tr, 0, "abcdef", basePerspective(), SeqBase)
	tr.StartCollaboration(1, 0, 0)

	_, err := tr.Remove(1, 3, Perspective{RefSeq: 0, ClientID: 1}, 2)
	require.NoError(t, err)
	require.NoError(t, tr.window.advance(2, 1))

	// minSeq has not reached the removal yet.
	stats := tr.CollectGarbage()
	assert.Zero(t, stats.SegmentsEvicted)

	require.NoError(t, tr.window.advance(2, 2))
	stats = tr.CollectGarbage()
	assert.Equal(t, 1, stats.SegmentsEvicted)
	assert.Equal(t, 2, stats.BytesReclaimed)

	count := 0
	tr.walkAll(func(Segment) bool { count++; return true })
	assert.Equal(t, 2, count)
	assert.Equal(t, "adef", tr.Text())
}

func TestEvictionIdempotent(t *testing.T) {
	tr := NewMergeTree()
	insertText(t, tr, 0, "abcdef", basePerspective(), SeqBase)
	tr.StartCollaboration(1, 0, 0)

	_, err := tr.Remove(0, 3, Perspective{RefSeq: 0, ClientID: 1}, 1)
	require.NoError(t, err)
	require.NoError(t, tr.window.advance(1, 1))

	first := tr.CollectGarbage()
	assert.Equal(t, 1, first.SegmentsEvicted)
	text := tr.Text()

	second := tr.CollectGarbage()
	assert.Zero(t, second.SegmentsEvicted)
	assert.Equal(t, text, tr.Text())
	assert.Equal(t, first.SegmentsExamined-first.SegmentsEvicted, second.SegmentsExamined)
}

func TestEvictionSkipsPendingRemovals(t *testing.T) {
	tr := NewMergeTree()
	insertText(t, tr, 0, "abc", basePerspective(), SeqBase)
	tr.StartCollaboration(1, 5, 5)

	_, err := tr.Remove(0, 3, tr.localPerspective(), SeqUnassigned)
	require.NoError(t, err)

	stats := tr.CollectGarbage()
	assert.Zero(t, stats.SegmentsEvicted)
}

func TestEvictionPrunesEmptyBlocks(t *testing.T) {
	tr := NewMergeTree()
	p := basePerspective()
	for i := 0; i < 40; i++ {
		insertText(t, tr, tr.Length(p), "ab", p, SeqBase)
	}
	tr.StartCollaboration(1, 0, 0)

	_, err := tr.Remove(0, 80, Perspective{RefSeq: 0, ClientID: 1}, 1)
	require.NoError(t, err)
	require.NoError(t, tr.window.advance(1, 1))

	stats := tr.CollectGarbage()
	assert.Equal(t, 40, stats.SegmentsEvicted)
	assert.Equal(t, 80, stats.BytesReclaimed)
	assert.Equal(t, 0, tr.Length(tr.localPerspective()))

	// No empty block may linger under the root.
	var check func(b *MergeBlock)
	check = func(b *MergeBlock) {
		for _, c := range b.children {
			if blk, ok := c.(*MergeBlock); ok {
				assert.Greater(t, blk.ChildCount(), 0)
				check(blk)
			}
		}
	}
	check(tr.root)
}

func TestEvictionThroughClientWindow(t *testing.T) {
	seqr, cs := newSession(t, 2)
	c1, c2 := cs[0], cs[1]

	env, err := c1.InsertText(0, "abcdef")
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)
	env, err = c1.Remove(1, 3)
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)

	// c2 still holds refSeq 1, so the removal at seq 2 is not evictable.
	assert.Zero(t, c1.CollectGarbage().SegmentsEvicted)

	// Another round of traffic carries the advanced minSeq to c1.
	env, err = c2.InsertText(0, "x")
	submit(t, seqr, env, err)
	env, err = c1.InsertText(0, "y")
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)

	if c1.Tree().Window().MinSeq() >= 2 {
		assert.Equal(t, 1, c1.CollectGarbage().SegmentsEvicted)
	}
}
