package mergetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSnapshotSession produces a client with sequenced text, a tombstone,
// a marker, and an annotation.
func buildSnapshotSession(t *testing.T) *Client {
	t.Helper()
	seqr, cs := newSession(t, 1)
	c := cs[0]

	env, err := c.InsertText(0, "hello world")
	submit(t, seqr, env, err)
	env, err = c.InsertMarker(5, RefTile, tileProps("mid"))
	submit(t, seqr, env, err)
	env, err = c.Remove(0, 2)
	submit(t, seqr, env, err)
	env, err = c.Annotate(0, 3, PropertySet{"bold": BoolValue(true)}, CombineNone)
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)
	require.Zero(t, c.PendingOps())
	return c
}

func verifySnapshotRoundTrip(t *testing.T, store ChunkStore) {
	t.Helper()
	c := buildSnapshotSession(t)

	hdr, err := WriteSnapshot(c.Tree(), store, "doc")
	require.NoError(t, err)
	assert.Equal(t, 4, hdr.Seq)
	assert.Greater(t, hdr.SegmentCount, 0)
	assert.Greater(t, hdr.ChunkCount, 0)

	tr, loaded, err := LoadSnapshot(store, "doc")
	require.NoError(t, err)
	assert.Equal(t, hdr.Seq, loaded.Seq)

	p := Perspective{RefSeq: hdr.Seq, ClientID: NoClientID}
	assert.Equal(t, c.Tree().TextAt(p), tr.TextAt(p))
	assert.Equal(t, c.Tree().Length(p), tr.Length(p))

	// The marker and annotation survive.
	m, _ := tr.FindTile(tr.Length(p), "mid", true, p)
	assert.NotNil(t, m)
	seg, _ := tr.Search(p, func(s Segment) bool {
		return s.Properties()["bold"].Kind == PropertyBool
	})
	assert.NotNil(t, seg)

	// Tombstones within the window come back too.
	tombstones := 0
	tr.walkAll(func(s Segment) bool {
		if s.base().isRemoved() {
			tombstones++
		}
		return true
	})
	assert.Greater(t, tombstones, 0)

	// Re-snapshot of the rebuilt tree is identical in content.
	tr.StartCollaboration(99, hdr.Seq, hdr.MinSeq)
	hdr2, err := WriteSnapshot(tr, store, "doc2")
	require.NoError(t, err)
	assert.Equal(t, hdr.SegmentCount, hdr2.SegmentCount)
	tr2, _, err := LoadSnapshot(store, "doc2")
	require.NoError(t, err)
	assert.Equal(t, tr.TextAt(p), tr2.TextAt(p))
}

func TestSnapshotRoundTripMemory(t *testing.T) {
	verifySnapshotRoundTrip(t, NewMemoryChunkStore())
}

func TestSnapshotRoundTripFS(t *testing.T) {
	store, err := NewFSChunkStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	verifySnapshotRoundTrip(t, store)
}

func TestSnapshotRoundTripBadger(t *testing.T) {
	store, err := NewBadgerChunkStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	verifySnapshotRoundTrip(t, store)
}

func TestSnapshotExcludesPendingEdits(t *testing.T) {
	seqr, cs := newSession(t, 1)
	c := cs[0]
	env, err := c.InsertText(0, "stable")
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)

	_, err = c.InsertText(0, "pending-")
	require.NoError(t, err)

	store := NewMemoryChunkStore()
	hdr, err := WriteSnapshot(c.Tree(), store, "doc")
	require.NoError(t, err)
	assert.Equal(t, 1, hdr.SegmentCount)

	tr, _, err := LoadSnapshot(store, "doc")
	require.NoError(t, err)
	assert.Equal(t, "stable", tr.TextAt(Perspective{RefSeq: hdr.Seq, ClientID: NoClientID}))
}

func TestSnapshotRebuildIsBalanced(t *testing.T) {
	seqr, cs := newSession(t, 1)
	c := cs[0]
	for i := 0; i < 100; i++ {
		env, err := c.InsertText(c.Tree().LocalLength(), "ab")
		submit(t, seqr, env, err)
	}
	syncSession(t, seqr, cs)

	store := NewMemoryChunkStore()
	_, err := WriteSnapshot(c.Tree(), store, "doc")
	require.NoError(t, err)
	tr, hdr, err := LoadSnapshot(store, "doc")
	require.NoError(t, err)
	assert.Equal(t, 100, hdr.SegmentCount)

	var check func(b *MergeBlock, depth int) int
	maxDepth := 0
	check = func(b *MergeBlock, depth int) int {
		assert.LessOrEqual(t, b.ChildCount(), MaxBlockChildren)
		if depth > maxDepth {
			maxDepth = depth
		}
		for _, ch := range b.children {
			if blk, ok := ch.(*MergeBlock); ok {
				check(blk, depth+1)
			}
		}
		return maxDepth
	}
	check(tr.root, 1)
	assert.LessOrEqual(t, maxDepth, 4)
	assertOrdinalsStrictlyIncreasing(t, collectOrdinals(tr))
}

func TestLoadSnapshotCorruptHeader(t *testing.T) {
	store := NewMemoryChunkStore()
	require.NoError(t, store.Put(headerKey("doc"), []byte("junk")))
	_, _, err := LoadSnapshot(store, "doc")
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)

	_, _, err = LoadSnapshot(store, "missing")
	assert.ErrorIs(t, err, ErrChunkNotFound)
}

func TestChunkStoreBasics(t *testing.T) {
	stores := map[string]ChunkStore{
		"memory": NewMemoryChunkStore(),
	}
	fs, err := NewFSChunkStore(t.TempDir())
	require.NoError(t, err)
	stores["fs"] = fs

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put("doc/a", []byte("1")))
			require.NoError(t, store.Put("doc/b", []byte("2")))
			require.NoError(t, store.Put("other/c", []byte("3")))

			data, err := store.Get("doc/a")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), data)

			keys, err := store.List("doc/")
			require.NoError(t, err)
			assert.Equal(t, []string{"doc/a", "doc/b"}, keys)

			require.NoError(t, store.Delete("doc/a"))
			require.NoError(t, store.Delete("doc/a"))
			_, err = store.Get("doc/a")
			assert.ErrorIs(t, err, ErrChunkNotFound)
			require.NoError(t, store.Close())
		})
	}
}
