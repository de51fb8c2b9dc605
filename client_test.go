package mergetree

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newSession(t *testing.T, n int) (*Sequencer, []*Client) {
	t.Helper()
	logger := testLogger()
	seqr := NewSequencer(logger)
	clients := make([]*Client, n)
	for i := range clients {
		c := NewClient(ClientOptions{ClientID: i + 1, Logger: logger})
		cur, min := seqr.Register(i + 1)
		c.StartCollaboration(cur, min)
		clients[i] = c
	}
	return seqr, clients
}

func submit(t *testing.T, seqr *Sequencer, env *OpEnvelope, err error) {
	t.Helper()
	require.NoError(t, err)
	_, err = seqr.Submit(env)
	require.NoError(t, err)
}

func syncSession(t *testing.T, seqr *Sequencer, clients []*Client) {
	t.Helper()
	to := seqr.CurrentSeq()
	for _, c := range clients {
		require.NoError(t, c.CatchUp(context.Background(), seqr, to))
	}
}

func TestConcurrentInsertTieBreak(t *testing.T) {
	seqr, cs := newSession(t, 2)
	c1, c2 := cs[0], cs[1]

	// c2's insert is sequenced first; both clients must converge on
	// remote-before-local order at the shared position.
	env, err := c2.InsertText(0, "CD")
	submit(t, seqr, env, err)
	env, err = c1.InsertText(0, "AB")
	submit(t, seqr, env, err)

	assert.Equal(t, "AB", c1.Text())
	assert.Equal(t, "CD", c2.Text())

	syncSession(t, seqr, cs)
	assert.Equal(t, "CDAB", c1.Text())
	assert.Equal(t, "CDAB", c2.Text())
	assert.Zero(t, c1.PendingOps())
	assert.Zero(t, c2.PendingOps())
}

func TestAckAssignsSequenceNumbers(t *testing.T) {
	seqr, cs := newSession(t, 1)
	c := cs[0]

	env, err := c.InsertText(0, "hello")
	submit(t, seqr, env, err)
	require.Equal(t, 1, c.PendingOps())

	syncSession(t, seqr, cs)
	assert.Zero(t, c.PendingOps())
	c.Tree().Walk(c.Tree().localPerspective(), func(seg Segment, pos int) bool {
		assert.Equal(t, 1, seg.Seq())
		assert.Equal(t, 1, seg.ClientID())
		return true
	})
	assert.Equal(t, 1, c.Tree().Window().CurrentSeq())
}

func TestConcurrentRemovesConverge(t *testing.T) {
	seqr, cs := newSession(t, 2)
	c1, c2 := cs[0], cs[1]

	env, err := c1.InsertText(0, "abcdef")
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)

	env, err = c1.Remove(1, 3) // "bc"
	submit(t, seqr, env, err)
	env, err = c2.Remove(2, 4) // "cd"
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)

	assert.Equal(t, "aef", c1.Text())
	assert.Equal(t, "aef", c2.Text())

	// The doubly-removed "c" keeps the earliest removal seq and both
	// removing clients.
	seg, _ := c1.Tree().Search(Perspective{RefSeq: 1, ClientID: NoClientID}, func(s Segment) bool {
		ts, ok := s.(*TextSegment)
		return ok && ts.Text() == "c"
	})
	require.NotNil(t, seg)
	assert.Equal(t, 2, seg.RemovedSeq())
	assert.ElementsMatch(t, []int{1, 2}, seg.RemovedClientIDs())
}

func TestConcurrentAnnotateLastWriterWins(t *testing.T) {
	seqr, cs := newSession(t, 2)
	c1, c2 := cs[0], cs[1]

	env, err := c1.InsertText(0, "abcd")
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)

	env, err = c1.Annotate(0, 4, PropertySet{"color": StringValue("red")}, CombineNone)
	submit(t, seqr, env, err)
	env, err = c2.Annotate(0, 4, PropertySet{"color": StringValue("blue")}, CombineNone)
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)

	for _, c := range cs {
		c.Tree().Walk(c.Tree().localPerspective(), func(seg Segment, pos int) bool {
			assert.Equal(t, "blue", seg.Properties()["color"].Str)
			return true
		})
	}
}

func TestConcurrentIncrementsCommute(t *testing.T) {
	seqr, cs := newSession(t, 2)
	c1, c2 := cs[0], cs[1]

	env, err := c1.InsertText(0, "x")
	submit(t, seqr, env, err)
	env, err = c1.Annotate(0, 1, PropertySet{"count": IntValue(10)}, CombineNone)
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)

	env, err = c1.Annotate(0, 1, PropertySet{"count": IntValue(1)}, CombineIncrement)
	submit(t, seqr, env, err)
	env, err = c2.Annotate(0, 1, PropertySet{"count": IntValue(2)}, CombineIncrement)
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)

	for _, c := range cs {
		seg, _ := c.Tree().Search(c.Tree().localPerspective(), func(Segment) bool { return true })
		require.NotNil(t, seg)
		assert.Equal(t, int64(13), seg.Properties()["count"].Int)
	}
}

func TestThreeClientConvergence(t *testing.T) {
	seqr, cs := newSession(t, 3)

	words := []string{"alpha ", "bravo ", "charlie ", "delta ", "echo "}
	for i := 0; i < 15; i++ {
		c := cs[i%3]
		pos := 0
		if l := c.Tree().LocalLength(); l > 0 {
			pos = (i * 7) % (l + 1)
		}
		env, err := c.InsertText(pos, words[i%len(words)])
		submit(t, seqr, env, err)
		if i%4 == 3 {
			syncSession(t, seqr, cs)
		}
	}
	syncSession(t, seqr, cs)

	// Disjoint concurrent removals.
	for i, c := range cs {
		env, err := c.Remove(i*10, i*10+3)
		submit(t, seqr, env, err)
	}
	syncSession(t, seqr, cs)

	want := cs[0].Text()
	for i, c := range cs[1:] {
		assert.Equal(t, want, c.Text(), "client %d diverged", i+2)
		assert.Zero(t, c.PendingOps())
	}
	inserted := 0
	for i := 0; i < 15; i++ {
		inserted += len(words[i%len(words)])
	}
	assert.Equal(t, inserted-9, len(want))
}

func TestGroupOpAppliesAtomically(t *testing.T) {
	seqr, cs := newSession(t, 2)
	c1, c2 := cs[0], cs[1]

	env, err := c1.SubmitGroup([]Op{
		{Type: OpInsert, Pos1: 0, Text: "hello"},
		{Type: OpAnnotate, Pos1: 0, Pos2: 5, Props: PropertySet{"bold": BoolValue(true)}},
	})
	submit(t, seqr, env, err)
	require.Equal(t, 2, c1.PendingOps())

	syncSession(t, seqr, cs)
	assert.Zero(t, c1.PendingOps())
	assert.Equal(t, "hello", c2.Text())
	seg, _ := c2.Tree().Search(c2.Tree().localPerspective(), func(Segment) bool { return true })
	require.NotNil(t, seg)
	assert.True(t, seg.Properties()["bold"].Bool)
}

func TestCatchUpAfterMissedOps(t *testing.T) {
	seqr, cs := newSession(t, 2)
	c1, c2 := cs[0], cs[1]

	for i := 0; i < 5; i++ {
		env, err := c1.InsertText(c1.Tree().LocalLength(), fmt.Sprintf("%d", i))
		submit(t, seqr, env, err)
		require.NoError(t, c1.CatchUp(context.Background(), seqr, seqr.CurrentSeq()))
	}
	assert.Equal(t, "", c2.Text())

	require.NoError(t, c2.CatchUp(context.Background(), seqr, seqr.CurrentSeq()))
	assert.Equal(t, "01234", c2.Text())
	assert.Equal(t, 5, c2.Tree().Window().CurrentSeq())
}

func TestMarkerRoundTripBetweenClients(t *testing.T) {
	seqr, cs := newSession(t, 2)
	c1, c2 := cs[0], cs[1]

	env, err := c1.InsertText(0, "ab")
	submit(t, seqr, env, err)
	env, err = c1.InsertMarker(1, RefTile, PropertySet{
		TileLabelsKey: ListValue(StringValue("heading")),
	})
	submit(t, seqr, env, err)
	syncSession(t, seqr, cs)

	p := c2.Tree().localPerspective()
	m, pos := c2.Tree().FindTile(2, "heading", true, p)
	require.NotNil(t, m)
	assert.Equal(t, 1, pos)
	assert.True(t, m.HasTileLabel("heading"))
}

func TestApplyOpErrors(t *testing.T) {
	_, cs := newSession(t, 1)
	c := cs[0]

	err := c.ApplyOp(&OpEnvelope{ClientID: 2, Seq: SeqUnassigned, Op: Op{Type: OpInsert, Text: "x"}})
	assert.ErrorIs(t, err, ErrUnsequencedOp)

	err = c.ApplyOp(&OpEnvelope{ClientID: 1, ClientSeq: 9, Seq: 1, Op: Op{Type: OpInsert, Text: "x"}})
	assert.ErrorIs(t, err, ErrNoPendingOps)

	idle := NewClient(ClientOptions{ClientID: 9, Logger: testLogger()})
	_, err = idle.InsertText(0, "x")
	assert.ErrorIs(t, err, ErrNotCollaborating)
}

func TestLoadTextBeforeCollaboration(t *testing.T) {
	logger := testLogger()
	c := NewClient(ClientOptions{ClientID: 1, Logger: logger})
	require.NoError(t, c.LoadText("base "))
	require.NoError(t, c.LoadText("content"))

	seqr := NewSequencer(logger)
	cur, min := seqr.Register(1)
	c.StartCollaboration(cur, min)
	assert.Equal(t, "base content", c.Text())
	assert.ErrorIs(t, c.LoadText("more"), ErrInvalidOp)
}
