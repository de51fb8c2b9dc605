package mergetree

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// ClientID is the collaborator id assigned by the session.
	ClientID int

	// Logger receives structured client logs. Defaults to a warn-level
	// logger when nil.
	Logger *logrus.Logger

	// AnnotateRollback selects how rolled-back annotations restore their
	// pre-images. Defaults to RollbackRestore.
	AnnotateRollback PropertiesRollback

	// Tree adopts an existing tree, typically one loaded from a snapshot.
	// A fresh empty tree is created when nil.
	Tree *MergeTree
}

// Client owns a MergeTree and drives reconciliation for one collaborator:
// optimistic local edits are applied immediately and queued as pending
// segment groups, and sequenced envelopes from the ordering service are
// either acknowledgements of its own ops (assigning sequence numbers to
// pending groups, front of the queue first) or remote ops applied in the
// author's perspective. All methods must be called from one goroutine.
type Client struct {
	tree     *MergeTree
	log      *logrus.Entry
	clientID int

	// clientSeq numbers locally submitted ops, starting at 1.
	clientSeq int

	pending          SegmentGroupCollection
	annotateRollback PropertiesRollback
}

// NewClient creates a client with an empty tree.
func NewClient(opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	tree := opts.Tree
	if tree == nil {
		tree = NewMergeTree()
	}
	return &Client{
		tree:             tree,
		log:              logger.WithField("client", opts.ClientID),
		clientID:         opts.ClientID,
		clientSeq:        1,
		annotateRollback: opts.AnnotateRollback,
	}
}

// Tree returns the client's tree for reads, references, and observers.
func (c *Client) Tree() *MergeTree { return c.tree }

// ClientID returns the collaborator id.
func (c *Client) ClientID() int { return c.clientID }

// PendingOps returns the number of local ops not yet acknowledged.
func (c *Client) PendingOps() int { return c.pending.Len() }

// Text returns the visible text from the local perspective.
func (c *Client) Text() string { return c.tree.Text() }

// LoadText appends base content visible to every perspective. Only valid
// before collaboration starts.
func (c *Client) LoadText(text string) error {
	if c.tree.window.Collaborating() {
		return fmt.Errorf("%w: base content must load before collaboration", ErrInvalidOp)
	}
	if text == "" {
		return nil
	}
	p := Perspective{RefSeq: SeqBase, ClientID: NoClientID}
	return c.tree.Insert(c.tree.Length(p), NewTextSegment(text), p, SeqBase)
}

// StartCollaboration joins the session at the given window position.
func (c *Client) StartCollaboration(currentSeq, minSeq int) {
	c.tree.StartCollaboration(c.clientID, currentSeq, minSeq)
	c.log.WithFields(logrus.Fields{"seq": currentSeq, "minSeq": minSeq}).Info("collaboration started")
}

// newEnvelope wraps an op for submission to the ordering service.
func (c *Client) newEnvelope(op Op, clientSeq int) *OpEnvelope {
	return &OpEnvelope{
		ClientID:  c.clientID,
		ClientSeq: clientSeq,
		RefSeq:    c.tree.window.CurrentSeq(),
		Seq:       SeqUnassigned,
		MinSeq:    SeqUnassigned,
		Op:        op,
	}
}

// InsertText applies a local text insert and returns the envelope to
// submit.
func (c *Client) InsertText(pos int, text string) (*OpEnvelope, error) {
	return c.submitLocal(Op{Type: OpInsert, Pos1: pos, Text: text})
}

// InsertMarker applies a local marker insert and returns the envelope to
// submit. Tile and range labels go in props under TileLabelsKey and
// RangeLabelsKey.
func (c *Client) InsertMarker(pos int, refType ReferenceType, props PropertySet) (*OpEnvelope, error) {
	return c.submitLocal(Op{Type: OpInsert, Pos1: pos, Marker: &MarkerSpec{RefType: refType}, Props: props})
}

// Remove applies a local range removal and returns the envelope to submit.
func (c *Client) Remove(start, end int) (*OpEnvelope, error) {
	return c.submitLocal(Op{Type: OpRemove, Pos1: start, Pos2: end})
}

// Annotate applies local property writes over a range and returns the
// envelope to submit.
func (c *Client) Annotate(start, end int, props PropertySet, combine CombiningOp) (*OpEnvelope, error) {
	return c.submitLocal(Op{Type: OpAnnotate, Pos1: start, Pos2: end, Props: props, Combine: combine})
}

// SubmitGroup applies a batch of ops atomically under one client sequence
// number and returns the group envelope to submit.
func (c *Client) SubmitGroup(ops []Op) (*OpEnvelope, error) {
	return c.submitLocal(Op{Type: OpGroup, Ops: ops})
}

func (c *Client) submitLocal(op Op) (*OpEnvelope, error) {
	if !c.tree.window.Collaborating() {
		return nil, ErrNotCollaborating
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	cs := c.clientSeq
	if op.Type == OpGroup {
		for i := range op.Ops {
			if err := c.applyLocal(op.Ops[i], cs); err != nil {
				return nil, err
			}
		}
	} else if err := c.applyLocal(op, cs); err != nil {
		return nil, err
	}
	c.clientSeq++
	env := c.newEnvelope(op, cs)
	c.log.WithFields(logrus.Fields{"clientSeq": cs, "op": op.Type.String()}).Debug("local op applied")
	return env, nil
}

// applyLocal applies one op optimistically and enqueues its pending group.
func (c *Client) applyLocal(op Op, clientSeq int) error {
	p := c.tree.localPerspective()
	g := &SegmentGroup{op: op.Type, clientSeq: clientSeq}

	switch op.Type {
	case OpInsert:
		var seg Segment
		if op.Marker != nil {
			seg = NewMarker(op.Marker.RefType)
		} else {
			seg = NewTextSegment(op.Text)
		}
		if len(op.Props) > 0 {
			seg.base().propsMgr.AddProperties(op.Props, CombineNone, SeqUnassigned)
			for k := range op.Props {
				g.propKeys = append(g.propKeys, k)
			}
		}
		if err := c.tree.Insert(op.Pos1, seg, p, SeqUnassigned); err != nil {
			return err
		}
		g.addSegment(seg)

	case OpRemove:
		removed, err := c.tree.Remove(op.Pos1, op.Pos2, p, SeqUnassigned)
		if err != nil {
			return err
		}
		for _, seg := range removed {
			g.addSegment(seg)
		}

	case OpAnnotate:
		annotated, prev, err := c.tree.Annotate(op.Pos1, op.Pos2, op.Props, op.Combine, p, SeqUnassigned)
		if err != nil {
			return err
		}
		g.prevProps = prev
		g.rollback = c.annotateRollback
		for k := range op.Props {
			g.propKeys = append(g.propKeys, k)
		}
		for _, seg := range annotated {
			g.addSegment(seg)
		}

	default:
		return fmt.Errorf("%w: op type %s cannot apply locally", ErrMalformedOp, op.Type)
	}

	c.pending.Enqueue(g)
	return nil
}

// ApplyOp applies one sequenced envelope from the ordering service. Own
// envelopes acknowledge the oldest pending op; others apply in the author's
// perspective, which places concurrent edits without explicit transforms.
func (c *Client) ApplyOp(env *OpEnvelope) error {
	if !c.tree.window.Collaborating() {
		return ErrNotCollaborating
	}
	if env.Seq == SeqUnassigned {
		return fmt.Errorf("%w: client %d clientSeq %d", ErrUnsequencedOp, env.ClientID, env.ClientSeq)
	}
	if err := env.Op.Validate(); err != nil {
		return err
	}
	if env.ClientID == c.clientID {
		return c.ackOp(env)
	}
	return c.applyRemote(env)
}

func (c *Client) ackOp(env *OpEnvelope) error {
	var acked []Segment
	consumed := 0
	for g := c.pending.Peek(); g != nil && g.clientSeq == env.ClientSeq; g = c.pending.Peek() {
		c.pending.Dequeue()
		acked = append(acked, c.ackGroup(g, env.Seq)...)
		consumed++
	}
	if consumed == 0 {
		if c.pending.Empty() {
			return fmt.Errorf("%w: ack for clientSeq %d", ErrNoPendingOps, env.ClientSeq)
		}
		return fmt.Errorf("%w: ack for clientSeq %d but oldest pending is %d",
			ErrSequenceRegression, env.ClientSeq, c.pending.Peek().clientSeq)
	}
	if err := c.tree.window.advance(env.Seq, env.MinSeq); err != nil {
		return err
	}
	c.tree.emitMaintenance(&MaintenanceEvent{Kind: MaintAcknowledged, Segments: acked})
	c.log.WithFields(logrus.Fields{"seq": env.Seq, "clientSeq": env.ClientSeq}).Debug("op acknowledged")
	return nil
}

// ackGroup stamps the assigned sequence number onto a pending group's
// segments and releases the group.
func (c *Client) ackGroup(g *SegmentGroup, seq int) []Segment {
	segs := append([]Segment(nil), g.Segments()...)
	for _, seg := range segs {
		sb := seg.base()
		switch g.op {
		case OpInsert:
			if sb.seq == SeqUnassigned {
				sb.seq = seq
			}
			if len(g.propKeys) > 0 {
				sb.propsMgr.AckWrites(g.propKeys, seq)
			}
		case OpRemove:
			if sb.removedSeq == SeqUnassigned {
				sb.removedSeq = seq
			}
		case OpAnnotate:
			sb.propsMgr.AckWrites(g.propKeys, seq)
		}
		if blk := sb.parent; blk != nil {
			blk.invalidate()
		}
		g.releaseSegment(seg)
	}
	return segs
}

func (c *Client) applyRemote(env *OpEnvelope) error {
	p := Perspective{RefSeq: env.RefSeq, ClientID: env.ClientID}
	var err error
	if env.Op.Type == OpGroup {
		for i := range env.Op.Ops {
			if err = c.applyRemoteOp(&env.Op.Ops[i], p, env.Seq); err != nil {
				break
			}
		}
	} else {
		err = c.applyRemoteOp(&env.Op, p, env.Seq)
	}
	if err != nil {
		// The stream position still advances so later ops stay applicable;
		// the faulty op itself is dropped.
		c.log.WithFields(logrus.Fields{"seq": env.Seq, "from": env.ClientID}).WithError(err).Error("remote op dropped")
	}
	if aerr := c.tree.window.advance(env.Seq, env.MinSeq); aerr != nil {
		return aerr
	}
	return err
}

func (c *Client) applyRemoteOp(op *Op, p Perspective, seq int) error {
	switch op.Type {
	case OpInsert:
		var seg Segment
		if op.Marker != nil {
			seg = NewMarker(op.Marker.RefType)
		} else {
			seg = NewTextSegment(op.Text)
		}
		if len(op.Props) > 0 {
			seg.base().propsMgr.AddProperties(op.Props, CombineNone, seq)
		}
		return c.tree.Insert(op.Pos1, seg, p, seq)
	case OpRemove:
		_, err := c.tree.Remove(op.Pos1, op.Pos2, p, seq)
		return err
	case OpAnnotate:
		_, _, err := c.tree.Annotate(op.Pos1, op.Pos2, op.Props, op.Combine, p, seq)
		return err
	}
	return fmt.Errorf("%w: op type %s cannot apply remotely", ErrMalformedOp, op.Type)
}

// RollbackPending undoes the most recent unacknowledged local op, used when
// the service rejects a submission. Inserts are physically unlinked,
// removals are un-tombstoned, and annotations restore their property
// pre-images. A group op enqueues one group per sub-op under one client
// sequence number; the whole batch is undone, newest sub-op first.
func (c *Client) RollbackPending() error {
	g := c.pending.DequeueLast()
	if g == nil {
		return ErrNoPendingOps
	}
	c.rollbackGroup(g)
	for last := c.pending.PeekLast(); last != nil && last.clientSeq == g.clientSeq; last = c.pending.PeekLast() {
		c.rollbackGroup(c.pending.DequeueLast())
	}
	c.log.WithFields(logrus.Fields{"clientSeq": g.clientSeq, "op": g.op.String()}).Warn("pending op rolled back")
	return nil
}

func (c *Client) rollbackGroup(g *SegmentGroup) {
	for _, seg := range append([]Segment(nil), g.Segments()...) {
		sb := seg.base()
		switch g.op {
		case OpInsert:
			g.releaseSegment(seg)
			c.tree.unlinkSegment(seg)
		case OpRemove:
			for i, id := range sb.removedClientIDs {
				if id == c.clientID {
					sb.removedClientIDs = append(sb.removedClientIDs[:i], sb.removedClientIDs[i+1:]...)
					break
				}
			}
			g.releaseSegment(seg)
		case OpAnnotate:
			sb.propsMgr.Rollback(g.prevProps[seg], g.rollback)
			g.releaseSegment(seg)
		}
		if blk := sb.parent; blk != nil {
			blk.invalidate()
		}
	}
}

// OpFetcher retrieves a contiguous run of sequenced envelopes, used to
// catch a client up after reconnecting.
type OpFetcher interface {
	FetchOps(ctx context.Context, fromSeq, toSeq int) ([]*OpEnvelope, error)
}

// CatchUp fetches and applies every sequenced op after the client's current
// position, up to and including toSeq.
func (c *Client) CatchUp(ctx context.Context, f OpFetcher, toSeq int) error {
	from := c.tree.window.CurrentSeq() + 1
	if toSeq < from {
		return nil
	}
	envs, err := f.FetchOps(ctx, from, toSeq)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := c.ApplyOp(env); err != nil {
			return err
		}
	}
	c.log.WithFields(logrus.Fields{"from": from, "to": toSeq}).Info("caught up")
	return nil
}

// CollectGarbage runs an eviction pass over the client's tree.
func (c *Client) CollectGarbage() EvictionStats {
	stats := c.tree.CollectGarbage()
	if stats.SegmentsEvicted > 0 {
		c.log.WithFields(logrus.Fields{
			"evicted":  stats.SegmentsEvicted,
			"bytes":    stats.BytesReclaimed,
			"detached": stats.RefsDetached,
		}).Debug("eviction pass")
	}
	return stats
}
