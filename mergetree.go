package mergetree

import (
	"fmt"
	"math"
	"strings"
)

// MergeTree is the block tree holding the ordered segment sequence, plus
// the collaboration window bounding which removed segments may still be
// referenced by some client. A tree is exclusively owned by one Client;
// all mutation is synchronous and single-threaded.
type MergeTree struct {
	root      *MergeBlock
	window    CollaborationWindow
	observers []TreeObserver
}

// NewMergeTree creates an empty tree.
func NewMergeTree() *MergeTree {
	return &MergeTree{root: &MergeBlock{}}
}

// Window returns the tree's collaboration window.
func (t *MergeTree) Window() *CollaborationWindow { return &t.window }

// StartCollaboration begins tracking sequence numbers for the given local
// client. Content inserted before this call belongs to the shared base
// state.
func (t *MergeTree) StartCollaboration(clientID, currentSeq, minSeq int) {
	t.window.start(clientID, currentSeq, minSeq)
}

// localPerspective is the owning client's current view: everything
// sequenced so far plus the client's own pending edits.
func (t *MergeTree) localPerspective() Perspective {
	return Perspective{RefSeq: t.window.CurrentSeq(), ClientID: t.window.ClientID()}
}

// Length returns the visible length from the given perspective.
func (t *MergeTree) Length(p Perspective) int { return t.root.lengthAt(p) }

// LocalLength returns the visible length from the local perspective.
func (t *MergeTree) LocalLength() int { return t.root.lengthAt(t.localPerspective()) }

// TextAt materializes the visible text from the given perspective. Markers
// occupy a position but contribute no text.
func (t *MergeTree) TextAt(p Perspective) string {
	var sb strings.Builder
	t.walkAll(func(seg Segment) bool {
		if seg.base().visibleAt(p) {
			if ts, ok := seg.(*TextSegment); ok {
				sb.WriteString(ts.Text())
			}
		}
		return true
	})
	return sb.String()
}

// Text materializes the visible text from the local perspective.
func (t *MergeTree) Text() string { return t.TextAt(t.localPerspective()) }

// Walk visits every segment visible from p in document order, with its
// starting position, until fn returns false.
func (t *MergeTree) Walk(p Perspective, fn func(seg Segment, pos int) bool) {
	pos := 0
	t.walkAll(func(seg Segment) bool {
		l := seg.lengthAt(p)
		if l == 0 {
			return true
		}
		if !fn(seg, pos) {
			return false
		}
		pos += l
		return true
	})
}

// Search returns the first visible segment satisfying pred, with its
// position, or nil.
func (t *MergeTree) Search(p Perspective, pred func(Segment) bool) (Segment, int) {
	var found Segment
	var at int
	t.Walk(p, func(seg Segment, pos int) bool {
		if pred(seg) {
			found, at = seg, pos
			return false
		}
		return true
	})
	return found, at
}

// WalkRange visits every segment overlapping the visible range [start,end)
// from p, in document order, until fn returns false.
func (t *MergeTree) WalkRange(start, end int, p Perspective, fn func(seg Segment, pos int) bool) error {
	if err := t.validateRange(start, end, p); err != nil {
		return err
	}
	t.Walk(p, func(seg Segment, pos int) bool {
		if pos >= end {
			return false
		}
		if pos+seg.lengthAt(p) <= start {
			return true
		}
		return fn(seg, pos)
	})
	return nil
}

// ContainingSegment returns the segment holding the visible position pos
// from perspective p, with the offset inside it.
func (t *MergeTree) ContainingSegment(pos int, p Perspective) (Segment, int, error) {
	seg, off, err := t.segmentAt(pos, p)
	if err != nil {
		return nil, 0, err
	}
	if seg == nil {
		return nil, 0, fmt.Errorf("%w: position %d is past the last segment", ErrPositionOutOfBounds, pos)
	}
	return seg, off, nil
}

// walkAll visits every segment, tombstoned or not, in traversal order.
func (t *MergeTree) walkAll(fn func(Segment) bool) bool {
	return walkBlock(t.root, fn)
}

func walkBlock(b *MergeBlock, fn func(Segment) bool) bool {
	for _, c := range b.children {
		if blk, ok := c.(*MergeBlock); ok {
			if !walkBlock(blk, fn) {
				return false
			}
		} else if !fn(c.(Segment)) {
			return false
		}
	}
	return true
}

// segmentAt returns the segment containing the visible position pos from
// perspective p and the offset within it. pos equal to the visible length
// returns a nil segment (append point).
func (t *MergeTree) segmentAt(pos int, p Perspective) (Segment, int, error) {
	total := t.root.lengthAt(p)
	if pos < 0 || pos > total {
		return nil, 0, fmt.Errorf("%w: position %d of length %d", ErrPositionOutOfBounds, pos, total)
	}
	if pos == total {
		return nil, 0, nil
	}
	var n node = t.root
	for {
		blk, ok := n.(*MergeBlock)
		if !ok {
			return n.(Segment), pos, nil
		}
		descended := false
		for _, c := range blk.children {
			l := c.lengthAt(p)
			if pos < l {
				n = c
				descended = true
				break
			}
			pos -= l
		}
		if !descended {
			return nil, 0, fmt.Errorf("%w: partial lengths disagree with children", ErrInternal)
		}
	}
}

// segmentPosition returns seg's starting position from perspective p,
// summing sibling lengths along the parent chain.
func (t *MergeTree) segmentPosition(seg Segment, p Perspective) int {
	pos := 0
	var child node = seg
	for blk := seg.parentBlock(); blk != nil; blk = blk.parent {
		for _, c := range blk.children {
			if c == child {
				break
			}
			pos += c.lengthAt(p)
		}
		child = blk
	}
	return pos
}

// ResolvePosition translates a position expressed in one perspective into
// another, anchoring to the containing segment.
func (t *MergeTree) ResolvePosition(pos int, from, to Perspective) (int, error) {
	seg, off, err := t.segmentAt(pos, from)
	if err != nil {
		return 0, err
	}
	if seg == nil {
		return t.root.lengthAt(to), nil
	}
	base := t.segmentPosition(seg, to)
	if seg.base().visibleAt(to) {
		return base + off, nil
	}
	return base, nil
}

// orderKey is the deterministic placement key for concurrent inserts at
// the same position: ascending sequence number, ties by ascending client
// id. A pending segment orders after every sequenced one.
type orderKey struct {
	seq      int
	clientID int
}

func orderKeyOf(sb *baseSegment) orderKey {
	s := sb.seq
	if s == SeqUnassigned {
		s = math.MaxInt
	}
	return orderKey{seq: s, clientID: sb.clientID}
}

func (k orderKey) less(o orderKey) bool {
	if k.seq != o.seq {
		return k.seq < o.seq
	}
	return k.clientID < o.clientID
}

// Insert places seg at the visible position pos from perspective p,
// stamping it with the given sequence number (SeqUnassigned for pending
// local inserts). Inserting mid-segment splits the leaf; both halves keep
// their provenance and properties.
func (t *MergeTree) Insert(pos int, seg Segment, p Perspective, seq int) error {
	sb := seg.base()
	if sb.length < 0 {
		return fmt.Errorf("%w: negative segment length %d", ErrInternal, sb.length)
	}
	sb.seq = seq
	sb.clientID = p.ClientID

	target, off, err := t.segmentAt(pos, p)
	if err != nil {
		return fmt.Errorf("%w: insert position %d", ErrInvalidOp, pos)
	}
	if target != nil && off > 0 {
		rest, err := t.splitSegment(target, off)
		if err != nil {
			return err
		}
		t.linkSegment(seg, rest)
	} else {
		t.linkSegment(seg, t.tieBreakInsert(target, sb, p))
	}
	t.emitMaintenance(&MaintenanceEvent{Kind: MaintAppend, Segments: []Segment{seg}})
	t.emitDelta(&DeltaEvent{
		Kind:     DeltaInsert,
		Segments: []Segment{seg},
		ClientID: p.ClientID,
		Seq:      seq,
		Local:    seq == SeqUnassigned,
	})
	return nil
}

// tieBreakInsert walks left over segments invisible to the op's
// perspective that must order after the new segment, so concurrent inserts
// at the same position land in ascending sequence order.
func (t *MergeTree) tieBreakInsert(before Segment, sb *baseSegment, p Perspective) Segment {
	key := orderKeyOf(sb)
	var prev Segment
	if before == nil {
		prev = rightmostSegment(t.root)
	} else {
		prev = prevSegment(before)
	}
	for prev != nil && prev.lengthAt(p) == 0 && key.less(orderKeyOf(prev.base())) {
		before = prev
		prev = prevSegment(prev)
	}
	return before
}

// linkSegment links seg into the tree immediately before the given
// segment, or at the end when before is nil.
func (t *MergeTree) linkSegment(seg Segment, before Segment) {
	if before != nil {
		blk := before.parentBlock()
		t.insertChildAt(blk, blk.indexOf(before), seg)
		return
	}
	blk := t.root
	for len(blk.children) > 0 {
		child, ok := blk.children[len(blk.children)-1].(*MergeBlock)
		if !ok {
			break
		}
		blk = child
	}
	t.insertChildAt(blk, len(blk.children), seg)
}

func (t *MergeTree) insertChildAt(b *MergeBlock, i int, c node) {
	b.children = append(b.children, nil)
	copy(b.children[i+1:], b.children[i:])
	b.children[i] = c
	c.setParentBlock(b)
	b.invalidate()
	b.assignChildOrdinal(i)
	if len(b.children) > MaxBlockChildren {
		t.rebalanceOverflow(b)
	}
}

// rebalanceOverflow restores the fan-out cap on b, preferring to shift an
// edge child to an adjacent sibling with room before splitting the block.
func (t *MergeTree) rebalanceOverflow(b *MergeBlock) {
	if p := b.parent; p != nil {
		i := p.indexOf(b)
		if i > 0 {
			if left, ok := p.children[i-1].(*MergeBlock); ok && len(left.children) < MaxBlockChildren {
				moved := b.children[0]
				b.children = b.children[1:]
				b.invalidate()
				t.insertChildAt(left, len(left.children), moved)
				return
			}
		}
		if i >= 0 && i < len(p.children)-1 {
			if right, ok := p.children[i+1].(*MergeBlock); ok && len(right.children) < MaxBlockChildren {
				moved := b.children[len(b.children)-1]
				b.children = b.children[:len(b.children)-1]
				b.invalidate()
				t.insertChildAt(right, 0, moved)
				return
			}
		}
	}
	t.splitBlock(b)
}

func (t *MergeTree) splitBlock(b *MergeBlock) {
	mid := len(b.children) / 2
	sib := &MergeBlock{}
	sib.children = append(sib.children, b.children[mid:]...)
	b.children = append([]node(nil), b.children[:mid]...)
	for _, c := range sib.children {
		c.setParentBlock(sib)
	}
	b.invalidate()

	if b.parent == nil {
		root := &MergeBlock{}
		root.children = []node{b, sib}
		b.parent = root
		sib.parent = root
		t.root = root
		reprefixSubtree(b, ordAppend("", 0x55))
		reprefixSubtree(sib, ordAppend("", 0xAA))
		return
	}
	parent := b.parent
	t.insertChildAt(parent, parent.indexOf(b)+1, sib)
}

func (t *MergeTree) removeChild(b *MergeBlock, c node) {
	if i := b.indexOf(c); i >= 0 {
		b.children = append(b.children[:i], b.children[i+1:]...)
	}
	c.setParentBlock(nil)
	b.invalidate()
	if len(b.children) == 0 && b.parent != nil {
		t.removeChild(b.parent, b)
	}
}

// splitSegment splits seg at offset, links the trailing half in behind it,
// and joins the half to seg's pending groups.
func (t *MergeTree) splitSegment(seg Segment, offset int) (Segment, error) {
	rest, err := seg.Split(offset)
	if err != nil {
		return nil, err
	}
	blk := seg.parentBlock()
	t.insertChildAt(blk, blk.indexOf(seg)+1, rest)
	for _, g := range rest.base().groups {
		g.adoptSplit(seg, rest)
	}
	t.emitMaintenance(&MaintenanceEvent{Kind: MaintSplit, Segments: []Segment{seg, rest}})
	return rest, nil
}

func (t *MergeTree) validateRange(start, end int, p Perspective) error {
	if start < 0 || end <= start {
		return fmt.Errorf("%w: [%d,%d)", ErrInvalidRange, start, end)
	}
	if total := t.root.lengthAt(p); end > total {
		return fmt.Errorf("%w: range [%d,%d) exceeds visible length %d", ErrInvalidOp, start, end, total)
	}
	return nil
}

// splitRangeEnds splits leaf segments straddling the range boundaries so
// the range covers whole segments.
func (t *MergeTree) splitRangeEnds(start, end int, p Perspective) error {
	for _, pos := range [2]int{start, end} {
		if pos >= t.root.lengthAt(p) {
			continue
		}
		seg, off, err := t.segmentAt(pos, p)
		if err != nil {
			return err
		}
		if seg != nil && off > 0 {
			if _, err := t.splitSegment(seg, off); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remove tombstones the visible range [start,end) from perspective p.
// Segments are marked with the removal's sequence number and removing
// client rather than deleted; physical eviction waits for the collaboration
// window. Concurrent removes keep the earliest removal seq and accumulate
// removing clients. Returns the tombstoned segments in document order.
func (t *MergeTree) Remove(start, end int, p Perspective, seq int) ([]Segment, error) {
	if err := t.validateRange(start, end, p); err != nil {
		return nil, err
	}
	if err := t.splitRangeEnds(start, end, p); err != nil {
		return nil, err
	}
	first, _, err := t.segmentAt(start, p)
	if err != nil || first == nil {
		return nil, fmt.Errorf("%w: remove range [%d,%d)", ErrInvalidOp, start, end)
	}

	var removed []Segment
	need := end - start
	for s := first; s != nil && need > 0; s = nextSegment(s) {
		l := s.lengthAt(p)
		if l == 0 {
			continue
		}
		sb := s.base()
		if seq == SeqUnassigned {
			sb.removedClientIDs = append(sb.removedClientIDs, p.ClientID)
		} else {
			if sb.removedSeq == SeqUnassigned {
				sb.removedSeq = seq
			}
			if p.ClientID != NoClientID && !sb.hasRemovingClient(p.ClientID) {
				sb.removedClientIDs = append(sb.removedClientIDs, p.ClientID)
			}
		}
		t.slideReferences(s)
		if blk := s.parentBlock(); blk != nil {
			blk.invalidate()
		}
		removed = append(removed, s)
		need -= l
	}
	if need != 0 {
		return removed, fmt.Errorf("%w: remove walk fell short by %d", ErrInternal, need)
	}
	t.emitDelta(&DeltaEvent{
		Kind:     DeltaRemove,
		Segments: removed,
		ClientID: p.ClientID,
		Seq:      seq,
		Local:    seq == SeqUnassigned,
	})
	return removed, nil
}

// Annotate applies props to the visible range [start,end) from perspective
// p. Returns the touched segments and their property pre-images, which a
// pending local op records for rollback.
func (t *MergeTree) Annotate(start, end int, props PropertySet, op CombiningOp, p Perspective, seq int) ([]Segment, map[Segment]PropertySet, error) {
	if len(props) == 0 {
		return nil, nil, fmt.Errorf("%w: annotate with empty property set", ErrMalformedOp)
	}
	if err := t.validateRange(start, end, p); err != nil {
		return nil, nil, err
	}
	if err := t.splitRangeEnds(start, end, p); err != nil {
		return nil, nil, err
	}
	first, _, err := t.segmentAt(start, p)
	if err != nil || first == nil {
		return nil, nil, fmt.Errorf("%w: annotate range [%d,%d)", ErrInvalidOp, start, end)
	}

	var annotated []Segment
	prev := make(map[Segment]PropertySet)
	need := end - start
	for s := first; s != nil && need > 0; s = nextSegment(s) {
		l := s.lengthAt(p)
		if l == 0 {
			continue
		}
		prev[s] = s.base().propsMgr.AddProperties(props, op, seq)
		annotated = append(annotated, s)
		need -= l
	}
	if need != 0 {
		return annotated, prev, fmt.Errorf("%w: annotate walk fell short by %d", ErrInternal, need)
	}
	t.emitDelta(&DeltaEvent{
		Kind:     DeltaAnnotate,
		Segments: annotated,
		ClientID: p.ClientID,
		Seq:      seq,
		Local:    seq == SeqUnassigned,
	})
	return annotated, prev, nil
}

// unlinkSegment physically detaches seg from the tree, detaching any
// references still anchored to it.
func (t *MergeTree) unlinkSegment(seg Segment) {
	sb := seg.base()
	for _, ref := range sb.localRefs.refs {
		ref.detach()
	}
	sb.localRefs.refs = nil
	if blk := sb.parent; blk != nil {
		t.removeChild(blk, seg)
	}
}
