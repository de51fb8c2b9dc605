package mergetree

// SegmentGroup correlates one pending local op with the segments it
// touched. Created when the op is applied locally, it is consumed either by
// the ack that assigns the op its sequence number or by a rollback that
// undoes the op. Segments keep a stack of the groups they belong to, so a
// segment split while an op is pending joins the same groups as its left
// half.
type SegmentGroup struct {
	op        OpType
	clientSeq int
	segments  SortedSegmentSet

	// prevProps holds per-segment property pre-images for annotate ops.
	prevProps map[Segment]PropertySet

	// propKeys are the keys the annotate wrote, for ack stamping.
	propKeys []string

	// rollback selects how prevProps is restored if the op is rolled back.
	rollback PropertiesRollback
}

// Op returns the op type the group tracks.
func (g *SegmentGroup) Op() OpType { return g.op }

// ClientSeq returns the client sequence number of the pending op.
func (g *SegmentGroup) ClientSeq() int { return g.clientSeq }

// Segments returns the tracked segments in document order.
func (g *SegmentGroup) Segments() []Segment { return g.segments.Items() }

func (g *SegmentGroup) addSegment(seg Segment) {
	if g.segments.Add(seg) {
		seg.base().groups = append(seg.base().groups, g)
	}
}

// adoptSplit records the trailing half of a split whose left half is
// already tracked, carrying the pre-image over for annotate rollback.
func (g *SegmentGroup) adoptSplit(left, right Segment) {
	g.segments.Add(right)
	if g.prevProps != nil {
		if prev, ok := g.prevProps[left]; ok {
			g.prevProps[right] = prev.Clone()
		}
	}
}

func (g *SegmentGroup) releaseSegment(seg Segment) {
	sb := seg.base()
	for i, og := range sb.groups {
		if og == g {
			sb.groups = append(sb.groups[:i], sb.groups[i+1:]...)
			return
		}
	}
}

// SegmentGroupCollection is a client's FIFO of pending local ops, keyed by
// submission order. Acks consume from the front; a rollback of the most
// recent unacknowledged op consumes from the back.
type SegmentGroupCollection struct {
	groups []*SegmentGroup
}

// Len returns the number of pending groups.
func (c *SegmentGroupCollection) Len() int { return len(c.groups) }

// Empty reports whether no ops are pending.
func (c *SegmentGroupCollection) Empty() bool { return len(c.groups) == 0 }

// Enqueue appends a newly created group.
func (c *SegmentGroupCollection) Enqueue(g *SegmentGroup) {
	c.groups = append(c.groups, g)
}

// Dequeue removes and returns the oldest pending group, or nil.
func (c *SegmentGroupCollection) Dequeue() *SegmentGroup {
	if len(c.groups) == 0 {
		return nil
	}
	g := c.groups[0]
	c.groups = c.groups[1:]
	return g
}

// DequeueLast removes and returns the newest pending group, or nil.
func (c *SegmentGroupCollection) DequeueLast() *SegmentGroup {
	if len(c.groups) == 0 {
		return nil
	}
	g := c.groups[len(c.groups)-1]
	c.groups = c.groups[:len(c.groups)-1]
	return g
}

// PeekLast returns the newest pending group without removing it, or nil.
func (c *SegmentGroupCollection) PeekLast() *SegmentGroup {
	if len(c.groups) == 0 {
		return nil
	}
	return c.groups[len(c.groups)-1]
}

// Peek returns the oldest pending group without removing it, or nil.
func (c *SegmentGroupCollection) Peek() *SegmentGroup {
	if len(c.groups) == 0 {
		return nil
	}
	return c.groups[0]
}
