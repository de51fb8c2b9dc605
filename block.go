package mergetree

// MaxBlockChildren is the fan-out cap for internal tree nodes. A block that
// would exceed it redistributes children to a sibling or splits.
const MaxBlockChildren = 8

// MergeBlock is an internal tree node aggregating segments and sub-blocks.
// It caches the subtree length per perspective so translating a position
// between a client's local view and the shared sequence space does not
// re-walk the leaves. The cache is generation-stamped and invalidated
// bottom-up on every structural or visibility change beneath the block.
type MergeBlock struct {
	parent   *MergeBlock
	ord      string
	children []node

	partial    map[Perspective]int
	partialGen uint64
	gen        uint64
}

func (b *MergeBlock) parentBlock() *MergeBlock     { return b.parent }
func (b *MergeBlock) setParentBlock(p *MergeBlock) { b.parent = p }
func (b *MergeBlock) ordinal() string              { return b.ord }
func (b *MergeBlock) setOrdinal(ord string)        { b.ord = ord }

// ChildCount returns the number of direct children.
func (b *MergeBlock) ChildCount() int { return len(b.children) }

// lengthAt returns the subtree's length from the given perspective,
// consulting the partial-length cache when it is current.
func (b *MergeBlock) lengthAt(p Perspective) int {
	if b.partial == nil || b.partialGen != b.gen {
		b.partial = make(map[Perspective]int, 4)
		b.partialGen = b.gen
	} else if v, ok := b.partial[p]; ok {
		return v
	}
	var sum int
	for _, c := range b.children {
		sum += c.lengthAt(p)
	}
	b.partial[p] = sum
	return sum
}

// invalidate marks the partial-length caches of this block and every
// ancestor stale.
func (b *MergeBlock) invalidate() {
	for blk := b; blk != nil; blk = blk.parent {
		blk.gen++
	}
}

func (b *MergeBlock) indexOf(c node) int {
	for i, ch := range b.children {
		if ch == c {
			return i
		}
	}
	return -1
}

// leftmostSegment returns the first segment in the subtree, or nil.
func leftmostSegment(n node) Segment {
	for {
		blk, ok := n.(*MergeBlock)
		if !ok {
			return n.(Segment)
		}
		if len(blk.children) == 0 {
			return nil
		}
		n = blk.children[0]
	}
}

// rightmostSegment returns the last segment in the subtree, or nil.
func rightmostSegment(n node) Segment {
	for {
		blk, ok := n.(*MergeBlock)
		if !ok {
			return n.(Segment)
		}
		if len(blk.children) == 0 {
			return nil
		}
		n = blk.children[len(blk.children)-1]
	}
}

// nextSegment returns the segment after seg in traversal order, or nil.
func nextSegment(seg Segment) Segment {
	var child node = seg
	for blk := seg.parentBlock(); blk != nil; blk = blk.parent {
		i := blk.indexOf(child)
		for j := i + 1; j < len(blk.children); j++ {
			if s := leftmostSegment(blk.children[j]); s != nil {
				return s
			}
		}
		child = blk
	}
	return nil
}

// prevSegment returns the segment before seg in traversal order, or nil.
func prevSegment(seg Segment) Segment {
	var child node = seg
	for blk := seg.parentBlock(); blk != nil; blk = blk.parent {
		i := blk.indexOf(child)
		for j := i - 1; j >= 0; j-- {
			if s := rightmostSegment(blk.children[j]); s != nil {
				return s
			}
		}
		child = blk
	}
	return nil
}
