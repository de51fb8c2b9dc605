package mergetree

// Ordinals are lexicographically sortable path keys: one byte per tree
// level, prefixed by the parent block's ordinal. Comparison order is always
// consistent with in-order traversal, and keys stay unique across splits
// because a new child takes a byte strictly between its neighbors'. Only
// when a block's byte range has no gap left is its subtree renumbered.

const (
	ordinalMin byte = 0x01
	ordinalMax byte = 0xFE
)

func ordAppend(prefix string, b byte) string {
	return prefix + string([]byte{b})
}

// ordSuffix returns the node's own byte at its level.
func ordSuffix(ord string) byte {
	if ord == "" {
		return 0
	}
	return ord[len(ord)-1]
}

// assignChildOrdinal gives the child at index i an ordinal between its
// neighbors, renumbering the whole block when no gap remains. The child is
// already present in the child list.
func (b *MergeBlock) assignChildOrdinal(i int) {
	lo := ordinalMin - 1 // exclusive bounds
	hi := ordinalMax + 1
	if i > 0 {
		lo = ordSuffix(b.children[i-1].ordinal())
	}
	if i < len(b.children)-1 {
		hi = ordSuffix(b.children[i+1].ordinal())
	}
	if hi > lo+1 {
		reprefixSubtree(b.children[i], ordAppend(b.ord, lo+(hi-lo)/2))
		return
	}
	b.assignSubtreeOrdinals()
}

// assignSubtreeOrdinals renumbers the block's children evenly and recurses,
// rebuilding every ordinal beneath the block.
func (b *MergeBlock) assignSubtreeOrdinals() {
	n := len(b.children)
	if n == 0 {
		return
	}
	step := (int(ordinalMax) - int(ordinalMin)) / n
	if step == 0 {
		step = 1
	}
	for i, c := range b.children {
		c.setOrdinal(ordAppend(b.ord, ordinalMin+byte(i*step)))
		if blk, ok := c.(*MergeBlock); ok {
			blk.assignSubtreeOrdinals()
		}
	}
}

// reprefixSubtree moves a node to a new ordinal, rewriting descendant
// prefixes while keeping their relative byte spacing.
func reprefixSubtree(n node, ord string) {
	n.setOrdinal(ord)
	blk, ok := n.(*MergeBlock)
	if !ok {
		return
	}
	for _, c := range blk.children {
		reprefixSubtree(c, ordAppend(ord, ordSuffix(c.ordinal())))
	}
}
