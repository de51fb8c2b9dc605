package mergetree

// EvictionStats summarizes one garbage collection pass.
type EvictionStats struct {
	// SegmentsExamined counts segments visited by the pass.
	SegmentsExamined int

	// SegmentsEvicted counts segments physically unlinked.
	SegmentsEvicted int

	// RefsDetached counts references detached because their host was
	// evicted.
	RefsDetached int

	// BytesReclaimed sums the lengths of evicted segments.
	BytesReclaimed int
}

// evictable reports whether the segment's removal is below the window's
// minimum sequence number, so no client can still see it. Pending removals
// never qualify.
func evictable(sb *baseSegment, minSeq int) bool {
	return sb.removedSeq != SeqUnassigned && sb.removedSeq <= minSeq
}

// CollectGarbage physically evicts every segment whose removal no client
// can still reference, pruning blocks emptied in the process. References
// still anchored to evicted tombstones are detached first. Running a pass
// twice is a no-op the second time.
func (t *MergeTree) CollectGarbage() EvictionStats {
	var stats EvictionStats
	minSeq := t.window.MinSeq()

	var victims []Segment
	t.walkAll(func(seg Segment) bool {
		stats.SegmentsExamined++
		if evictable(seg.base(), minSeq) {
			victims = append(victims, seg)
		}
		return true
	})
	if len(victims) == 0 {
		return stats
	}

	for _, seg := range victims {
		sb := seg.base()
		stats.RefsDetached += sb.localRefs.Count()
		stats.BytesReclaimed += sb.length
		for _, g := range sb.groups {
			g.segments.Remove(seg)
		}
		sb.groups = nil
		t.unlinkSegment(seg)
		stats.SegmentsEvicted++
	}
	t.emitMaintenance(&MaintenanceEvent{Kind: MaintUnlink, Segments: victims})
	return stats
}
