package mergetree

import "fmt"

// DetachedReferencePosition is returned when a reference no longer anchors
// to any segment.
const DetachedReferencePosition = -1

// ReferenceType is a bit set describing how a reference participates in
// search and how it behaves when its host segment is removed.
type ReferenceType int

const (
	// RefSimple is a plain positional anchor.
	RefSimple ReferenceType = 0

	// RefTile makes the reference discoverable by tile-label search.
	RefTile ReferenceType = 1 << 0

	// RefRangeBegin marks the start of a labeled range.
	RefRangeBegin ReferenceType = 1 << 1

	// RefRangeEnd marks the end of a labeled range.
	RefRangeEnd ReferenceType = 1 << 2

	// RefSlideOnRemove relocates the reference to the nearest live
	// segment when its host is removed.
	RefSlideOnRemove ReferenceType = 1 << 3

	// RefStayOnRemove keeps the reference on the tombstoned segment
	// until physical eviction, then detaches it.
	RefStayOnRemove ReferenceType = 1 << 4

	// RefTransient references are never stored in a segment's
	// collection; they live only as long as the operation that created
	// them.
	RefTransient ReferenceType = 1 << 5
)

// Has reports whether all bits of flag are set.
func (t ReferenceType) Has(flag ReferenceType) bool { return t&flag == flag }

// LocalReference is a stable anchor into tree content. It survives
// mutation of its surroundings; its slide policy decides what happens when
// the segment it anchors to is removed.
type LocalReference struct {
	seg     Segment
	offset  int
	refType ReferenceType
	props   PropertySet
}

// Segment returns the host segment, or nil when detached.
func (r *LocalReference) Segment() Segment { return r.seg }

// Offset returns the reference's offset within its host segment.
func (r *LocalReference) Offset() int { return r.offset }

// Type returns the reference's flags.
func (r *LocalReference) Type() ReferenceType { return r.refType }

// Properties returns the reference's property set. May be nil.
func (r *LocalReference) Properties() PropertySet { return r.props }

// IsDetached reports whether the reference lost its anchor.
func (r *LocalReference) IsDetached() bool { return r.seg == nil }

func (r *LocalReference) detach() {
	r.seg = nil
	r.offset = 0
}

// LocalReferenceCollection is the ordered set of references anchored to one
// segment, kept sorted by offset.
type LocalReferenceCollection struct {
	refs []*LocalReference
}

// Count returns the number of stored references.
func (c *LocalReferenceCollection) Count() int { return len(c.refs) }

// Walk calls fn for each reference in offset order until fn returns false.
func (c *LocalReferenceCollection) Walk(fn func(*LocalReference) bool) {
	for _, r := range c.refs {
		if !fn(r) {
			return
		}
	}
}

func (c *LocalReferenceCollection) add(r *LocalReference) {
	i := len(c.refs)
	for i > 0 && c.refs[i-1].offset > r.offset {
		i--
	}
	c.refs = append(c.refs, nil)
	copy(c.refs[i+1:], c.refs[i:])
	c.refs[i] = r
}

func (c *LocalReferenceCollection) remove(r *LocalReference) bool {
	for i, ref := range c.refs {
		if ref == r {
			c.refs = append(c.refs[:i], c.refs[i+1:]...)
			return true
		}
	}
	return false
}

// moveAtOrPast transfers references at or past offset to the trailing half
// of a split, rebasing their offsets.
func (c *LocalReferenceCollection) moveAtOrPast(offset int, dst Segment) {
	var keep []*LocalReference
	dstBase := dst.base()
	for _, r := range c.refs {
		if r.offset >= offset {
			r.seg = dst
			r.offset -= offset
			dstBase.localRefs.refs = append(dstBase.localRefs.refs, r)
		} else {
			keep = append(keep, r)
		}
	}
	c.refs = keep
}

// CreateLocalReference anchors a reference at the given offset of seg.
// Transient references are returned but never stored, so they do not
// outlive the operation that created them.
func (t *MergeTree) CreateLocalReference(seg Segment, offset int, refType ReferenceType) (*LocalReference, error) {
	if offset < 0 || offset > seg.Length() {
		return nil, fmt.Errorf("%w: reference offset %d of segment length %d", ErrPositionOutOfBounds, offset, seg.Length())
	}
	ref := &LocalReference{seg: seg, offset: offset, refType: refType}
	if !refType.Has(RefTransient) {
		seg.base().localRefs.add(ref)
	}
	return ref, nil
}

// RemoveLocalReference drops a reference from its host segment.
func (t *MergeTree) RemoveLocalReference(ref *LocalReference) {
	if ref.seg != nil {
		ref.seg.base().localRefs.remove(ref)
	}
	ref.detach()
}

// ResolveReference returns the reference's position in the local
// perspective, or DetachedReferencePosition.
func (t *MergeTree) ResolveReference(ref *LocalReference) int {
	if ref.seg == nil {
		return DetachedReferencePosition
	}
	p := t.localPerspective()
	pos := t.segmentPosition(ref.seg, p)
	if ref.seg.base().visibleAt(p) {
		return pos + ref.offset
	}
	// Tombstoned host contributes no length; the reference resolves to
	// the boundary where the segment was.
	return pos
}

// slideReferences relocates or retains seg's references according to their
// slide policy. Called when seg is tombstoned. SlideOnRemove references
// move to the start of the nearest following live segment, else the end of
// the nearest preceding live segment, else detach. Everything else stays
// anchored to the tombstone.
func (t *MergeTree) slideReferences(seg Segment) {
	col := &seg.base().localRefs
	if len(col.refs) == 0 {
		return
	}
	var keep []*LocalReference
	for _, ref := range col.refs {
		if !ref.refType.Has(RefSlideOnRemove) {
			keep = append(keep, ref)
			continue
		}
		t.slideReference(ref)
	}
	col.refs = keep
}

func (t *MergeTree) slideReference(ref *LocalReference) {
	for s := nextSegment(ref.seg); s != nil; s = nextSegment(s) {
		if !s.base().isRemoved() {
			ref.seg = s
			ref.offset = 0
			s.base().localRefs.add(ref)
			return
		}
	}
	for s := prevSegment(ref.seg); s != nil; s = prevSegment(s) {
		if !s.base().isRemoved() {
			ref.seg = s
			ref.offset = s.Length()
			s.base().localRefs.add(ref)
			return
		}
	}
	ref.detach()
}
