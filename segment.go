package mergetree

import "fmt"

const (
	// SeqUnassigned marks a change that has been applied locally but not
	// yet assigned a sequence number by the ordering service.
	SeqUnassigned = -1

	// SeqBase is the sequence number of the initial, pre-collaboration
	// state. Every sequenced op has a sequence number greater than this.
	SeqBase = 0

	// NoClientID marks content not attributed to any collaborating client.
	NoClientID = -1
)

// Perspective identifies a point in the shared sequence space from which
// positions and lengths are evaluated: everything sequenced at or before
// RefSeq is visible, plus everything authored by ClientID regardless of
// its sequencing state.
type Perspective struct {
	RefSeq   int
	ClientID int
}

// node is implemented by both segments and blocks so blocks can hold a
// mixed child list.
type node interface {
	lengthAt(p Perspective) int
	parentBlock() *MergeBlock
	setParentBlock(b *MergeBlock)
	ordinal() string
	setOrdinal(ord string)
}

// Segment is an atomic leaf unit of tree content: a text run or a marker.
// Segments carry insertion and removal provenance so any perspective can be
// evaluated against them, an ordinal giving their stable traversal order,
// and the local references anchored to them.
type Segment interface {
	node

	// Length returns the segment's length in position space. Markers
	// have length 1.
	Length() int

	// Seq returns the sequence number at which the segment became
	// visible, or SeqUnassigned while the insert is still pending.
	Seq() int

	// ClientID returns the id of the client that inserted the segment.
	ClientID() int

	// RemovedSeq returns the sequence number of the removal, or
	// SeqUnassigned if the segment is live or only pending-removed.
	RemovedSeq() int

	// RemovedClientIDs returns the ids of all clients that removed the
	// segment, in arrival order.
	RemovedClientIDs() []int

	// Properties returns the segment's property set. May be nil.
	Properties() PropertySet

	// Split divides the segment at offset, keeping [0,offset) in the
	// receiver and returning the trailing half. The trailing half
	// inherits provenance, properties, pending groups, and any
	// references anchored at or past the offset. The returned segment
	// is not yet linked into the tree.
	Split(offset int) (Segment, error)

	base() *baseSegment
}

// baseSegment carries the state shared by all segment kinds.
type baseSegment struct {
	parent *MergeBlock
	ord    string
	length int

	seq              int
	clientID         int
	removedSeq       int
	removedClientIDs []int

	propsMgr  PropertiesManager
	localRefs LocalReferenceCollection
	groups    []*SegmentGroup
}

func newBaseSegment(length int) baseSegment {
	return baseSegment{
		length:     length,
		seq:        SeqUnassigned,
		clientID:   NoClientID,
		removedSeq: SeqUnassigned,
	}
}

func (s *baseSegment) base() *baseSegment        { return s }
func (s *baseSegment) parentBlock() *MergeBlock  { return s.parent }
func (s *baseSegment) setParentBlock(b *MergeBlock) { s.parent = b }
func (s *baseSegment) ordinal() string           { return s.ord }
func (s *baseSegment) setOrdinal(ord string)     { s.ord = ord }

func (s *baseSegment) Length() int              { return s.length }
func (s *baseSegment) Seq() int                 { return s.seq }
func (s *baseSegment) ClientID() int            { return s.clientID }
func (s *baseSegment) RemovedSeq() int          { return s.removedSeq }
func (s *baseSegment) RemovedClientIDs() []int  { return s.removedClientIDs }
func (s *baseSegment) Properties() PropertySet  { return s.propsMgr.Properties() }

// visibleAt reports whether the segment exists and is not removed from the
// given perspective. A client always sees its own pending changes.
func (s *baseSegment) visibleAt(p Perspective) bool {
	if s.seq == SeqUnassigned {
		if s.clientID != p.ClientID {
			return false
		}
	} else if s.seq > p.RefSeq && s.clientID != p.ClientID {
		return false
	}
	if s.removedSeq != SeqUnassigned && s.removedSeq <= p.RefSeq {
		return false
	}
	for _, id := range s.removedClientIDs {
		if id == p.ClientID {
			return false
		}
	}
	return true
}

func (s *baseSegment) lengthAt(p Perspective) int {
	if s.visibleAt(p) {
		return s.length
	}
	return 0
}

// isRemoved reports whether any removal, sequenced or pending, covers the
// segment.
func (s *baseSegment) isRemoved() bool {
	return s.removedSeq != SeqUnassigned || len(s.removedClientIDs) > 0
}

func (s *baseSegment) hasRemovingClient(id int) bool {
	for _, c := range s.removedClientIDs {
		if c == id {
			return true
		}
	}
	return false
}

// copyProvenanceTo initializes dst as the trailing half of a split: same
// insertion and removal stamps, cloned properties, shared pending groups.
// The ordinal is left empty; it is assigned when dst is linked into the
// tree.
func (s *baseSegment) copyProvenanceTo(dst *baseSegment) {
	dst.seq = s.seq
	dst.clientID = s.clientID
	dst.removedSeq = s.removedSeq
	dst.removedClientIDs = append([]int(nil), s.removedClientIDs...)
	dst.propsMgr = s.propsMgr.clone()
	dst.groups = append([]*SegmentGroup(nil), s.groups...)
}

// TextSegment is a run of text.
type TextSegment struct {
	baseSegment
	text string
}

// NewTextSegment creates an unsequenced text segment.
func NewTextSegment(text string) *TextSegment {
	return &TextSegment{baseSegment: newBaseSegment(len(text)), text: text}
}

// Text returns the segment's content.
func (s *TextSegment) Text() string { return s.text }

// Split divides the text run at offset.
func (s *TextSegment) Split(offset int) (Segment, error) {
	if offset <= 0 || offset >= s.length {
		return nil, fmt.Errorf("%w: split offset %d of text segment length %d", ErrInternal, offset, s.length)
	}
	rest := &TextSegment{text: s.text[offset:]}
	rest.length = len(rest.text)
	s.copyProvenanceTo(&rest.baseSegment)
	s.text = s.text[:offset]
	s.length = offset
	s.localRefs.moveAtOrPast(offset, rest)
	return rest, nil
}

// Marker is a zero-content segment occupying one position, used for tiles
// and range boundaries discoverable by label.
type Marker struct {
	baseSegment
	refType ReferenceType
}

// NewMarker creates an unsequenced marker with the given reference flags.
// Tile and range labels go in the marker's properties under TileLabelsKey
// and RangeLabelsKey.
func NewMarker(refType ReferenceType) *Marker {
	return &Marker{baseSegment: newBaseSegment(1), refType: refType}
}

// RefType returns the marker's reference flags.
func (m *Marker) RefType() ReferenceType { return m.refType }

// Split always fails: markers are atomic.
func (m *Marker) Split(offset int) (Segment, error) {
	return nil, ErrSegmentAtomic
}

// Property keys under which marker labels are stored as string lists.
const (
	TileLabelsKey  = "tileLabels"
	RangeLabelsKey = "rangeLabels"
)

// HasTileLabel reports whether the marker carries the given tile label.
func (m *Marker) HasTileLabel(label string) bool {
	return m.Properties()[TileLabelsKey].ContainsString(label)
}

// HasRangeLabel reports whether the marker carries the given range label.
func (m *Marker) HasRangeLabel(label string) bool {
	return m.Properties()[RangeLabelsKey].ContainsString(label)
}
