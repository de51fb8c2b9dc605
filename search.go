package mergetree

// FindTile returns the nearest visible tile marker carrying label at or
// before pos when preceding is true, or at or after pos otherwise, with its
// position in the given perspective. Returns nil when no such marker exists.
func (t *MergeTree) FindTile(pos int, label string, preceding bool, p Perspective) (*Marker, int) {
	var found *Marker
	foundPos := DetachedReferencePosition
	t.Walk(p, func(seg Segment, at int) bool {
		m, ok := seg.(*Marker)
		if !ok || !m.RefType().Has(RefTile) || !m.HasTileLabel(label) {
			return true
		}
		if preceding {
			if at > pos {
				return false
			}
			found, foundPos = m, at
			return true
		}
		if at >= pos {
			found, foundPos = m, at
			return false
		}
		return true
	})
	return found, foundPos
}

// RangeStackAt returns the begin markers of every labeled range open at
// pos, outermost first: each range whose begin marker lies at or before pos
// with no matching end marker in between.
func (t *MergeTree) RangeStackAt(pos int, label string, p Perspective) []*Marker {
	var stack []*Marker
	t.Walk(p, func(seg Segment, at int) bool {
		if at > pos {
			return false
		}
		m, ok := seg.(*Marker)
		if !ok || !m.HasRangeLabel(label) {
			return true
		}
		if m.RefType().Has(RefRangeBegin) {
			stack = append(stack, m)
		} else if m.RefType().Has(RefRangeEnd) && len(stack) > 0 {
			stack = stack[:len(stack)-1]
		}
		return true
	})
	return stack
}
