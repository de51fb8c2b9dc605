package mergetree

// PropertyKind tags the value held by a PropertyValue.
type PropertyKind int

const (
	// PropertyNone marks an absent value. Writing it deletes the key.
	PropertyNone PropertyKind = iota

	// PropertyInt holds a signed integer.
	PropertyInt

	// PropertyFloat holds a float64.
	PropertyFloat

	// PropertyString holds a string.
	PropertyString

	// PropertyBool holds a boolean.
	PropertyBool

	// PropertyList holds an ordered list of values.
	PropertyList
)

// PropertyValue is a tagged scalar or list value. Only the field matching
// Kind is meaningful.
type PropertyValue struct {
	Kind  PropertyKind    `json:"kind"`
	Int   int64           `json:"int,omitempty"`
	Float float64         `json:"float,omitempty"`
	Str   string          `json:"str,omitempty"`
	Bool  bool            `json:"bool,omitempty"`
	List  []PropertyValue `json:"list,omitempty"`
}

// IntValue returns an integer PropertyValue.
func IntValue(v int64) PropertyValue { return PropertyValue{Kind: PropertyInt, Int: v} }

// FloatValue returns a float PropertyValue.
func FloatValue(v float64) PropertyValue { return PropertyValue{Kind: PropertyFloat, Float: v} }

// StringValue returns a string PropertyValue.
func StringValue(s string) PropertyValue { return PropertyValue{Kind: PropertyString, Str: s} }

// BoolValue returns a boolean PropertyValue.
func BoolValue(b bool) PropertyValue { return PropertyValue{Kind: PropertyBool, Bool: b} }

// ListValue returns a list PropertyValue.
func ListValue(vs ...PropertyValue) PropertyValue {
	return PropertyValue{Kind: PropertyList, List: vs}
}

// Equal reports whether two values have the same kind and content.
func (v PropertyValue) Equal(o PropertyValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case PropertyNone:
		return true
	case PropertyInt:
		return v.Int == o.Int
	case PropertyFloat:
		return v.Float == o.Float
	case PropertyString:
		return v.Str == o.Str
	case PropertyBool:
		return v.Bool == o.Bool
	case PropertyList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// ContainsString reports whether a list value contains the given string.
func (v PropertyValue) ContainsString(s string) bool {
	if v.Kind != PropertyList {
		return false
	}
	for _, e := range v.List {
		if e.Kind == PropertyString && e.Str == s {
			return true
		}
	}
	return false
}

// PropertySet is a string-keyed map of tagged values.
type PropertySet map[string]PropertyValue

// Clone returns a shallow copy of the set. List values are shared; callers
// must not mutate them in place.
func (ps PropertySet) Clone() PropertySet {
	if ps == nil {
		return nil
	}
	out := make(PropertySet, len(ps))
	for k, v := range ps {
		out[k] = v
	}
	return out
}

// Equal reports whether two sets hold the same keys and values.
func (ps PropertySet) Equal(o PropertySet) bool {
	if len(ps) != len(o) {
		return false
	}
	for k, v := range ps {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// CombiningOp selects how a new property value merges with an existing one.
type CombiningOp int

const (
	// CombineNone overwrites, resolved last-writer-wins by sequence number.
	CombineNone CombiningOp = iota

	// CombineIncrement adds integer values so concurrent annotations
	// commute.
	CombineIncrement
)

// PropertiesRollback selects how a captured snapshot is restored.
type PropertiesRollback int

const (
	// RollbackRestore restores the pre-edit values of the touched keys.
	RollbackRestore PropertiesRollback = iota

	// RollbackRewrite replaces the entire set with the captured snapshot.
	RollbackRewrite
)

// PropertiesManager owns one segment's property map. Writes carry the
// sequence number at which they were applied so concurrent annotations from
// different clients resolve deterministically, and every write returns a
// pre-image so a locally-applied annotate can be rolled back when nacked.
//
// A pending local write outranks any sequenced write that arrives before
// its ack: the op stream is FIFO per client, so the pending write's
// eventual sequence number is higher than that of any remote op applied in
// the meantime.
type PropertiesManager struct {
	props     PropertySet
	writeSeqs map[string]int

	// pendingWrites counts unacknowledged local writes per key.
	pendingWrites map[string]int

	// held keeps the newest sequenced write skipped because of a pending
	// hold, so rolling the pending write back installs the remote value
	// instead of losing it.
	held map[string]heldWrite
}

type heldWrite struct {
	val PropertyValue
	seq int
}

// Properties returns the live property set. Nil until first write.
func (pm *PropertiesManager) Properties() PropertySet {
	return pm.props
}

// AddProperties applies newProps at the given sequence number and returns
// the pre-image of every touched key (PropertyNone for keys that did not
// exist). With CombineIncrement, integer values are added to any existing
// integer value. Without a combining op, a write with a lower sequence
// number than the key's last write is stale and skipped.
func (pm *PropertiesManager) AddProperties(newProps PropertySet, op CombiningOp, seq int) PropertySet {
	prev := make(PropertySet, len(newProps))
	for k, v := range newProps {
		old, had := pm.props[k]
		if had {
			prev[k] = old
		} else {
			prev[k] = PropertyValue{Kind: PropertyNone}
		}

		if op == CombineIncrement && had && old.Kind == PropertyInt && v.Kind == PropertyInt {
			pm.write(k, IntValue(old.Int+v.Int), seq)
			continue
		}

		if op == CombineNone && seq != SeqUnassigned {
			if pm.pendingWrites[k] > 0 {
				// A pending local write will sequence after this one.
				// Hold the value in case the pending write is rolled back.
				if h, ok := pm.held[k]; !ok || seq > h.seq {
					if pm.held == nil {
						pm.held = make(map[string]heldWrite)
					}
					pm.held[k] = heldWrite{val: v, seq: seq}
				}
				continue
			}
			if last, ok := pm.writeSeqs[k]; ok && last > seq {
				// Stale write ordered before an already-applied one.
				continue
			}
		}
		pm.write(k, v, seq)
	}
	return prev
}

func (pm *PropertiesManager) write(k string, v PropertyValue, seq int) {
	pm.set(k, v)
	if seq == SeqUnassigned {
		if pm.pendingWrites == nil {
			pm.pendingWrites = make(map[string]int)
		}
		pm.pendingWrites[k]++
	} else {
		if pm.writeSeqs == nil {
			pm.writeSeqs = make(map[string]int)
		}
		pm.writeSeqs[k] = seq
	}
}

// set stores or deletes a value without touching write bookkeeping.
func (pm *PropertiesManager) set(k string, v PropertyValue) {
	if v.Kind == PropertyNone {
		delete(pm.props, k)
		return
	}
	if pm.props == nil {
		pm.props = make(PropertySet)
	}
	pm.props[k] = v
}

// AckWrites records the sequence number assigned to a previously
// unsequenced local write of the given keys.
func (pm *PropertiesManager) AckWrites(keys []string, seq int) {
	if pm.writeSeqs == nil {
		pm.writeSeqs = make(map[string]int)
	}
	for _, k := range keys {
		if n := pm.pendingWrites[k]; n > 1 {
			pm.pendingWrites[k] = n - 1
		} else {
			delete(pm.pendingWrites, k)
		}
		// The acked write sequences after anything held back.
		delete(pm.held, k)
		pm.writeSeqs[k] = seq
	}
}

// Rollback restores a snapshot captured by AddProperties, releasing the
// pending hold the rolled-back write placed on its keys. RollbackRestore
// puts back the pre-image of each touched key; RollbackRewrite discards the
// current set and installs the snapshot wholesale. Either way, a sequenced
// write held back while the key was pending wins over the snapshot.
func (pm *PropertiesManager) Rollback(snapshot PropertySet, mode PropertiesRollback) {
	switch mode {
	case RollbackRewrite:
		held := pm.held
		pm.props = nil
		pm.writeSeqs = nil
		pm.pendingWrites = nil
		pm.held = nil
		for k, v := range snapshot {
			pm.set(k, v)
		}
		for k, h := range held {
			pm.write(k, h.val, h.seq)
		}
	default:
		for k, v := range snapshot {
			if n := pm.pendingWrites[k]; n > 1 {
				pm.pendingWrites[k] = n - 1
				pm.set(k, v)
				continue
			}
			delete(pm.pendingWrites, k)
			if h, ok := pm.held[k]; ok {
				// A sequenced write arrived while the rolled-back write
				// held the key; it takes effect now.
				delete(pm.held, k)
				pm.write(k, h.val, h.seq)
				continue
			}
			// The pre-image's own write stamp is unknown; clearing it
			// lets any later sequenced write take the key.
			delete(pm.writeSeqs, k)
			pm.set(k, v)
		}
	}
}

func (pm *PropertiesManager) clone() PropertiesManager {
	out := PropertiesManager{props: pm.props.Clone()}
	if pm.writeSeqs != nil {
		out.writeSeqs = make(map[string]int, len(pm.writeSeqs))
		for k, v := range pm.writeSeqs {
			out.writeSeqs[k] = v
		}
	}
	if pm.pendingWrites != nil {
		out.pendingWrites = make(map[string]int, len(pm.pendingWrites))
		for k, v := range pm.pendingWrites {
			out.pendingWrites[k] = v
		}
	}
	if pm.held != nil {
		out.held = make(map[string]heldWrite, len(pm.held))
		for k, h := range pm.held {
			out.held[k] = h
		}
	}
	return out
}
