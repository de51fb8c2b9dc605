package mergetree

// DeltaKind identifies the mutation a delta event reports.
type DeltaKind int

const (
	// DeltaInsert reports inserted segments.
	DeltaInsert DeltaKind = iota

	// DeltaRemove reports tombstoned segments.
	DeltaRemove

	// DeltaAnnotate reports annotated segments.
	DeltaAnnotate
)

// DeltaEvent describes one applied edit. Delivered synchronously after the
// tree mutation completes, in application order.
type DeltaEvent struct {
	Kind     DeltaKind
	Segments []Segment
	ClientID int
	Seq      int // SeqUnassigned for pending local edits
	Local    bool
}

// MaintenanceKind identifies a structural tree change not driven directly
// by an edit's content.
type MaintenanceKind int

const (
	// MaintAppend reports a segment linked into the tree.
	MaintAppend MaintenanceKind = iota

	// MaintSplit reports a segment split into two halves.
	MaintSplit

	// MaintUnlink reports segments physically evicted.
	MaintUnlink

	// MaintAcknowledged reports segments whose pending op was assigned
	// its sequence number.
	MaintAcknowledged
)

// MaintenanceEvent describes one structural change.
type MaintenanceEvent struct {
	Kind     MaintenanceKind
	Segments []Segment
}

// TreeObserver receives delta and maintenance notifications. Callbacks run
// synchronously on the mutating goroutine; observers must not re-enter the
// tree.
type TreeObserver interface {
	OnDelta(ev *DeltaEvent)
	OnMaintenance(ev *MaintenanceEvent)
}

// Subscribe registers an observer.
func (t *MergeTree) Subscribe(obs TreeObserver) {
	t.observers = append(t.observers, obs)
}

// Unsubscribe removes an observer.
func (t *MergeTree) Unsubscribe(obs TreeObserver) {
	for i, o := range t.observers {
		if o == obs {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

func (t *MergeTree) emitDelta(ev *DeltaEvent) {
	for _, o := range t.observers {
		o.OnDelta(ev)
	}
}

func (t *MergeTree) emitMaintenance(ev *MaintenanceEvent) {
	for _, o := range t.observers {
		o.OnMaintenance(ev)
	}
}
