package mergetree

import "fmt"

// CollaborationWindow tracks the sequence numbers bounding a client's view
// of the shared op stream. CurrentSeq is the latest sequenced op applied;
// MinSeq is the lowest sequence number any connected client may still
// reference, which gates physical eviction of removed segments.
//
// Invariant: MinSeq <= CurrentSeq, and neither ever regresses.
type CollaborationWindow struct {
	clientID      int
	currentSeq    int
	minSeq        int
	collaborating bool
}

// ClientID returns the local client id, or NoClientID before collaboration
// starts.
func (w *CollaborationWindow) ClientID() int {
	if !w.collaborating {
		return NoClientID
	}
	return w.clientID
}

// CurrentSeq returns the latest applied sequence number.
func (w *CollaborationWindow) CurrentSeq() int { return w.currentSeq }

// MinSeq returns the minimum sequence number of the window.
func (w *CollaborationWindow) MinSeq() int { return w.minSeq }

// Collaborating reports whether a session is active.
func (w *CollaborationWindow) Collaborating() bool { return w.collaborating }

func (w *CollaborationWindow) start(clientID, currentSeq, minSeq int) {
	w.clientID = clientID
	w.currentSeq = currentSeq
	w.minSeq = minSeq
	w.collaborating = true
}

// advance moves the window forward. A regression of either bound is an
// unrecoverable ordering fault.
func (w *CollaborationWindow) advance(seq, minSeq int) error {
	if seq < w.currentSeq {
		return fmt.Errorf("%w: seq %d after %d", ErrSequenceRegression, seq, w.currentSeq)
	}
	if minSeq < w.minSeq {
		return fmt.Errorf("%w: minSeq %d after %d", ErrSequenceRegression, minSeq, w.minSeq)
	}
	if minSeq > seq {
		return fmt.Errorf("%w: minSeq %d exceeds seq %d", ErrSequenceRegression, minSeq, seq)
	}
	w.currentSeq = seq
	w.minSeq = minSeq
	return nil
}
