package mergetree

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// MinSeqKey is the quorum key under which the session's agreed minimum
// sequence floor is proposed.
const MinSeqKey = "minSeq"

// ProposalState tracks a proposal through its lifecycle.
type ProposalState int

const (
	// ProposalPending awaits a sequence number.
	ProposalPending ProposalState = iota

	// ProposalSequenced has a sequence number and awaits acceptance by
	// every member.
	ProposalSequenced

	// ProposalCommitted was seen by every member and its value is live.
	ProposalCommitted

	// ProposalRejected was superseded by a later proposal for the same
	// key before committing.
	ProposalRejected
)

// Proposal is a key/value the session must unanimously observe before it
// takes effect.
type Proposal struct {
	Key   string
	Value PropertyValue
	Seq   int
	State ProposalState
}

// CommitHandler observes committed proposals.
type CommitHandler func(p *Proposal)

// Quorum is the session's agreed key/value map. A proposal commits only
// once every member's reference sequence number has reached the proposal's
// sequence number, so a committed value is one every client has seen.
type Quorum struct {
	mu       sync.Mutex
	log      *logrus.Entry
	values   map[string]PropertyValue
	pending  []*Proposal
	members  map[int]int // clientID -> refSeq
	handlers []CommitHandler
}

// NewQuorum creates an empty quorum map.
func NewQuorum(logger *logrus.Logger) *Quorum {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Quorum{
		log:     logger.WithField("component", "quorum"),
		values:  make(map[string]PropertyValue),
		members: make(map[int]int),
	}
}

// OnCommit registers a handler called for every committed proposal, in
// commit order. Handlers run while the quorum lock is held; they must not
// re-enter the quorum.
func (q *Quorum) OnCommit(h CommitHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, h)
}

// AddMember joins a client at the given reference sequence number.
func (q *Quorum) AddMember(clientID, refSeq int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.members[clientID] = refSeq
	q.sweepLocked()
}

// RemoveMember drops a client; its hold on pending proposals is released.
func (q *Quorum) RemoveMember(clientID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.members, clientID)
	q.sweepLocked()
}

// UpdateRefSeq records how far a member has read the op stream and commits
// any proposals that acceptance completes.
func (q *Quorum) UpdateRefSeq(clientID, refSeq int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.members[clientID]; !ok || refSeq <= cur {
		return
	}
	q.members[clientID] = refSeq
	q.sweepLocked()
}

// Propose stages a sequenced key/value proposal. A newer proposal for the
// same key rejects any older uncommitted one.
func (q *Quorum) Propose(key string, value PropertyValue, seq int) (*Proposal, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty proposal key", ErrMalformedOp)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pending {
		if p.Key == key && p.State == ProposalSequenced {
			p.State = ProposalRejected
			q.log.WithFields(logrus.Fields{"key": key, "seq": p.Seq}).Debug("proposal superseded")
		}
	}
	prop := &Proposal{Key: key, Value: value, Seq: seq, State: ProposalSequenced}
	q.pending = append(q.pending, prop)
	q.sweepLocked()
	return prop, nil
}

// Get returns the committed value for key.
func (q *Quorum) Get(key string) (PropertyValue, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.values[key]
	return v, ok
}

// sweepLocked commits every sequenced proposal all members have reached and
// drops rejected ones.
func (q *Quorum) sweepLocked() {
	floor := q.memberFloorLocked()
	var keep []*Proposal
	for _, p := range q.pending {
		switch {
		case p.State == ProposalRejected:
		case p.Seq <= floor:
			p.State = ProposalCommitted
			q.values[p.Key] = p.Value
			for _, h := range q.handlers {
				h(p)
			}
			q.log.WithFields(logrus.Fields{"key": p.Key, "seq": p.Seq}).Debug("proposal committed")
		default:
			keep = append(keep, p)
		}
	}
	q.pending = keep
}

// memberFloorLocked is the lowest refSeq across members; with no members
// every sequenced proposal commits immediately.
func (q *Quorum) memberFloorLocked() int {
	first := true
	floor := 0
	for _, ref := range q.members {
		if first || ref < floor {
			floor = ref
			first = false
		}
	}
	if first {
		return int(^uint(0) >> 1)
	}
	return floor
}
