package mergetree

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sequencer is an in-process ordering service: it assigns each submitted
// envelope the next total-order sequence number and retains the sequenced op
// log so reconnecting clients can catch up. The minimum sequence number is
// not computed unilaterally; advances are proposed under MinSeqKey to the
// session quorum and take effect only once every member's reference
// sequence number confirms having seen that far, so an eviction horizon is
// always one the whole session has agreed on.
type Sequencer struct {
	mu      sync.Mutex
	log     *logrus.Entry
	ops     []*OpEnvelope
	clients map[int]int // clientID -> last known refSeq
	quorum  *Quorum

	minSeq   int // latest committed MinSeqKey value
	proposed int // highest minSeq value proposed so far
}

// NewSequencer creates a sequencer starting at SeqBase.
func NewSequencer(logger *logrus.Logger) *Sequencer {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	s := &Sequencer{
		log:      logger.WithField("component", "sequencer"),
		clients:  make(map[int]int),
		quorum:   NewQuorum(logger),
		minSeq:   SeqBase,
		proposed: SeqBase,
	}
	s.quorum.OnCommit(func(p *Proposal) {
		if p.Key == MinSeqKey && int(p.Value.Int) > s.minSeq {
			s.minSeq = int(p.Value.Int)
		}
	})
	return s
}

// CurrentSeq returns the last assigned sequence number.
func (s *Sequencer) CurrentSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SeqBase + len(s.ops)
}

// MinSeq returns the quorum-committed minimum sequence number.
func (s *Sequencer) MinSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minSeq
}

// Quorum returns the session quorum, for inspection of committed values.
func (s *Sequencer) Quorum() *Quorum { return s.quorum }

// Register joins a client to the session at the current sequence number.
func (s *Sequencer) Register(clientID int) (currentSeq, minSeq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := SeqBase + len(s.ops)
	s.clients[clientID] = cur
	s.quorum.AddMember(clientID, cur)
	s.proposeMinSeqLocked()
	s.log.WithFields(logrus.Fields{"client": clientID, "seq": cur}).Info("client registered")
	return cur, s.minSeq
}

// Leave removes a client, releasing its hold on the minimum sequence
// number.
func (s *Sequencer) Leave(clientID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	s.quorum.RemoveMember(clientID)
	s.proposeMinSeqLocked()
	s.log.WithField("client", clientID).Info("client left")
}

// Submit assigns the envelope the next sequence number and the committed
// minimum, records it in the op log, and returns it. The author's refSeq
// updates its window hold and may advance the quorum's minSeq.
func (s *Sequencer) Submit(env *OpEnvelope) (*OpEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[env.ClientID]; !ok {
		return nil, fmt.Errorf("%w: client %d", ErrNotCollaborating, env.ClientID)
	}
	if err := env.Op.Validate(); err != nil {
		return nil, err
	}
	s.clients[env.ClientID] = env.RefSeq
	s.quorum.UpdateRefSeq(env.ClientID, env.RefSeq)
	env.Seq = SeqBase + len(s.ops) + 1
	s.ops = append(s.ops, env)
	s.proposeMinSeqLocked()
	env.MinSeq = s.minSeq
	return env, nil
}

// FetchOps returns the sequenced envelopes in [fromSeq, toSeq].
func (s *Sequencer) FetchOps(ctx context.Context, fromSeq, toSeq int) ([]*OpEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromSeq <= SeqBase || toSeq > SeqBase+len(s.ops) {
		return nil, fmt.Errorf("%w: ops [%d,%d] of %d", ErrInvalidRange, fromSeq, toSeq, len(s.ops))
	}
	out := make([]*OpEnvelope, 0, toSeq-fromSeq+1)
	for seq := fromSeq; seq <= toSeq; seq++ {
		out = append(out, s.ops[seq-SeqBase-1])
	}
	return out, nil
}

// proposeMinSeqLocked proposes the smallest refSeq any connected client may
// still be viewing as the new minSeq. The proposal's own sequence number is
// the candidate value, so it commits exactly when every member has read
// that far. Proposals never regress, even as clients come and go.
func (s *Sequencer) proposeMinSeqLocked() {
	candidate := SeqBase + len(s.ops)
	for _, ref := range s.clients {
		if ref < candidate {
			candidate = ref
		}
	}
	if candidate <= s.proposed {
		return
	}
	s.proposed = candidate
	if _, err := s.quorum.Propose(MinSeqKey, IntValue(int64(candidate)), candidate); err != nil {
		s.log.WithError(err).Error("minSeq proposal failed")
	}
}
