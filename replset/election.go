package replset

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tessera-db/core/internal/corelog"
)

// ErrNotElectable is returned when self does not currently satisfy the
// candidacy gate.
type ErrNotElectable struct{}

func (ErrNotElectable) Error() string { return "replset: not electable right now" }

// ErrLostFreshness is returned when a responder reports it is fresher than
// the candidate, or has already voted for a higher term.
type ErrLostFreshness struct{ Reason string }

func (e ErrLostFreshness) Error() string { return "replset: lost freshness round: " + e.Reason }

// ErrNoMajority is returned when the vote round fails to collect a
// majority of voting members.
type ErrNoMajority struct{}

func (ErrNoMajority) Error() string { return "replset: failed to win majority" }

// ErrVetoed is returned when any responder vetoes in favor of a known
// higher-priority electable peer.
type ErrVetoed struct{ By int }

func (e ErrVetoed) Error() string { return "replset: vetoed" }

const (
	electionConcurrency = 8
	reachableWindow     = 10 * time.Second
)

// Elector runs the consensus protocol against a configured transport.
type Elector struct {
	rs        *ReplSet
	transport Transport
	log       *corelog.Event
}

func NewElector(rs *ReplSet, transport Transport, log *corelog.Event) *Elector {
	return &Elector{rs: rs, transport: transport, log: log}
}

// TryElection runs the full candidacy check, freshness round and vote
// round, and on success calls ReplSet.BecomePrimary. It returns nil only
// on a won election; any other outcome is a typed error the caller logs
// and retries on its own schedule.
func (el *Elector) TryElection(ctx context.Context) error {
	el.rs.stateMu.Lock()
	electable := el.rs.canElectLocked()
	self := el.rs.members[el.rs.selfHandle]
	el.rs.stateMu.Unlock()
	if !electable {
		return ErrNotElectable{}
	}

	peers := el.rs.Peers()
	myGTID := el.rs.gtidM.GetLiveState().Live
	myVote := el.rs.Term()

	freshReq := FreshnessRequest{
		CandidateID:   self.ID,
		CandidateGTID: myGTID,
		CandidateVote: myVote,
	}
	if err := el.freshnessRound(ctx, peers, freshReq); err != nil {
		return err
	}

	newTerm := myVote + 1
	granted, vetoedBy, err := el.voteRound(ctx, peers, newTerm, self.Priority)
	if err != nil {
		return err
	}
	if vetoedBy != 0 {
		return ErrVetoed{By: vetoedBy}
	}

	majority := el.rs.Config().Majority()
	// self always votes for itself.
	if granted+1 < majority {
		return ErrNoMajority{}
	}

	return el.rs.BecomePrimary(ctx, newTerm)
}

func (el *Elector) freshnessRound(ctx context.Context, peers []*Member, req FreshnessRequest) error {
	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(electionConcurrency)

	var mu sync.Mutex
	var lostReason string

	for _, m := range peers {
		m := m
		g.Go(func() error {
			if !m.Reachable(reachableWindow) {
				return nil
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			reply, err := el.transport.RequestFreshness(ctx, m, req)
			if err != nil {
				// unreachable peers simply don't vote against us
				return nil
			}
			if !reply.OK {
				mu.Lock()
				lostReason = reply.Reason
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if lostReason != "" {
		return ErrLostFreshness{Reason: lostReason}
	}
	return nil
}

func (el *Elector) voteRound(ctx context.Context, peers []*Member, term int64, priority float64) (granted int, vetoedBy int, err error) {
	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(electionConcurrency)

	var mu sync.Mutex
	self := el.rs.members[el.rs.selfHandle]

	for _, m := range peers {
		m := m
		g.Go(func() error {
			if !m.Reachable(reachableWindow) {
				return nil
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			reply, rerr := el.transport.RequestVote(ctx, m, VoteRequest{
				Term:        term,
				CandidateID: self.ID,
				Priority:    priority,
			})
			if rerr != nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if reply.Veto {
				vetoedBy = m.ID
			}
			if reply.Granted {
				granted++
			}
			return nil
		})
	}
	err = g.Wait()
	return granted, vetoedBy, err
}
