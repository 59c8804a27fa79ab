package replset

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/config"
	"github.com/tessera-db/core/internal/corelog"
)

// ErrNotPrimary is returned by operations that require PRIMARY state.
var ErrNotPrimary = errors.New("replset: not primary")

// ErrIllegalTransition wraps validateTransition failures.
var ErrIllegalTransition = errors.New("replset: illegal state transition")

// ReplSet is the root member-table and state-box controller. Lock order
//: stateMu is acquired before rsMu; never the reverse.
type ReplSet struct {
	stateMu sync.Mutex // "state-change mutex": serializes role transitions
	rsMu    sync.RWMutex

	cfg        config.Config
	members    []*Member // arena; index == Handle
	selfHandle Handle

	state            State
	term             int64
	steppedDown      bool
	steppedDownUntil time.Time
	frozenUntil      time.Time
	maintenanceRefs  int

	votes *VoteStore
	gtidM *gtid.Manager

	log *corelog.Event
}

// New constructs a ReplSet from a loaded config. selfID must match exactly
// one member's configured ID.
func New(cfg config.Config, selfID int, votes *VoteStore, gtidM *gtid.Manager, log *corelog.Event) (*ReplSet, error) {
	rs := &ReplSet{
		cfg:   cfg,
		state: Startup,
		votes: votes,
		gtidM: gtidM,
		log:   log,
	}
	if err := rs.loadConfigLocked(cfg, selfID); err != nil {
		return nil, err
	}
	return rs, nil
}

func (rs *ReplSet) loadConfigLocked(cfg config.Config, selfID int) error {
	rs.rsMu.Lock()
	defer rs.rsMu.Unlock()
	rs.cfg = cfg
	rs.members = rs.members[:0]
	found := false
	for i, mc := range cfg.Members {
		h := Handle(i)
		m := newMember(h, mc)
		rs.members = append(rs.members, m)
		if mc.ID == selfID {
			rs.selfHandle = h
			found = true
		}
	}
	if !found {
		return errors.Errorf("replset: self id %d not present in config", selfID)
	}
	return nil
}

// LoadConfig transitions STARTUP -> STARTUP2 once the configuration has
// been read.
func (rs *ReplSet) LoadConfig(ctx context.Context) error {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	return rs.transitionLocked(Startup2)
}

// State returns the current replication state.
func (rs *ReplSet) State() State {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	return rs.state
}

// Term returns the current (believed) primary term.
func (rs *ReplSet) Term() int64 {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	return rs.term
}

func (rs *ReplSet) transitionLocked(to State) error {
	from := rs.state
	if err := validateTransition(from, to); err != nil {
		return errors.Wrap(ErrIllegalTransition, err.Error())
	}
	rs.state = to
	if rs.log != nil {
		rs.log.Info("state transition %s -> %s", from, to)
	}
	return nil
}

// Self returns this node's own Member entry.
func (rs *ReplSet) Self() *Member {
	rs.rsMu.RLock()
	defer rs.rsMu.RUnlock()
	return rs.members[rs.selfHandle]
}

// Members returns the current member arena. Callers must not retain
// references across a Reconfig.
func (rs *ReplSet) Members() []*Member {
	rs.rsMu.RLock()
	defer rs.rsMu.RUnlock()
	out := make([]*Member, len(rs.members))
	copy(out, rs.members)
	return out
}

// Peers returns every configured member except self.
func (rs *ReplSet) Peers() []*Member {
	rs.rsMu.RLock()
	defer rs.rsMu.RUnlock()
	out := make([]*Member, 0, len(rs.members)-1)
	for _, m := range rs.members {
		if m.Handle != rs.selfHandle {
			out = append(out, m)
		}
	}
	return out
}

// Config returns the current config snapshot.
func (rs *ReplSet) Config() config.Config {
	rs.rsMu.RLock()
	defer rs.rsMu.RUnlock()
	return rs.cfg
}

// SingleVotingMember reports whether self is the only voting member of
// the set, the fast-path in producer step 1 / initial-election-on-startup.
func (rs *ReplSet) SingleVotingMember() bool {
	rs.rsMu.RLock()
	defer rs.rsMu.RUnlock()
	votingCount := 0
	for _, m := range rs.members {
		if m.Votes > 0 {
			votingCount++
		}
	}
	return votingCount == 1 && rs.members[rs.selfHandle].Votes > 0
}

// EnterMaintenance moves SECONDARY -> RECOVERING with refcounting so
// multiple callers (admin command, blocked sync) compose correctly.
func (rs *ReplSet) EnterMaintenance() error {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	rs.maintenanceRefs++
	if rs.state == Recovering {
		return nil
	}
	return rs.transitionLocked(Recovering)
}

// LeaveMaintenance decrements the refcount and, once it reaches zero and
// the node is not otherwise blocked, returns to SECONDARY.
func (rs *ReplSet) LeaveMaintenance() error {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	if rs.maintenanceRefs > 0 {
		rs.maintenanceRefs--
	}
	if rs.maintenanceRefs > 0 {
		return nil
	}
	if rs.state != Recovering {
		return nil
	}
	return rs.transitionLocked(Secondary)
}

// EnterRollback moves SECONDARY -> ROLLBACK.
func (rs *ReplSet) EnterRollback() error {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	return rs.transitionLocked(Rollback)
}

// RollbackDone moves ROLLBACK -> SECONDARY.
func (rs *ReplSet) RollbackDone() error {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	return rs.transitionLocked(Secondary)
}

// StepDown demotes PRIMARY -> SECONDARY and refuses self-election for
// secs.
func (rs *ReplSet) StepDown(secs int) error {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	if rs.state != Primary {
		return ErrNotPrimary
	}
	if err := rs.transitionLocked(Secondary); err != nil {
		return err
	}
	rs.steppedDown = true
	rs.steppedDownUntil = time.Now().Add(time.Duration(secs) * time.Second)
	return nil
}

// Freeze refuses self-election for secs; 0 unfreezes immediately
func (rs *ReplSet) Freeze(secs int) {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	if secs == 0 {
		rs.frozenUntil = time.Time{}
		return
	}
	rs.frozenUntil = time.Now().Add(time.Duration(secs) * time.Second)
}

// ShuttingDownNode marks the node SHUNNED because a reconfig removed it.
func (rs *ReplSet) ShuttingDownNode() {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	rs.state = Shunned
}

// FatalNode marks the node FATAL; callers at the process boundary should
// terminate after this returns.
func (rs *ReplSet) FatalNode(reason string) {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	rs.state = Fatal
	if rs.log != nil {
		rs.log.Error("fatal: %s", reason)
	}
}

// canElectLocked reports whether self may currently become a candidate
//. Caller must hold stateMu.
func (rs *ReplSet) canElectLocked() bool {
	if rs.steppedDown && time.Now().Before(rs.steppedDownUntil) {
		return false
	}
	if !rs.frozenUntil.IsZero() && time.Now().Before(rs.frozenUntil) {
		return false
	}
	if rs.state != Secondary && rs.state != Recovering {
		return false
	}
	self := rs.members[rs.selfHandle]
	return self.Electable()
}

// Reconfig applies a validated new config, re-arming the member arena.
// Version bump validation happens in internal/config.Reload; ReplSet only
// applies the already-validated candidate.
func (rs *ReplSet) Reconfig(cfg config.Config, selfID int) error {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	return rs.loadConfigLocked(cfg, selfID)
}

// BecomePrimary performs the SECONDARY -> PRIMARY transition: stops
// replication (caller's job, this only flips state), clears/primes the
// GTID manager, and resets stepdown/freeze.
func (rs *ReplSet) BecomePrimary(ctx context.Context, term int64) error {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	if err := rs.gtidM.VerifyReadyToBecomePrimary(); err != nil {
		return errors.Wrap(err, "replset: not ready to become primary")
	}
	if err := rs.votes.Persist(ctx, term); err != nil {
		return errors.Wrap(err, "replset: persist highest vote")
	}
	if err := rs.transitionLocked(Primary); err != nil {
		return err
	}
	rs.term = term
	rs.gtidM.BecomePrimary(term)
	rs.steppedDown = false
	rs.frozenUntil = time.Time{}
	return nil
}
