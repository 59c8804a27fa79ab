package gtid

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNotPrimary is returned by AssignGTID when the local node is not
// currently primary.
var ErrNotPrimary = errors.New("gtid: node is not primary")

// ErrTxnInFlight is returned by VerifyReadyToBecomePrimary when a write
// transaction is still in progress.
var ErrTxnInFlight = errors.New("gtid: transaction in flight")

// LiveState is a point-in-time snapshot of the frontier.
type LiveState struct {
	Live      GTID
	Unapplied GTID
	Applied   GTID
}

// Manager is the sole authority on the local frontier: the GTIDs that have
// been assigned/persisted (live), that have been persisted-but-not-yet-
// applied (unapplied), and that the applier has finished applying.
//
// One Manager exists per node. The producer, applier, rollback and election
// code all consult it instead of tracking their own copies.
type Manager struct {
	mu sync.Mutex

	isPrimary bool
	term      int64
	nextSeq   int64

	live      GTID
	unapplied GTID
	applied   GTID
	lastHash  int64
	lastTS    int64

	// inflightApply counts entries between noteApplyingGTID and
	// noteGTIDApplied; VerifyReadyToBecomePrimary requires it be zero.
	inflightApply map[GTID]struct{}
}

// NewManager returns a manager reset to the initial sentinel.
func NewManager() *Manager {
	return &Manager{
		live:          Initial,
		unapplied:     Initial,
		applied:       Initial,
		lastHash:      SeedHash,
		inflightApply: make(map[GTID]struct{}),
	}
}

// BecomePrimary transitions the manager into primary mode for the given
// term; subsequent AssignGTID calls mint Term:Seq pairs under that term.
func (m *Manager) BecomePrimary(term int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isPrimary = true
	m.term = term
	m.nextSeq = 1
}

// BecomeSecondary takes the manager out of primary mode.
func (m *Manager) BecomeSecondary() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isPrimary = false
}

// AssignGTID mints the next GTID for a primary write. The caller must write
// it into the oplog inside the same storage transaction that mutates user
// data; AssignGTID only reserves the slot and records
// it as live.
func (m *Manager) AssignGTID() (GTID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isPrimary {
		return GTID{}, ErrNotPrimary
	}
	g := GTID{Term: m.term, Seq: m.nextSeq}
	m.nextSeq++
	m.live = g
	m.unapplied = g
	m.applied = g
	return g, nil
}

// NoteGTIDAdded is called on a secondary once the producer has durably
// appended an entry to the local oplog (applied=false).
func (m *Manager) NoteGTIDAdded(g GTID, ts int64, hash int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = g
	m.lastTS = ts
	m.lastHash = hash
}

// NoteApplyingGTID brackets the start of an apply attempt. Once issued the
// caller must eventually call NoteGTIDApplied for the same GTID, retrying
// indefinitely on failure -- giving up leaks the frontier and is a bug in
// the applier, not a condition this type tolerates.
func (m *Manager) NoteApplyingGTID(g GTID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflightApply[g] = struct{}{}
}

// NoteGTIDApplied closes the bracket opened by NoteApplyingGTID and advances
// the applied and minUnapplied frontier.
func (m *Manager) NoteGTIDApplied(g GTID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflightApply, g)
	if m.applied.Less(g) {
		m.applied = g
	}
	if len(m.inflightApply) == 0 {
		m.unapplied = m.applied
	}
}

// GetMins returns the current minLive and minUnapplied GTIDs.
func (m *Manager) GetMins() (minLive, minUnapplied GTID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live, m.unapplied
}

// GetLiveState returns a full snapshot of the frontier.
func (m *Manager) GetLiveState() LiveState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LiveState{Live: m.live, Unapplied: m.unapplied, Applied: m.applied}
}

// LastHash returns the running hash of the most recently noted entry.
func (m *Manager) LastHash() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHash
}

// RollbackNeeded reports whether the remote's next announced entry would
// not extend our chain: either it is behind our live GTID, or it claims
// our live GTID with a different hash (remoteTS is not compared), or it
// skips ahead of our immediate successor.
func (m *Manager) RollbackNeeded(remoteGTID GTID, remoteTS int64, remoteHash int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if remoteGTID.Less(m.live) {
		return true
	}
	if remoteGTID == m.live {
		return remoteHash != m.lastHash
	}
	// remoteGTID > live: it must be our immediate successor for the chain
	// to extend cleanly. Anything else (a gap) is also a rollback trigger,
	// since it means the remote diverged and skipped ahead.
	return remoteGTID != m.live.Next() && !(m.live == Initial)
}

// ResetAfterInitialSync hard-resets the frontier, used once initial sync has
// cloned data under a remote snapshot and replayed the oplog tail.
func (m *Manager) ResetAfterInitialSync(g GTID, ts int64, hash int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = g
	m.unapplied = g
	m.applied = g
	m.lastTS = ts
	m.lastHash = hash
	m.inflightApply = make(map[GTID]struct{})
}

// ResetToRollbackPoint is used by rollback to rewind the frontier to the
// common divergence point before replaying forward.
func (m *Manager) ResetToRollbackPoint(g GTID, ts int64, hash int64) {
	m.ResetAfterInitialSync(g, ts, hash)
}

// VerifyReadyToBecomePrimary asserts that no apply transaction is in flight;
// called by the election path just before asserting PRIMARY.
func (m *Manager) VerifyReadyToBecomePrimary() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inflightApply) != 0 {
		return ErrTxnInFlight
	}
	return nil
}

// CatchUnappliedToLive advances applied = live in one step; used on a
// single-node set that starts directly as primary and therefore never has
// a producer/applier pipeline to converge the two naturally.
func (m *Manager) CatchUnappliedToLive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unapplied = m.live
	m.applied = m.live
}
