package replset

import (
	"sync"
	"time"

	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/config"
)

// Handle is an arena index into ReplSet.members. Per the "cyclic object
// graphs become arena-allocated nodes with integer handles" design note,
// Member never holds a pointer back to its ReplSet; callers pass the
// handle.
type Handle int

// HeartbeatInfo is the freshness/health data a member's periodic heartbeat
// task records.
type HeartbeatInfo struct {
	Health           float64
	LastState        State
	LastGTID         gtid.GTID
	LastOpTimeMS     int64
	PingLatency      time.Duration
	AuthOK           bool
	LastRecvWall     time.Time
	HighestVoteKnown int64
}

// Member is one replica-set member's identity, configured role, and
// latest heartbeat info.
type Member struct {
	Handle Handle

	ID             int
	Host           string
	Priority       float64
	ArbiterOnly    bool
	Hidden         bool
	BuildIndexes   bool
	SlaveDelay     time.Duration
	Votes          int

	mu sync.RWMutex
	hb HeartbeatInfo
}

func newMember(h Handle, c config.MemberConfig) *Member {
	return &Member{
		Handle:       h,
		ID:           c.ID,
		Host:         c.Host,
		Priority:     c.Priority,
		ArbiterOnly:  c.ArbiterOnly,
		Hidden:       c.Hidden,
		BuildIndexes: c.BuildIndexes,
		SlaveDelay:   time.Duration(c.SlaveDelaySecs) * time.Second,
		Votes:        c.Votes,
		hb:           HeartbeatInfo{Health: 1.0},
	}
}

// Electable reports whether the member can ever become primary.
func (m *Member) Electable() bool {
	return !m.ArbiterOnly && m.Priority > 0
}

// HB returns a copy of the member's current heartbeat info.
func (m *Member) HB() HeartbeatInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hb
}

// SetHB overwrites the member's heartbeat info following a successful
// heartbeat round-trip.
func (m *Member) SetHB(hb HeartbeatInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hb = hb
}

// DecayHealth exponentially decays Health toward 0 after a failed
// heartbeat.
func (m *Member) DecayHealth() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hb.Health *= 0.8
	if m.hb.Health < 0.01 {
		m.hb.Health = 0
	}
}

// Reachable reports whether the member's last heartbeat succeeded recently
// enough to be trusted for sync-source selection and election quorum.
func (m *Member) Reachable(staleAfter time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hb.Health > 0 && time.Since(m.hb.LastRecvWall) < staleAfter
}
