package replset

import (
	"context"
	"testing"
	"time"

	"github.com/tessera-db/core/engine/memengine"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/config"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.SetName = "rs0"
	cfg.Members = []config.MemberConfig{
		{ID: 0, Host: "h0", Priority: 2, Votes: 1},
		{ID: 1, Host: "h1", Priority: 1, Votes: 1},
		{ID: 2, Host: "h2", Priority: 0, Votes: 1},
	}
	return cfg
}

func newTestReplSet(t *testing.T, selfID int) *ReplSet {
	t.Helper()
	eng := memengine.New()
	vs := NewVoteStore(eng)
	gm := gtid.NewManager()
	rs, err := New(testConfig(), selfID, vs, gm, nil)
	if err != nil {
		t.Fatal(err)
	}
	return rs
}

func TestStartupToStartup2Transition(t *testing.T) {
	rs := newTestReplSet(t, 0)
	if rs.State() != Startup {
		t.Fatalf("expected STARTUP, got %s", rs.State())
	}
	if err := rs.LoadConfig(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rs.State() != Startup2 {
		t.Fatalf("expected STARTUP2, got %s", rs.State())
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	rs := newTestReplSet(t, 0)
	// PRIMARY is not reachable directly from STARTUP.
	rs.stateMu.Lock()
	err := rs.transitionLocked(Primary)
	rs.stateMu.Unlock()
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
}

func TestStepDownRequiresPrimary(t *testing.T) {
	rs := newTestReplSet(t, 0)
	if err := rs.StepDown(30); err != ErrNotPrimary {
		t.Fatalf("expected ErrNotPrimary, got %v", err)
	}
}

func TestMaintenanceRefcounting(t *testing.T) {
	rs := newTestReplSet(t, 0)
	_ = rs.LoadConfig(context.Background())
	rs.stateMu.Lock()
	_ = rs.transitionLocked(Secondary)
	rs.stateMu.Unlock()

	if err := rs.EnterMaintenance(); err != nil {
		t.Fatal(err)
	}
	if err := rs.EnterMaintenance(); err != nil {
		t.Fatal(err)
	}
	if rs.State() != Recovering {
		t.Fatalf("expected RECOVERING, got %s", rs.State())
	}
	if err := rs.LeaveMaintenance(); err != nil {
		t.Fatal(err)
	}
	if rs.State() != Recovering {
		t.Fatalf("expected still RECOVERING after one release, got %s", rs.State())
	}
	if err := rs.LeaveMaintenance(); err != nil {
		t.Fatal(err)
	}
	if rs.State() != Secondary {
		t.Fatalf("expected SECONDARY after refcount reaches 0, got %s", rs.State())
	}
}

// fakeTransport grants freshness and votes unconditionally, modeling a
// healthy three-node set with no competing candidate.
type fakeTransport struct{}

func (fakeTransport) SendHeartbeat(ctx context.Context, m *Member, req HeartbeatRequest) (HeartbeatReply, error) {
	return HeartbeatReply{State: Secondary}, nil
}

func (fakeTransport) RequestFreshness(ctx context.Context, m *Member, req FreshnessRequest) (FreshnessReply, error) {
	return FreshnessReply{OK: true}, nil
}

func (fakeTransport) RequestVote(ctx context.Context, m *Member, req VoteRequest) (VoteReply, error) {
	return VoteReply{Granted: true}, nil
}

func TestElectionWinsWithMajority(t *testing.T) {
	rs := newTestReplSet(t, 0)
	_ = rs.LoadConfig(context.Background())
	rs.stateMu.Lock()
	_ = rs.transitionLocked(Secondary)
	rs.stateMu.Unlock()

	for _, m := range rs.Peers() {
		m.SetHB(HeartbeatInfo{Health: 1.0, LastRecvWall: time.Now()})
	}

	el := NewElector(rs, fakeTransport{}, nil)
	if err := el.TryElection(context.Background()); err != nil {
		t.Fatalf("expected election win, got %v", err)
	}
	if rs.State() != Primary {
		t.Fatalf("expected PRIMARY after winning election, got %s", rs.State())
	}
}

func TestElectionRejectsLowPriorityWhenNotElectable(t *testing.T) {
	rs := newTestReplSet(t, 2) // priority 0 member
	_ = rs.LoadConfig(context.Background())
	rs.stateMu.Lock()
	_ = rs.transitionLocked(Secondary)
	rs.stateMu.Unlock()

	el := NewElector(rs, fakeTransport{}, nil)
	if err := el.TryElection(context.Background()); err == nil {
		t.Fatal("expected priority-0 member to be rejected as not electable")
	}
}
