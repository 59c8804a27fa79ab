package replset

import (
	"context"

	"github.com/tessera-db/core/gtid"
)

// HeartbeatRequest is sent to every peer on its own periodic task.
type HeartbeatRequest struct {
	SetName        string
	SelfID         int
	ConfigVersion  int
	LastGTID       gtid.GTID
	HighestVote    int64
}

// HeartbeatReply is the member's response.
type HeartbeatReply struct {
	State         State
	LastGTID      gtid.GTID
	LastOpTimeMS  int64
	HighestVote   int64
	AuthOK        bool
	ConfigVersion int
}

// FreshnessRequest/Reply implement the election freshness round
type FreshnessRequest struct {
	CandidateID     int
	CandidateGTID   gtid.GTID
	CandidateVote   int64
}

type FreshnessReply struct {
	OK     bool
	Reason string
}

// VoteRequest/Reply implement the election vote round.
type VoteRequest struct {
	Term        int64
	CandidateID int
	Priority    float64
}

type VoteReply struct {
	Granted bool
	Veto    bool
	Reason  string
}

// Transport is the seam to the out-of-scope wire protocol;
// replset only needs to send these three RPCs to a peer and get a reply
// or an error back.
type Transport interface {
	SendHeartbeat(ctx context.Context, m *Member, req HeartbeatRequest) (HeartbeatReply, error)
	RequestFreshness(ctx context.Context, m *Member, req FreshnessRequest) (FreshnessReply, error)
	RequestVote(ctx context.Context, m *Member, req VoteRequest) (VoteReply, error)
}
