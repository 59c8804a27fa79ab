package harness

import (
	"context"
	"time"

	"github.com/tessera-db/core/replset"
)

// heartbeatInterval is how often PumpHeartbeats refreshes every member's
// view of its peers; short relative to real deployments since tests want
// fast convergence, not realistic network timing.
const heartbeatInterval = 10 * time.Millisecond

// PumpHeartbeats stands in for the out-of-scope heartbeat RPC: on a real
// deployment every member periodically pings every other and records what
// it hears via Member.SetHB. Here each node's peer view is refreshed
// directly from the peer's own live state instead of a wire round-trip,
// at heartbeatInterval until the returned stop func is called.
func (c *Cluster) PumpHeartbeats(ctx context.Context) (stop func()) {
	tickCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-t.C:
				c.tickHeartbeats()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Cluster) tickHeartbeats() {
	c.mu.RLock()
	nodes := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.RUnlock()

	now := time.Now()
	for _, observer := range nodes {
		for _, peer := range observer.Ctx.ReplSet.Peers() {
			remote := c.peer(peer.ID)
			if remote == nil {
				continue
			}
			live := remote.Ctx.GTIDManager.GetLiveState()
			peer.SetHB(replset.HeartbeatInfo{
				Health:       1.0,
				LastState:    remote.Ctx.ReplSet.State(),
				LastGTID:     live.Live,
				LastOpTimeMS: now.UnixMilli(),
				PingLatency:  time.Millisecond,
				AuthOK:       true,
				LastRecvWall: now,
			})
		}
	}
}
