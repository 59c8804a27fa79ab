package replset

import (
	"context"
	"sync"
	"time"

	"github.com/tessera-db/core/internal/corelog"
)

// HeartbeatRunner owns one long-lived task per non-self member. Each task opens a periodic
// connection, sends the heartbeat payload, and records the response into
// that member's HBInfo; health exponentially decays toward 0 on failure.
type HeartbeatRunner struct {
	rs        *ReplSet
	transport Transport
	interval  time.Duration
	log       *corelog.Event

	mu     sync.Mutex
	cancel map[Handle]context.CancelFunc
	wg     sync.WaitGroup
}

func NewHeartbeatRunner(rs *ReplSet, transport Transport, interval time.Duration, log *corelog.Event) *HeartbeatRunner {
	return &HeartbeatRunner{
		rs:        rs,
		transport: transport,
		interval:  interval,
		log:       log,
		cancel:    make(map[Handle]context.CancelFunc),
	}
}

// Start launches one goroutine per current peer. Calling Start again after
// a Reconfig reconciles the task set to the new member list.
func (h *HeartbeatRunner) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	want := make(map[Handle]*Member)
	for _, m := range h.rs.Peers() {
		want[m.Handle] = m
	}

	for handle, cancel := range h.cancel {
		if _, ok := want[handle]; !ok {
			cancel()
			delete(h.cancel, handle)
		}
	}

	for handle, m := range want {
		if _, ok := h.cancel[handle]; ok {
			continue
		}
		mctx, cancel := context.WithCancel(ctx)
		h.cancel[handle] = cancel
		h.wg.Add(1)
		go h.loop(mctx, m)
	}
}

// Stop cancels every running heartbeat task and waits for them to exit.
func (h *HeartbeatRunner) Stop() {
	h.mu.Lock()
	for _, cancel := range h.cancel {
		cancel()
	}
	h.cancel = make(map[Handle]context.CancelFunc)
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *HeartbeatRunner) loop(ctx context.Context, m *Member) {
	defer h.wg.Done()
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.beat(ctx, m)
		}
	}
}

func (h *HeartbeatRunner) beat(ctx context.Context, m *Member) {
	self := h.rs.Self()
	cfg := h.rs.Config()
	req := HeartbeatRequest{
		SetName:       cfg.SetName,
		SelfID:        self.ID,
		ConfigVersion: cfg.Version,
		LastGTID:      h.rs.gtidM.GetLiveState().Live,
	}
	reply, err := h.transport.SendHeartbeat(ctx, m, req)
	if err != nil {
		m.DecayHealth()
		if h.log != nil {
			h.log.Debug("heartbeat to %s failed: %v", m.Host, err)
		}
		return
	}
	m.SetHB(HeartbeatInfo{
		Health:           1.0,
		LastState:        reply.State,
		LastGTID:         reply.LastGTID,
		LastOpTimeMS:     reply.LastOpTimeMS,
		PingLatency:      0,
		AuthOK:           reply.AuthOK,
		LastRecvWall:     time.Now(),
		HighestVoteKnown: reply.HighestVote,
	})
	if !reply.AuthOK {
		if h.log != nil {
			h.log.Warn("member %s reports auth failure", m.Host)
		}
	}
}
