package server

import (
	"context"
	"testing"
	"time"

	"github.com/tessera-db/core/engine/memengine"
	"github.com/tessera-db/core/internal/config"
	"github.com/tessera-db/core/internal/corelog"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.SetName = "rs0"
	cfg.Members = []config.MemberConfig{{ID: 1, Host: "n1:27017", Votes: 1}}
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	eng := memengine.New()
	logger := corelog.New(nil, corelog.Info)

	ctx, err := New(testConfig(), eng, 1, WireSeams{}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if ctx.GTIDManager == nil || ctx.OplogStore == nil || ctx.ReplSet == nil || ctx.VoteStore == nil {
		t.Fatal("expected core replication components to be constructed")
	}
	if ctx.Producer == nil || ctx.Applier == nil || ctx.InitialSync == nil || ctx.Rollback == nil {
		t.Fatal("expected sync-path components to be constructed")
	}
	if ctx.Donor == nil || ctx.Recipient == nil {
		t.Fatal("expected migration components to be constructed")
	}
	if ctx.ReplInfoWriter == nil || ctx.PartitionThread == nil {
		t.Fatal("expected repl-info components to be constructed")
	}
	if ctx.GhostRelay != nil {
		t.Fatal("expected no ghost relay without a configured dialer")
	}
	if ctx.archivalBackend != nil {
		t.Fatal("expected no archival backend configured")
	}
}

func TestRunStartsAndStopsOnCancel(t *testing.T) {
	eng := memengine.New()
	logger := corelog.New(nil, corelog.Info)

	sc, err := New(testConfig(), eng, 1, WireSeams{}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sc.Run(runCtx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
