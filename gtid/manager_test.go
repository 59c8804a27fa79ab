package gtid

import "testing"

func TestAssignGTIDRequiresPrimary(t *testing.T) {
	m := NewManager()
	if _, err := m.AssignGTID(); err != ErrNotPrimary {
		t.Fatalf("expected ErrNotPrimary, got %v", err)
	}
}

func TestAssignGTIDMonotonic(t *testing.T) {
	m := NewManager()
	m.BecomePrimary(1)
	var prev GTID
	for i := 0; i < 5; i++ {
		g, err := m.AssignGTID()
		if err != nil {
			t.Fatal(err)
		}
		if !prev.Less(g) && i > 0 {
			t.Fatalf("GTID did not advance: prev=%v g=%v", prev, g)
		}
		prev = g
	}
}

func TestNoteApplyingBracketsUnapplied(t *testing.T) {
	m := NewManager()
	g1 := New(1, 1)
	g2 := New(1, 2)
	m.NoteGTIDAdded(g1, 100, 1)
	m.NoteGTIDAdded(g2, 200, 2)

	m.NoteApplyingGTID(g1)
	m.NoteApplyingGTID(g2)

	_, unapplied := m.GetMins()
	if unapplied != Initial {
		t.Fatalf("expected unapplied to stay at Initial while in flight, got %v", unapplied)
	}

	m.NoteGTIDApplied(g1)
	// still one in flight
	_, unapplied = m.GetMins()
	if unapplied != Initial {
		t.Fatalf("expected unapplied still behind with g2 in flight, got %v", unapplied)
	}

	m.NoteGTIDApplied(g2)
	_, unapplied = m.GetMins()
	if unapplied != g2 {
		t.Fatalf("expected unapplied to reach %v, got %v", g2, unapplied)
	}
}

func TestVerifyReadyToBecomePrimaryBlocksOnInflight(t *testing.T) {
	m := NewManager()
	g := New(1, 1)
	m.NoteApplyingGTID(g)
	if err := m.VerifyReadyToBecomePrimary(); err != ErrTxnInFlight {
		t.Fatalf("expected ErrTxnInFlight, got %v", err)
	}
	m.NoteGTIDApplied(g)
	if err := m.VerifyReadyToBecomePrimary(); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
}

func TestRollbackNeededOnHashMismatch(t *testing.T) {
	m := NewManager()
	g := New(1, 1)
	m.NoteGTIDAdded(g, 100, 42)
	if m.RollbackNeeded(g, 100, 42) {
		t.Fatal("matching hash at same GTID should not need rollback")
	}
	if !m.RollbackNeeded(g, 100, 99) {
		t.Fatal("mismatched hash at same GTID should need rollback")
	}
}

func TestRollbackNeededOnBehindRemote(t *testing.T) {
	m := NewManager()
	g := New(2, 5)
	m.NoteGTIDAdded(g, 100, 1)
	behind := New(1, 1)
	if !m.RollbackNeeded(behind, 50, 1) {
		t.Fatal("remote behind our live GTID should need rollback")
	}
}

func TestCatchUnappliedToLive(t *testing.T) {
	m := NewManager()
	m.BecomePrimary(1)
	g, _ := m.AssignGTID()
	m.CatchUnappliedToLive()
	st := m.GetLiveState()
	if st.Applied != g || st.Unapplied != g {
		t.Fatalf("expected applied/unapplied == live == %v, got %+v", g, st)
	}
}
