package txn

import (
	"context"
	"testing"
	"time"

	"github.com/bobboyms/docengine/pkg/lockmgr"
)

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	lm := lockmgr.New(lockmgr.DefaultOptions())
	c := New(nil, lm, nil, DefaultOptions())
	return c
}

func TestBegin_AssignsTimeOrderedID(t *testing.T) {
	c := newCoordinator(t)
	tx1, err := c.Begin(BeginOptions{Isolation: ReadCommitted})
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := c.Begin(BeginOptions{Isolation: ReadCommitted})
	if err != nil {
		t.Fatal(err)
	}
	if tx1.ID == tx2.ID {
		t.Fatal("expected distinct transaction IDs")
	}
	if tx1.ID >= tx2.ID {
		t.Fatalf("expected tx1.ID < tx2.ID (time-ordered), got %q >= %q", tx1.ID, tx2.ID)
	}
	if tx1.State != Active {
		t.Fatalf("expected Active, got %v", tx1.State)
	}
}

func TestCommit_ReleasesLocksAndRemovesContext(t *testing.T) {
	c := newCoordinator(t)
	tx, _ := c.Begin(BeginOptions{Isolation: Serializable})

	ctx := context.Background()
	if err := c.RecordWrite(ctx, tx.ID, "docs:1", 1, func() {}); err != nil {
		t.Fatalf("record write: %v", err)
	}

	var committed bool
	c.OnEvent(func(ev Event) {
		if ev.Kind == EventCommit && ev.TxnID == tx.ID {
			committed = true
		}
	})

	if err := c.Commit(tx.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !committed {
		t.Fatal("expected commit event")
	}
	if _, ok := c.Info(tx.ID); ok {
		t.Fatal("expected transaction to be removed after commit")
	}
}

func TestRollback_UndoesWritesInReverseOrder(t *testing.T) {
	c := newCoordinator(t)
	tx, _ := c.Begin(BeginOptions{Isolation: Serializable})

	var order []int
	ctx := context.Background()
	c.RecordWrite(ctx, tx.ID, "a", 1, func() { order = append(order, 1) })
	c.RecordWrite(ctx, tx.ID, "b", 2, func() { order = append(order, 2) })

	if err := c.Rollback(tx.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected undo in reverse order [2,1], got %v", order)
	}
}

func TestSavepoint_RollbackToSavepointKeepsEarlierWrites(t *testing.T) {
	c := newCoordinator(t)
	tx, _ := c.Begin(BeginOptions{Isolation: Serializable})
	ctx := context.Background()

	var undone []string
	c.RecordWrite(ctx, tx.ID, "a", 1, func() { undone = append(undone, "a") })
	c.Savepoint(tx.ID, "sp1")
	c.RecordWrite(ctx, tx.ID, "b", 2, func() { undone = append(undone, "b") })
	c.RecordWrite(ctx, tx.ID, "c", 3, func() { undone = append(undone, "c") })

	if err := c.RollbackToSavepoint(tx.ID, "sp1"); err != nil {
		t.Fatalf("rollback to savepoint: %v", err)
	}
	if len(undone) != 2 || undone[0] != "c" || undone[1] != "b" {
		t.Fatalf("expected only b and c undone in reverse, got %v", undone)
	}

	info, ok := c.Info(tx.ID)
	if !ok {
		t.Fatal("expected transaction to still be active")
	}
	if info.OpCount != 1 {
		t.Fatalf("expected op count reset to 1, got %d", info.OpCount)
	}
}

func TestAbort_EmitsAbortEventWithReason(t *testing.T) {
	c := newCoordinator(t)
	tx, _ := c.Begin(BeginOptions{Isolation: ReadCommitted})

	var reason string
	c.OnEvent(func(ev Event) {
		if ev.Kind == EventAbort {
			reason = ev.Reason
		}
	})
	if err := c.Abort(tx.ID, "Transaction timed out."); err != nil {
		t.Fatal(err)
	}
	if reason != "Transaction timed out." {
		t.Fatalf("expected reason to propagate, got %q", reason)
	}
}

func TestAbortDeadlockVictim_EmitsDeadlockVictimEventAndUndoesWrites(t *testing.T) {
	c := newCoordinator(t)
	tx, _ := c.Begin(BeginOptions{Isolation: Serializable})
	ctx := context.Background()

	var undone []string
	if err := c.RecordWrite(ctx, tx.ID, "other:r1", 1, func() { undone = append(undone, "r1") }); err != nil {
		t.Fatal(err)
	}

	var kind EventKind
	var reason string
	c.OnEvent(func(ev Event) {
		kind = ev.Kind
		reason = ev.Reason
	})

	if err := c.AbortDeadlockVictim(tx.ID); err != nil {
		t.Fatalf("AbortDeadlockVictim: %v", err)
	}

	if kind != EventDeadlockVictim {
		t.Fatalf("expected EventDeadlockVictim, got %v", kind)
	}
	if reason == "" {
		t.Fatal("expected a non-empty reason on the deadlock-victim event")
	}
	if len(undone) != 1 || undone[0] != "r1" {
		t.Fatalf("expected the victim's write to be undone, got %v", undone)
	}
	if _, ok := c.Info(tx.ID); ok {
		t.Fatal("expected the victim to no longer be tracked as active")
	}
	if mode, held := c.lm.HasLock(tx.ID, "other:r1"); held {
		t.Fatalf("expected the victim's lock to be released, still held in mode %v", mode)
	}
}

func TestIsolation_ReadCommittedReleasesSharedLockAfterRead(t *testing.T) {
	c := newCoordinator(t)
	tx, _ := c.Begin(BeginOptions{Isolation: ReadCommitted})
	ctx := context.Background()

	if err := c.RecordRead(ctx, tx.ID, "docs:1"); err != nil {
		t.Fatal(err)
	}
	if _, held := c.lm.HasLock(tx.ID, "docs:1"); held {
		t.Fatal("expected ReadCommitted to release the shared lock immediately after the read")
	}
}

func TestIsolation_RepeatableReadHoldsSharedLockToCommit(t *testing.T) {
	c := newCoordinator(t)
	tx, _ := c.Begin(BeginOptions{Isolation: RepeatableRead})
	ctx := context.Background()

	if err := c.RecordRead(ctx, tx.ID, "docs:1"); err != nil {
		t.Fatal(err)
	}
	if _, held := c.lm.HasLock(tx.ID, "docs:1"); !held {
		t.Fatal("expected RepeatableRead to hold the shared lock")
	}
	c.Commit(tx.ID)
}

func TestTimeoutScanner_AbortsExpiredTransaction(t *testing.T) {
	c := newCoordinator(t)
	tx, err := c.Begin(BeginOptions{Isolation: ReadCommitted, TTL: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	c.scanTimeouts()

	info, ok := c.Info(tx.ID)
	if ok {
		t.Fatalf("expected expired transaction to be removed, got state %v", info.State)
	}
}
