package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bobboyms/docengine/pkg/dberrors"
	"github.com/bobboyms/docengine/pkg/document"
	"github.com/bobboyms/docengine/pkg/index"
	"github.com/bobboyms/docengine/pkg/txn"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	opts := DefaultOptions(t.TempDir() + "/wal.log")
	e, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestInsertCommit_VisibleAfterCommit(t *testing.T) {
	e := newEngine(t)
	e.CreateCollection("users")
	ctx := context.Background()

	tx, err := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Insert(ctx, tx.ID, "users", "u1", map[string]interface{}{"name": "ana"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Commit(tx.ID); err != nil {
		t.Fatal(err)
	}

	tx2, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	doc, err := e.Get(ctx, tx2.ID, "users", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Fields["name"] != "ana" {
		t.Fatalf("expected name=ana, got %v", doc.Fields["name"])
	}
}

func TestInsertRollback_UndoesInsertAndIndex(t *testing.T) {
	e := newEngine(t)
	e.CreateCollection("users")
	if _, err := e.CreateIndex("users", index.Descriptor{Name: "by_email", Fields: []string{"email"}, Kind: index.Unique}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tx, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Insert(ctx, tx.ID, "users", "u1", map[string]interface{}{"email": "a@b.com"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Rollback(tx.ID); err != nil {
		t.Fatal(err)
	}

	tx2, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Get(ctx, tx2.ID, "users", "u1"); err == nil {
		t.Fatal("expected document to be gone after rollback")
	}
	e.Rollback(tx2.ID)

	tx3, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Insert(ctx, tx3.ID, "users", "u2", map[string]interface{}{"email": "a@b.com"}); err != nil {
		t.Fatal("expected unique key to be free again after rollback, got", err)
	}
	e.Commit(tx3.ID)
}

func TestApply_IncrementUnderTransaction(t *testing.T) {
	e := newEngine(t)
	e.CreateCollection("counters")
	ctx := context.Background()

	tx, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Insert(ctx, tx.ID, "counters", "c1", map[string]interface{}{"hits": int64(1)}); err != nil {
		t.Fatal(err)
	}
	e.Commit(tx.ID)

	tx2, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	updated, err := e.Apply(ctx, tx2.ID, "counters", "c1", []document.Op{document.Increment("hits", int64(4))})
	if err != nil {
		t.Fatal(err)
	}
	if v := updated.Fields["hits"]; v != float64(5) && v != int64(5) {
		t.Fatalf("expected hits=5, got %v (%T)", v, v)
	}
	if err := e.Commit(tx2.ID); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteRollback_RestoresDocumentAndIndex(t *testing.T) {
	e := newEngine(t)
	e.CreateCollection("users")
	if _, err := e.CreateIndex("users", index.Descriptor{Name: "by_email", Fields: []string{"email"}, Kind: index.Unique}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tx, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	e.Insert(ctx, tx.ID, "users", "u1", map[string]interface{}{"email": "a@b.com"})
	e.Commit(tx.ID)

	tx2, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if err := e.Delete(ctx, tx2.ID, "users", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := e.Rollback(tx2.ID); err != nil {
		t.Fatal(err)
	}

	tx3, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Get(ctx, tx3.ID, "users", "u1"); err != nil {
		t.Fatal("expected delete to be undone by rollback:", err)
	}
	e.Rollback(tx3.ID)

	tx4, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Insert(ctx, tx4.ID, "users", "u2", map[string]interface{}{"email": "a@b.com"}); err == nil {
		t.Fatal("expected unique index entry to still be present after rollback")
	}
	e.Rollback(tx4.ID)
}

func TestSetExpiry_DocumentEventuallyRemoved(t *testing.T) {
	e := newEngine(t)
	e.CreateCollection("sessions")
	ctx := context.Background()
	e.Start(ctx)

	tx, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	e.Insert(ctx, tx.ID, "sessions", "s1", map[string]interface{}{"token": "x"})
	e.Commit(tx.ID)

	if err := e.SetExpiry("sessions", "s1", time.Now().Add(10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1200 * time.Millisecond)

	tx2, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Get(ctx, tx2.ID, "sessions", "s1"); err == nil {
		t.Fatal("expected session to have expired")
	}
	e.Rollback(tx2.ID)
}

func TestInsert_MirrorsToHeapVersionChain(t *testing.T) {
	e := newEngine(t)
	e.CreateCollection("users")
	ctx := context.Background()

	tx, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Insert(ctx, tx.ID, "users", "u1", map[string]interface{}{"name": "ana"}); err != nil {
		t.Fatal(err)
	}
	e.Commit(tx.ID)

	tx2, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Apply(ctx, tx2.ID, "users", "u1", []document.Op{document.Set("name", "beatriz")}); err != nil {
		t.Fatal(err)
	}
	e.Commit(tx2.ID)

	e.heapMu.Lock()
	offset, ok := e.versions["users"]["u1"]
	e.heapMu.Unlock()
	if !ok || offset < 0 {
		t.Fatalf("expected a recorded heap offset for u1, got %d (ok=%v)", offset, ok)
	}

	hm, err := e.heapFor("users")
	if err != nil || hm == nil {
		t.Fatalf("expected heap manager, got %v", err)
	}
	data, header, err := hm.Read(offset)
	if err != nil {
		t.Fatal(err)
	}
	if !header.Valid {
		t.Fatal("expected latest heap version to be valid")
	}
	var decoded map[string]interface{}
	if err := bson.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["name"] != "beatriz" {
		t.Fatalf("expected heap mirror to hold the updated value, got %v", decoded["name"])
	}
}

// TestConcurrentIncrement_NoLostUpdates: 100 concurrent Increment calls
// on the same field, each
// inside its own committed transaction, must land exactly 100 times —
// the per-resource Exclusive lock Apply takes (through Coordinator.Lock)
// before it mutates the document serializes the read-modify-write cycle
// across goroutines.
func TestConcurrentIncrement_NoLostUpdates(t *testing.T) {
	e := newEngine(t)
	e.Start(context.Background())
	e.CreateCollection("counters")
	ctx := context.Background()

	tx0, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Insert(ctx, tx0.ID, "counters", "c1", map[string]interface{}{"n": int64(0)}); err != nil {
		t.Fatal(err)
	}
	if err := e.Commit(tx0.ID); err != nil {
		t.Fatal(err)
	}

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
			if err != nil {
				errs <- err
				return
			}
			if _, err := e.Apply(ctx, tx.ID, "counters", "c1", []document.Op{document.Increment("n", int64(1))}); err != nil {
				e.Rollback(tx.ID)
				errs <- err
				return
			}
			errs <- e.Commit(tx.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	txf, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	doc, err := e.Get(ctx, txf.ID, "counters", "c1")
	if err != nil {
		t.Fatal(err)
	}
	e.Rollback(txf.ID)
	got, _ := toInt64(doc.Fields["n"])
	if got != n {
		t.Fatalf("expected n=%d after %d concurrent increments, got %v", n, n, doc.Fields["n"])
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch vv := v.(type) {
	case int64:
		return vv, true
	case int32:
		return int64(vv), true
	case int:
		return int64(vv), true
	case float64:
		return int64(vv), true
	default:
		return 0, false
	}
}

func TestDropCollection_RemovesIndexes(t *testing.T) {
	e := newEngine(t)
	e.CreateCollection("temp")
	if _, err := e.CreateIndex("temp", index.Descriptor{Name: "by_x", Fields: []string{"x"}, Kind: index.NonUnique}); err != nil {
		t.Fatal(err)
	}
	e.DropCollection("temp")
	if _, err := e.collection("temp"); err == nil {
		t.Fatal("expected collection to be gone")
	}
}

// TestDeadlock_VictimAbortedAndSurvivorCommits drives the classic
// two-transaction cycle through the Engine rather than the bare
// LockManager:
// txA begins before txB, each holds an exclusive write lock the other
// then requests, and the lock manager's deadlock hook (wired in New) must
// reach all the way into the transaction coordinator, not just bump a
// counter. Expected: the younger transaction (txB) is picked as victim,
// its in-flight write is undone and its context leaves the active set
// entirely, and txA's blocked write is then granted so it can proceed and
// commit.
func TestDeadlock_VictimAbortedAndSurvivorCommits(t *testing.T) {
	e := newEngine(t)
	e.CreateCollection("docs")
	ctx := context.Background()

	setup, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if _, err := e.Insert(ctx, setup.ID, "docs", "d1", map[string]interface{}{"n": int64(1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Insert(ctx, setup.ID, "docs", "d2", map[string]interface{}{"n": int64(1)}); err != nil {
		t.Fatal(err)
	}
	if err := e.Commit(setup.ID); err != nil {
		t.Fatal(err)
	}

	txA, err := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if err != nil {
		t.Fatal(err)
	}
	txB, err := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	if err != nil {
		t.Fatal(err)
	}

	// A holds d1, B holds d2.
	if _, err := e.Apply(ctx, txA.ID, "docs", "d1", []document.Op{document.Increment("n", int64(1))}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Apply(ctx, txB.ID, "docs", "d2", []document.Op{document.Increment("n", int64(1))}); err != nil {
		t.Fatal(err)
	}

	// A blocks waiting for d2 (held by B).
	aDone := make(chan error, 1)
	go func() {
		_, err := e.Apply(ctx, txA.ID, "docs", "d2", []document.Op{document.Increment("n", int64(1))})
		aDone <- err
	}()
	time.Sleep(30 * time.Millisecond)

	// B requests d1 (held by A): this closes the cycle and the lock
	// manager's proactive check resolves it inline, calling the
	// coordinator's deadlock hook before returning.
	_, errB := e.Apply(ctx, txB.ID, "docs", "d1", []document.Op{document.Increment("n", int64(1))})
	if errB == nil {
		t.Fatal("expected txB's request to report a deadlock")
	}
	if kind, ok := dberrors.KindOf(errB); !ok || kind != dberrors.DeadlockDetected {
		t.Fatalf("expected DeadlockDetected, got %v", errB)
	}

	if _, ok := e.coord.Info(txB.ID); ok {
		t.Fatal("txB should no longer be tracked as active after being force-aborted as the deadlock victim")
	}

	select {
	case err := <-aDone:
		if err != nil {
			t.Fatalf("txA should have proceeded once txB's lock was force-released, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("txA never woke after txB was aborted as deadlock victim")
	}

	if err := e.Commit(txA.ID); err != nil {
		t.Fatalf("txA should commit cleanly: %v", err)
	}

	// d2 must reflect only txA's increment: txB's own increment on d2 was
	// undone as part of its forced abort.
	tx3, _ := e.Begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	doc2, err := e.Get(ctx, tx3.ID, "docs", "d2")
	if err != nil {
		t.Fatal(err)
	}
	if v := doc2.Fields["n"]; v != float64(2) && v != int64(2) {
		t.Fatalf("expected d2.n=2 (one undone increment, one applied), got %v (%T)", v, v)
	}
	e.Rollback(tx3.ID)
}
