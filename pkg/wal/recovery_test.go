package wal

import (
	"os"
	"path/filepath"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// writeDataEntry is a small test helper that writes one Insert/Update/
// Delete record through w, the same shape pkg/engine's appendDataEntry
// builds.
func writeDataEntry(t *testing.T, w *WALWriter, lsn uint64, entryType uint8, txnID, collection, id string, before, after bson.M) {
	t.Helper()
	var beforeImg, afterImg []byte
	var err error
	if before != nil {
		beforeImg, err = bson.Marshal(before)
		if err != nil {
			t.Fatalf("marshal before: %v", err)
		}
	}
	if after != nil {
		afterImg, err = bson.Marshal(after)
		if err != nil {
			t.Fatalf("marshal after: %v", err)
		}
	}
	payload, err := EncodeDataPayload(DataPayload{TxnID: txnID, Collection: collection, DocID: id, Before: beforeImg, After: afterImg})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	entry := AcquireEntry()
	defer ReleaseEntry(entry)
	entry.Header.Magic = WALMagic
	entry.Header.Version = 1
	entry.Header.EntryType = entryType
	entry.Header.LSN = lsn
	entry.Header.PayloadLen = uint32(len(payload))
	entry.Header.CRC32 = CalculateCRC32(payload)
	entry.Payload = append(entry.Payload, payload...)
	if err := w.WriteEntry(entry); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
}

func writeMarker(t *testing.T, w *WALWriter, lsn uint64, entryType uint8, txnID string) {
	t.Helper()
	entry := AcquireEntry()
	defer ReleaseEntry(entry)
	payload := []byte(txnID)
	entry.Header.Magic = WALMagic
	entry.Header.Version = 1
	entry.Header.EntryType = entryType
	entry.Header.LSN = lsn
	entry.Header.PayloadLen = uint32(len(payload))
	entry.Header.CRC32 = CalculateCRC32(payload)
	entry.Payload = append(entry.Payload, payload...)
	if err := w.WriteEntry(entry); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
}

// TestRecover_CrashBeforeCommit: Begin T1; Insert d1 v1; Commit T1;
// Begin T2; Update d1 v1->2; crash
// before T2's Commit. Recovery must report T1 committed, T2 incomplete,
// and the committed op set must reflect only d1's v1 insert.
func TestRecover_CrashBeforeCommit(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "wal.current")
	opts := Options{SyncPolicy: SyncEveryWrite, BufferSize: 4096}

	w, err := NewWALWriter(logPath, opts)
	if err != nil {
		t.Fatalf("NewWALWriter: %v", err)
	}

	writeMarker(t, w, 1, EntryBegin, "T1")
	writeDataEntry(t, w, 2, EntryInsert, "T1", "c", "d1", nil, bson.M{"v": int32(1)})
	writeMarker(t, w, 3, EntryCommit, "T1")

	writeMarker(t, w, 4, EntryBegin, "T2")
	writeDataEntry(t, w, 5, EntryUpdate, "T2", "c", "d1", bson.M{"v": int32(1)}, bson.M{"v": int32(2)})
	// no commit for T2: simulates a crash.
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res, err := Recover(logPath, opts)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if res.ReplayedCount < 5 {
		t.Errorf("expected at least 5 replayed records, got %d", res.ReplayedCount)
	}
	if len(res.CommittedTxns) != 1 || res.CommittedTxns[0] != "T1" {
		t.Errorf("expected committed=[T1], got %v", res.CommittedTxns)
	}
	if len(res.IncompleteTxns) != 1 || res.IncompleteTxns[0] != "T2" {
		t.Errorf("expected incomplete=[T2], got %v", res.IncompleteTxns)
	}
	if len(res.CommittedOps) != 1 {
		t.Fatalf("expected exactly 1 committed op, got %d", len(res.CommittedOps))
	}
	op := res.CommittedOps[0]
	if op.TxnID != "T1" || op.DocID != "d1" || op.Type != EntryInsert {
		t.Errorf("unexpected committed op: %+v", op)
	}
	fields, err := DecodeImage(op.After)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if v, ok := fields["v"]; !ok || v != int32(1) {
		t.Errorf("expected v=1 in recovered after-image, got %v", fields)
	}
}

func TestRecover_NoLogYieldsEmptyResult(t *testing.T) {
	dir := t.TempDir()
	opts := Options{SyncPolicy: SyncEveryWrite, BufferSize: 4096}
	res, err := Recover(filepath.Join(dir, "wal.current"), opts)
	if err != nil {
		t.Fatalf("Recover on empty dir: %v", err)
	}
	if res.ReplayedCount != 0 || len(res.CommittedTxns) != 0 || len(res.IncompleteTxns) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestRecover_CorruptEntryIsFatal(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "wal.current")
	opts := Options{SyncPolicy: SyncEveryWrite, BufferSize: 4096}

	w, err := NewWALWriter(logPath, opts)
	if err != nil {
		t.Fatalf("NewWALWriter: %v", err)
	}
	writeMarker(t, w, 1, EntryBegin, "T1")
	writeDataEntry(t, w, 2, EntryInsert, "T1", "c", "d1", nil, bson.M{"v": int32(1)})
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt one payload byte in place, well past the header.
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(logPath, data, 0644); err != nil {
		t.Fatalf("rewriting log: %v", err)
	}

	if _, err := Recover(logPath, opts); err == nil {
		t.Fatal("expected Recover to fail on corrupted entry")
	}
}

func TestCheckpointFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta := CheckpointMeta{LSN: 42, ActiveTxns: []string{"T1", "T2"}}
	if err := WriteCheckpointFile(dir, meta); err != nil {
		t.Fatalf("WriteCheckpointFile: %v", err)
	}
	got, err := ReadCheckpointFile(dir)
	if err != nil {
		t.Fatalf("ReadCheckpointFile: %v", err)
	}
	if got.LSN != 42 || len(got.ActiveTxns) != 2 {
		t.Errorf("unexpected checkpoint contents: %+v", got)
	}
}

func TestRecover_ResumesFromCheckpointLSN(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "wal.current")
	opts := Options{SyncPolicy: SyncEveryWrite, BufferSize: 4096}

	w, err := NewWALWriter(logPath, opts)
	if err != nil {
		t.Fatalf("NewWALWriter: %v", err)
	}
	writeMarker(t, w, 1, EntryBegin, "T1")
	writeDataEntry(t, w, 2, EntryInsert, "T1", "c", "d1", nil, bson.M{"v": int32(1)})
	writeMarker(t, w, 3, EntryCommit, "T1")

	if err := WriteCheckpointFile(dir, CheckpointMeta{LSN: 4}); err != nil {
		t.Fatalf("WriteCheckpointFile: %v", err)
	}

	writeMarker(t, w, 4, EntryBegin, "T2")
	writeDataEntry(t, w, 5, EntryInsert, "T2", "c", "d2", nil, bson.M{"v": int32(2)})
	writeMarker(t, w, 6, EntryCommit, "T2")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res, err := Recover(logPath, opts)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	// T1's records predate the checkpoint LSN, so replay should skip them
	// entirely and T1 should not even appear as a recovered transaction.
	for _, id := range res.CommittedTxns {
		if id == "T1" {
			t.Errorf("expected T1 to be skipped by checkpoint-based resume, got %v", res.CommittedTxns)
		}
	}
	found := false
	for _, id := range res.CommittedTxns {
		if id == "T2" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected T2 among committed txns, got %v", res.CommittedTxns)
	}
}
