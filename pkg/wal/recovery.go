package wal

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bobboyms/docengine/pkg/dberrors"
)

// TxnState is a transaction's terminal status as observed during WAL
// replay: a transaction with a Commit record is Committed, one with an
// Abort record is RolledBack, and one with neither is Incomplete.
type TxnState int

const (
	TxnIncomplete TxnState = iota
	TxnCommitted
	TxnRolledBack
)

// Op is one Insert/Update/Delete record recovered from the log, in the
// order it was appended (ascending LSN across segments).
type Op struct {
	LSN        uint64
	Type       uint8 // EntryInsert, EntryUpdate, or EntryDelete
	TxnID      string
	Collection string
	DocID      string
	Before     []byte // bson-encoded image, or nil
	After      []byte // bson-encoded image, or nil
}

// Result is what Recover returns: the classified transactions and the
// ordered set of committed data operations a caller should replay.
type Result struct {
	CommittedTxns   []string
	IncompleteTxns  []string
	RolledBackTxns  []string
	ReplayedCount   int
	LastLSN         uint64
	CheckpointLSN   uint64
	CommittedOps    []Op // Insert/Update/Delete ops belonging to committed txns, LSN-ordered
}

// EncodeCheckpointTxns JSON-encodes the set of transaction IDs active at
// checkpoint time, for use as an EntryCheckpoint record's payload.
func EncodeCheckpointTxns(activeTxns []string) ([]byte, error) {
	return json.Marshal(activeTxns)
}

// DecodeCheckpointTxns reverses EncodeCheckpointTxns.
func DecodeCheckpointTxns(payload []byte) ([]string, error) {
	var txns []string
	if len(payload) == 0 {
		return nil, nil
	}
	err := json.Unmarshal(payload, &txns)
	return txns, err
}

// segmentPaths lists the WAL segment files under dir, oldest first, the
// way Cleanup already parses "wal.<ts>.<lsn>" names to sort by LSN. In
// single-file mode (opts.MaxFileSize == 0) dir is itself the one log file.
func segmentPaths(dir string, opts Options) ([]string, error) {
	if opts.MaxFileSize <= 0 {
		if _, err := os.Stat(dir); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		return []string{dir}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type seg struct {
		path string
		lsn  uint64
	}
	var segs []seg
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "wal.") {
			continue
		}
		parts := strings.Split(e.Name(), ".")
		lsn, err := strconv.ParseUint(parts[len(parts)-1], 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, seg{path: filepath.Join(dir, e.Name()), lsn: lsn})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].lsn < segs[j].lsn })

	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.path
	}
	return paths, nil
}

// corruption wraps err as a Corruption and reports it to Sentry at the
// source, so no caller has to remember to. The error is then returned to
// the caller of Recover; nothing here exits the process.
func corruption(err error, msg string) error {
	werr := dberrors.WrapCorruption(err, msg)
	dberrors.Capture(werr)
	return werr
}

// Recover loads the most recent checkpoint (if any), replays every
// record from the checkpoint LSN (or log start) forward across every
// segment in LSN order, and classifies every transaction seen as
// Committed, RolledBack, or Incomplete. A CRC mismatch anywhere in the
// replayed range is fatal.
func Recover(dir string, opts Options) (*Result, error) {
	res := &Result{}

	var checkpointLSN uint64
	if meta, err := ReadCheckpointFile(checkpointDir(dir, opts)); err == nil {
		checkpointLSN = meta.LSN
		res.CheckpointLSN = meta.LSN
	} else if !os.IsNotExist(err) {
		return nil, corruption(err, "reading checkpoint metadata")
	}

	paths, err := segmentPaths(dir, opts)
	if err != nil {
		return nil, err
	}

	status := make(map[string]TxnState)
	var ops []Op

	for _, path := range paths {
		if err := replaySegment(path, checkpointLSN, &res.ReplayedCount, &res.LastLSN, status, &ops); err != nil {
			return nil, err
		}
	}

	for id, st := range status {
		switch st {
		case TxnCommitted:
			res.CommittedTxns = append(res.CommittedTxns, id)
		case TxnRolledBack:
			res.RolledBackTxns = append(res.RolledBackTxns, id)
		default:
			res.IncompleteTxns = append(res.IncompleteTxns, id)
		}
	}
	sort.Strings(res.CommittedTxns)
	sort.Strings(res.IncompleteTxns)
	sort.Strings(res.RolledBackTxns)

	committed := make(map[string]bool, len(res.CommittedTxns))
	for _, id := range res.CommittedTxns {
		committed[id] = true
	}
	for _, op := range ops {
		if committed[op.TxnID] {
			res.CommittedOps = append(res.CommittedOps, op)
		}
	}
	sort.Slice(res.CommittedOps, func(i, j int) bool { return res.CommittedOps[i].LSN < res.CommittedOps[j].LSN })

	return res, nil
}

func checkpointDir(dir string, opts Options) string {
	if opts.MaxFileSize > 0 {
		return dir
	}
	return filepath.Dir(dir)
}

func replaySegment(path string, fromLSN uint64, replayed *int, lastLSN *uint64, status map[string]TxnState, ops *[]Op) error {
	r, err := NewWALReader(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer r.Close()

	for {
		entry, err := r.ReadEntry()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if err == ErrChecksumMismatch {
				return corruption(err, "WAL replay: CRC mismatch at "+path)
			}
			return corruption(err, "WAL replay: malformed entry at "+path)
		}

		lsn := entry.Header.LSN
		if lsn > *lastLSN {
			*lastLSN = lsn
		}
		if lsn < fromLSN {
			ReleaseEntry(entry)
			continue
		}
		*replayed++

		switch entry.Header.EntryType {
		case EntryBegin:
			txnID := string(entry.Payload)
			if _, ok := status[txnID]; !ok {
				status[txnID] = TxnIncomplete
			}
		case EntryCommit:
			status[string(entry.Payload)] = TxnCommitted
		case EntryAbort:
			status[string(entry.Payload)] = TxnRolledBack
		case EntryInsert, EntryUpdate, EntryDelete:
			p, derr := DecodeDataPayload(entry.Payload)
			if derr != nil {
				ReleaseEntry(entry)
				return corruption(derr, "WAL replay: malformed data payload at "+path)
			}
			if _, ok := status[p.TxnID]; !ok {
				status[p.TxnID] = TxnIncomplete
			}
			*ops = append(*ops, Op{
				LSN:        lsn,
				Type:       entry.Header.EntryType,
				TxnID:      p.TxnID,
				Collection: p.Collection,
				DocID:      p.DocID,
				Before:     append([]byte(nil), p.Before...),
				After:      append([]byte(nil), p.After...),
			})
		case EntryCheckpoint:
			// Informational only; the checkpoint metadata file already told
			// Recover where to start. Nothing further to apply.
		}
		ReleaseEntry(entry)
	}
}
