package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// checkpointMagic is written as the first line of the checkpoint metadata
// file so a reader can quickly reject a non-checkpoint file before
// attempting to parse the JSON payload that follows it.
const checkpointMagic = "DOCENGINE_CHECKPOINT_V1\n"

// CheckpointFileName is the name of the checkpoint metadata file, kept
// alongside the WAL's own segments.
const CheckpointFileName = "wal.checkpoint"

// CheckpointMeta is the durable record of a checkpoint: the LSN it was
// taken at, when, and which transactions were still active at that
// moment. Recovery uses LSN as the point to resume WAL replay from;
// ActiveTxns is recorded but Recover does not read it.
type CheckpointMeta struct {
	LSN        uint64    `json:"lsn"`
	Timestamp  time.Time `json:"timestamp"`
	ActiveTxns []string  `json:"active_txns"`
}

// WriteCheckpointFile durably persists meta to <dir>/wal.checkpoint:
// write to a temp file, fsync, then rename over the previous
// checkpoint, so a crash mid-write can never leave a torn checkpoint
// file behind.
func WriteCheckpointFile(dir string, meta CheckpointMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	path := filepath.Join(dir, CheckpointFileName)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	if _, err := f.WriteString(checkpointMagic); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// ReadCheckpointFile loads the checkpoint metadata from <dir>/wal.checkpoint.
// Returns os.ErrNotExist (wrapped) if no checkpoint has ever been written,
// which Recover treats as "replay the whole log".
func ReadCheckpointFile(dir string) (*CheckpointMeta, error) {
	path := filepath.Join(dir, CheckpointFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < len(checkpointMagic) || string(data[:len(checkpointMagic)]) != checkpointMagic {
		return nil, fmt.Errorf("checkpoint file %s: bad magic", path)
	}
	var meta CheckpointMeta
	if err := json.Unmarshal(data[len(checkpointMagic):], &meta); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", path, err)
	}
	return &meta, nil
}
