package wal

import "time"

// SyncPolicy selects the durability strategy.
type SyncPolicy int

const (
	// SyncEveryWrite calls fsync() after every write. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota

	// SyncInterval calls fsync() periodically in the background.
	SyncInterval

	// SyncBatch calls fsync() once enough bytes have accumulated.
	SyncBatch
)

// Options configures a WALWriter.
type Options struct {
	// DirPath is where segments are written.
	DirPath string

	// BufferSize is the in-memory bufio buffer ahead of the OS.
	BufferSize int

	SyncPolicy SyncPolicy

	// SyncIntervalDuration paces SyncInterval's background fsync.
	SyncIntervalDuration time.Duration

	// SyncBatchBytes is the accumulated-bytes threshold for SyncBatch.
	SyncBatchBytes int64

	// MaxFileSize triggers Rotate once the active segment would exceed it.
	MaxFileSize int64

	// MaxRetainedFiles bounds how many rotated-out segments Cleanup keeps;
	// 0 means keep all.
	MaxRetainedFiles int
}

// DefaultOptions returns a safe configuration.
func DefaultOptions() Options {
	return Options{
		DirPath:              "./wal_data",
		BufferSize:           64 * 1024, // 64KB bufio buffer
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024, // 1MB
		MaxFileSize:          0,               // 0: single append-only file, no rotation
		MaxRetainedFiles:     0,
	}
}

// RotatingOptions is DefaultOptions with archive rotation enabled: dirPath
// is treated as a directory of "wal.<timestamp>.<lsn>" segments, rotated
// once the active one exceeds maxFileSize, retaining at most
// maxRetainedFiles rotated-out segments.
func RotatingOptions(dirPath string, maxFileSize int64, maxRetainedFiles int) Options {
	o := DefaultOptions()
	o.DirPath = dirPath
	o.MaxFileSize = maxFileSize
	o.MaxRetainedFiles = maxRetainedFiles
	return o
}
