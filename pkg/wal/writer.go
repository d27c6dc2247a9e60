package wal

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// WALWriter appends entries to the active log segment, rotating to a
// fresh one once the active file would exceed Options.MaxFileSize.
type WALWriter struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	options Options

	dir         string
	currentPath string
	writtenSize int64

	batchBytes int64 // bytes written since the last sync

	done   chan struct{}
	ticker *time.Ticker
	closed bool

	// onBytesWritten/onFsync are optional metrics hooks the owning Engine
	// wires via SetMetricsHooks; nil until then, so tests that construct a
	// bare WALWriter need not set them.
	onBytesWritten func(int64)
	onFsync        func()
}

// SetMetricsHooks registers callbacks invoked on every successful write
// (with the number of bytes written, header included) and every
// successful fsync. Either argument may be nil.
func (w *WALWriter) SetMetricsHooks(onBytesWritten func(int64), onFsync func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onBytesWritten = onBytesWritten
	w.onFsync = onFsync
}

// segmentName builds the rotated-file name "wal.<UTC-timestamp>.<lsn>"
// the WAL archive uses for rotated segments.
func segmentName(ts time.Time, lsn uint64) string {
	return fmt.Sprintf("wal.%s.%020d", ts.UTC().Format("20060102T150405.000000000"), lsn)
}

// nextSegmentStart scans dir for existing "wal.<ts>.<lsn>" segments and
// returns one past the highest suffix found, or 0 if dir holds none yet.
func nextSegmentStart(dir string) uint64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var max uint64
	found := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "wal.") {
			continue
		}
		parts := strings.Split(e.Name(), ".")
		lsn, err := strconv.ParseUint(parts[len(parts)-1], 10, 64)
		if err != nil {
			continue
		}
		if !found || lsn > max {
			max, found = lsn, true
		}
	}
	if !found {
		return 0
	}
	return max + 1
}

// NewWALWriter opens a writer. path is either a single append-only file
// or, when opts.MaxFileSize > 0, the directory hosting the rotated
// segments.
func NewWALWriter(path string, opts Options) (*WALWriter, error) {
	dir := filepath.Dir(path)
	if opts.MaxFileSize > 0 {
		dir = path
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating WAL directory: %w", err)
		}
		// Name the fresh segment past every LSN already on disk, so a
		// restart after rotation never creates a file that sorts before
		// older segments still waiting on Recover/Cleanup (see
		// pkg/wal/recovery.go, which orders segments by this suffix).
		path = filepath.Join(dir, segmentName(time.Now(), nextSegmentStart(dir)))
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("falha ao abrir arquivo WAL: %w", err)
	}

	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}

	w := &WALWriter{
		file:        f,
		writer:      bufio.NewWriterSize(f, opts.BufferSize),
		options:     opts,
		dir:         dir,
		currentPath: path,
		writtenSize: size,
		done:        make(chan struct{}),
	}

	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

// WriteEntry appends one entry, rotating first if the segment is full.
func (w *WALWriter) WriteEntry(entry *WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entrySize := int64(HeaderSize + len(entry.Payload))
	if w.options.MaxFileSize > 0 && w.writtenSize+entrySize > w.options.MaxFileSize {
		if err := w.rotateLocked(entry.Header.LSN); err != nil {
			return err
		}
	}

	n, err := entry.WriteTo(w.writer)
	if err != nil {
		return err
	}

	w.writtenSize += n
	w.batchBytes += n
	if w.onBytesWritten != nil {
		w.onBytesWritten(n)
	}

	switch w.options.SyncPolicy {
	case SyncEveryWrite:
		return w.syncLocked()
	case SyncBatch:
		if w.batchBytes >= w.options.SyncBatchBytes {
			return w.syncLocked()
		}
	}

	return nil
}

// Rotate closes the active segment and opens a fresh one named from the
// given LSN, the boundary that will appear first in it.
func (w *WALWriter) Rotate(nextLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked(nextLSN)
}

func (w *WALWriter) rotateLocked(nextLSN uint64) error {
	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	newPath := filepath.Join(w.dir, segmentName(time.Now(), nextLSN))
	f, err := os.OpenFile(newPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("falha ao rotacionar WAL: %w", err)
	}

	w.file = f
	w.writer = bufio.NewWriterSize(f, w.options.BufferSize)
	w.currentPath = newPath
	w.writtenSize = 0
	w.batchBytes = 0
	return nil
}

// Cleanup removes rotated-out segment files beyond MaxRetainedFiles,
// oldest first, bounding concurrent deletions with a weighted semaphore
// (golang.org/x/sync/semaphore) so a directory with thousands of stale
// segments doesn't fork thousands of goroutines at once.
func (w *WALWriter) Cleanup(ctx context.Context) error {
	w.mu.Lock()
	dir, keep, current := w.dir, w.options.MaxRetainedFiles, w.currentPath
	w.mu.Unlock()

	if keep <= 0 {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type segFile struct {
		path string
		lsn  uint64
	}
	var segs []segFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "wal.") {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if full == current {
			continue
		}
		parts := strings.Split(e.Name(), ".")
		lsn, _ := strconv.ParseUint(parts[len(parts)-1], 10, 64)
		segs = append(segs, segFile{path: full, lsn: lsn})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].lsn < segs[j].lsn })

	if len(segs) <= keep {
		return nil
	}
	toDelete := segs[:len(segs)-keep]

	sem := semaphore.NewWeighted(4)
	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for _, s := range toDelete {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer sem.Release(1)
			if rmErr := os.Remove(path); rmErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = rmErr
				}
				mu.Unlock()
			}
		}(s.path)
	}
	wg.Wait()
	return firstErr
}

// TruncateBefore deletes rotated-out segments that are entirely covered
// by a checkpoint at checkpointLSN. A segment's filename encodes the
// LSN of its first
// entry; a segment is safe to delete once a later segment's first LSN is
// itself <= checkpointLSN, since every entry the earlier segment holds
// must then also predate the checkpoint. The active segment is never a
// candidate.
func (w *WALWriter) TruncateBefore(checkpointLSN uint64) error {
	w.mu.Lock()
	dir, current := w.dir, w.currentPath
	w.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type segFile struct {
		path string
		lsn  uint64
	}
	var segs []segFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "wal.") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if full == current {
			continue
		}
		parts := strings.Split(e.Name(), ".")
		lsn, err := strconv.ParseUint(parts[len(parts)-1], 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segFile{path: full, lsn: lsn})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].lsn < segs[j].lsn })

	var firstErr error
	for i := 0; i+1 < len(segs); i++ {
		if segs[i+1].lsn > checkpointLSN {
			break
		}
		if err := os.Remove(segs[i].path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dir returns the directory holding the WAL's segments (or, in
// single-file mode, the directory holding the single log file), for
// callers that need to locate the sibling checkpoint metadata file.
func (w *WALWriter) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Sync flushes the buffer and forces the file to disk.
func (w *WALWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WALWriter) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.batchBytes = 0
	if w.onFsync != nil {
		w.onFsync()
	}
	return nil
}

// Close stops the background sync loop and closes the file.
func (w *WALWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}

	return w.file.Close()
}

func (w *WALWriter) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.Sync()
		case <-w.done:
			return
		}
	}
}
