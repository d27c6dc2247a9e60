package wal

import "sync"

// Pools amortize the allocation cost of replaying or appending a high
// volume of WAL entries — every committed transaction's data ops pass
// through AcquireEntry/ReleaseEntry during replay.

var (
	entryPool = sync.Pool{
		New: func() interface{} {
			return &WALEntry{
				Payload: make([]byte, 0, 4096),
			}
		},
	}

	bufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, 8192)
			return &buf
		},
	}
)

// AcquireEntry borrows a WALEntry from the pool.
func AcquireEntry() *WALEntry {
	return entryPool.Get().(*WALEntry)
}

// ReleaseEntry returns e to the pool after zeroing its header and
// truncating (not discarding) its payload buffer, so the next borrower
// reuses the backing array.
func ReleaseEntry(e *WALEntry) {
	e.Header = WALHeader{}
	e.Payload = e.Payload[:0]
	entryPool.Put(e)
}

// AcquireBuffer borrows a scratch byte buffer from the pool.
func AcquireBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// ReleaseBuffer returns buf to the pool.
func ReleaseBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufferPool.Put(buf)
}
