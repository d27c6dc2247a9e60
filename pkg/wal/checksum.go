package wal

import "hash/crc32"

// castagnoliTable backs every WAL entry's payload checksum; Castagnoli
// has hardware acceleration on modern CPUs
// where the IEEE polynomial does not.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CalculateCRC32 checksums a WAL entry payload before it is written.
func CalculateCRC32(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// ValidateCRC32 reports whether data still matches the checksum recorded
// in its entry header; a mismatch during replay is a Corruption error.
func ValidateCRC32(data []byte, expected uint32) bool {
	return CalculateCRC32(data) == expected
}
