package wal

import (
	"os"

	"github.com/DataDog/zstd"
)

// CompressSegment zstd-compresses a rotated-out WAL segment in place,
// replacing path with path+".zst" and removing the uncompressed original.
// Rotated archives are write-once and read only during recovery, so
// trading a little CPU on rotation for a much smaller retained footprint
// is a clear win — the same tradeoff DataDog/zstd is built for.
func CompressSegment(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	compressed, err := zstd.Compress(nil, data)
	if err != nil {
		return "", err
	}
	dst := path + ".zst"
	if err := os.WriteFile(dst, compressed, 0644); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dst, nil
}

// DecompressSegment reverses CompressSegment, returning the archive's raw
// WAL bytes for recovery to replay.
func DecompressSegment(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return zstd.Decompress(nil, data)
}
