package util

import (
	"hash/crc32"
)

// crc32Table is precomputed for better performance
var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 (IEEE) checksum for the given data.
// Chunk state transfers carry it so a joining peer can verify the
// received snapshot.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum.
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
