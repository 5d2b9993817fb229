// Package crc32c computes the Castagnoli-polynomial CRC32 used to checksum
// every SWRP packet (header + payload).
package crc32c

import "hash/crc32"

// table is the Castagnoli (0x1EDC6F41) CRC32 table. Built once at package
// init and reused for every checksum, mirroring the teacher's package-level
// lookup-table convention for its serial-link CRC.
var table = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, table)
}
