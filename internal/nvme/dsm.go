package nvme

import (
	"encoding/binary"
	"unsafe"
)

// DsmRange is one entry of a Dataset Management range list (16 bytes on the
// wire, little endian).
type DsmRange struct {
	Attr        uint32
	Length      uint32 // in logical blocks
	StartingLBA uint64
}

// Compile-time size check.
var _ [16]byte = [unsafe.Sizeof(DsmRange{})]byte{}

const DsmRangeSize = 16

// PutDsmRange encodes r into b[:16].
func PutDsmRange(b []byte, r DsmRange) {
	binary.LittleEndian.PutUint32(b[0:4], r.Attr)
	binary.LittleEndian.PutUint32(b[4:8], r.Length)
	binary.LittleEndian.PutUint64(b[8:16], r.StartingLBA)
}

// GetDsmRange decodes one range from b[:16].
func GetDsmRange(b []byte) DsmRange {
	return DsmRange{
		Attr:        binary.LittleEndian.Uint32(b[0:4]),
		Length:      binary.LittleEndian.Uint32(b[4:8]),
		StartingLBA: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// EncodeDsmRanges packs a deallocate range list into a fresh buffer suitable
// for a Dataset Management command payload.
func EncodeDsmRanges(ranges []DsmRange) []byte {
	buf := make([]byte, len(ranges)*DsmRangeSize)
	for i, r := range ranges {
		PutDsmRange(buf[i*DsmRangeSize:], r)
	}
	return buf
}
