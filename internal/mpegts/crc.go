package mpegts

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// crcPoly is the MPEG-2 CRC-32 polynomial, applied MSB first with no
// final inversion, so hash/crc32 cannot compute it.
const crcPoly = 0x04C11DB7

var crcTable = sync.OnceValue(func() *[256]uint32 {
	var t [256]uint32
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&(1<<31) != 0 {
				c = c<<1 ^ crcPoly
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return &t
})

func computeCRC32(data []byte) uint32 {
	t := crcTable()
	crc := ^uint32(0)
	for _, b := range data {
		crc = crc<<8 ^ t[byte(crc>>24)^b]
	}
	return crc
}

// appendCRC32 completes a PSI section.
func appendCRC32(section []byte) []byte {
	return binary.BigEndian.AppendUint32(section, computeCRC32(section))
}

// checkCRC32 validates a section ending in its CRC. The CRC of the whole
// section, trailer included, is zero.
func checkCRC32(section []byte) error {
	if len(section) < 4 {
		return fmt.Errorf("%w: %d byte section", ErrMalformed, len(section))
	}
	if computeCRC32(section) != 0 {
		return fmt.Errorf("%w: trailer 0x%08X", ErrBadCRC, binary.BigEndian.Uint32(section[len(section)-4:]))
	}
	return nil
}
