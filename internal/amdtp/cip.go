// Package amdtp implements the AMDTP (IEC-61883-6) packet codec: CIP
// header build/parse and per-channel sample (de)interleaving, grounded
// on spec §4.F. It has no knowledge of ring buffers or iso transports;
// it only turns byte slices into decoded events and back.
package amdtp

import (
	"encoding/binary"
	"fmt"

	"github.com/ffado/isoengine/internal/tick"
)

// Rate is a supported AMDTP sample rate.
type Rate uint32

const (
	Rate32000  Rate = 32000
	Rate44100  Rate = 44100
	Rate48000  Rate = 48000
	Rate88200  Rate = 88200
	Rate96000  Rate = 96000
	Rate176400 Rate = 176400
	Rate192000 Rate = 192000
)

// FMT is the CIP format field; AMDTP is always 0x10.
const FMT = 0x10

// fdfForRate is the §4.F SFC table: sample rate -> FDF/SFC value.
var fdfForRate = map[Rate]byte{
	Rate32000:  0,
	Rate44100:  1,
	Rate48000:  2,
	Rate88200:  3,
	Rate96000:  4,
	Rate176400: 5,
	Rate192000: 6,
}

var rateForFDF = func() map[byte]Rate {
	m := make(map[byte]Rate, len(fdfForRate))
	for r, f := range fdfForRate {
		m[f] = r
	}
	return m
}()

// FDFNoData marks a CIP no-data packet's format-dependent field.
const FDFNoData = 0xFF

// FDF returns the format-dependent field for a supported rate, and
// false if the rate is not one of the §4.F table entries.
func FDF(r Rate) (byte, bool) {
	v, ok := fdfForRate[r]
	return v, ok
}

// RateFromFDF inverts FDF; false for FDFNoData or unknown values.
func RateFromFDF(fdf byte) (Rate, bool) {
	r, ok := rateForFDF[fdf]
	return r, ok
}

// SYTInterval returns the number of events per SYT grouping for a
// rate: 8 for <=48k, 16 for 88.2/96k, 32 for 176.4/192k.
func SYTInterval(r Rate) uint32 {
	switch r {
	case Rate88200, Rate96000:
		return 16
	case Rate176400, Rate192000:
		return 32
	default:
		return 8
	}
}

// CIPHeader is the 2-quadlet AMDTP/CIP header (§4.F).
type CIPHeader struct {
	SID uint8 // source node ID, 5 bits
	DBS uint8 // data block size in quadlets
	DBC uint8 // data block count, rolling
	FMT uint8 // always FMT (0x10) for AMDTP
	FDF uint8 // format-dependent field (sample rate or FDFNoData)
	SYT tick.SYT
}

// Encode writes the 8-byte big-endian CIP header to buf, which must be
// at least 8 bytes.
func (h CIPHeader) Encode(buf []byte) {
	q0 := uint32(h.SID&0x1F)<<24 | uint32(h.DBS)<<16 | uint32(h.DBC)
	q1 := uint32(0x2)<<30 | uint32(h.FMT&0x3F)<<24 | uint32(h.FDF)<<16 | uint32(h.SYT)

	binary.BigEndian.PutUint32(buf[0:4], q0)
	binary.BigEndian.PutUint32(buf[4:8], q1)
}

// ParseCIPHeader parses the 2-quadlet header from the front of a
// packet. len(buf) must be >= 8.
func ParseCIPHeader(buf []byte) (CIPHeader, error) {
	if len(buf) < 8 {
		return CIPHeader{}, fmt.Errorf("amdtp: packet too short for CIP header: %d bytes", len(buf))
	}

	q0 := binary.BigEndian.Uint32(buf[0:4])
	q1 := binary.BigEndian.Uint32(buf[4:8])

	return CIPHeader{
		SID: uint8(q0>>24) & 0x1F,
		DBS: uint8(q0 >> 16),
		DBC: uint8(q0),
		FMT: uint8(q1>>24) & 0x3F,
		FDF: uint8(q1 >> 16),
		SYT: tick.SYT(uint16(q1)),
	}, nil
}

// IsValidDataPacket applies the §4.F validity predicate: tag==1,
// fmt==AMDTP, dbs>0, syt != no-data, fdf != no-data, and at least a
// full header's worth of bytes. tag and length come from the iso
// transport callback, the rest from the parsed header.
func IsValidDataPacket(tag uint8, h CIPHeader, length int) bool {
	return tag == 1 &&
		h.FMT == FMT &&
		h.DBS > 0 &&
		h.SYT != tick.NoData &&
		h.FDF != FDFNoData &&
		length >= 8
}
