package amdtp

import (
	"encoding/binary"
	"sort"
)

// AudioLayout describes how period-scoped (audio) ports are packed
// into one data block: DBS quadlets, one per port, ordered by
// Port.Position. It is computed once at prepare() time (§3 Port
// lifecycle) and reused for every packet.
type AudioLayout struct {
	ports []*Port // ordered by Position; index == quadlet offset within a data block
}

// NewAudioLayout builds a layout from a StreamProcessor's period-scoped
// ports. Ports are expected to have distinct, 0-based contiguous
// Positions; neither this function nor its caller checks that, and a
// port's quadlet offset is its index in the Position-sorted list.
func NewAudioLayout(ports []*Port) AudioLayout {
	ordered := make([]*Port, 0, len(ports))
	for _, p := range ports {
		if p.IsPeriodScoped() {
			ordered = append(ordered, p)
		}
	}

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	return AudioLayout{ports: ordered}
}

// DBS is the data block size in quadlets: one per period-scoped port.
func (l AudioLayout) DBS() uint8 { return uint8(len(l.ports)) }

// Ports returns the ordered period-scoped ports backing this layout.
func (l AudioLayout) Ports() []*Port { return l.ports }

// FrameSource supplies one encoded quadlet for a given port and frame
// offset within the packet being built, for a playback (transmit) SP.
type FrameSource func(port *Port, frameOffset int) uint32

// FrameSink consumes one decoded quadlet for a given port and frame
// offset, for a capture (receive) SP.
type FrameSink func(port *Port, frameOffset int, quadlet uint32)

// EncodeDataBlocks renders nFrames data blocks (each l.DBS() quadlets)
// into a freshly allocated payload buffer, big-endian, by calling src
// once per (port, frame) pair in frame-major, port-Position-minor
// order to match the wire layout.
func (l AudioLayout) EncodeDataBlocks(nFrames int, src FrameSource) []byte {
	dbs := int(l.DBS())
	buf := make([]byte, nFrames*dbs*4)

	for f := 0; f < nFrames; f++ {
		base := f * dbs * 4
		for i, p := range l.ports {
			binary.BigEndian.PutUint32(buf[base+i*4:base+i*4+4], src(p, f))
		}
	}

	return buf
}

// DecodeDataBlocks walks a received payload of nFrames data blocks and
// calls dst once per (port, frame) pair. It is the caller's
// responsibility to ensure len(payload) >= nFrames*l.DBS()*4.
func (l AudioLayout) DecodeDataBlocks(payload []byte, nFrames int, dst FrameSink) {
	dbs := int(l.DBS())

	for f := 0; f < nFrames; f++ {
		base := f * dbs * 4
		for i, p := range l.ports {
			dst(p, f, binary.BigEndian.Uint32(payload[base+i*4:base+i*4+4]))
		}
	}
}

// EncodeEventFor encodes one sample for a port according to its
// DataType, using the muted quadlet when mute is true (dry-run /
// silence packets, §3 StreamProcessor state invariant).
func EncodeEventFor(p *Port, sample float64, mute bool) uint32 {
	if mute {
		return MutedAudioQuadlet()
	}

	switch p.DataType {
	case Float:
		return EncodeFloat(sample)
	default:
		return EncodeInt24(int32(sample))
	}
}

// DecodeEventFor decodes one quadlet for a port according to its
// DataType, returning the sample as a float64 (Int24 values are
// returned as their raw integer value cast to float64, matching how
// the teacher's port code keeps Int24 unscaled and Float scaled).
func DecodeEventFor(p *Port, quadlet uint32) float64 {
	switch p.DataType {
	case Float:
		return DecodeFloat(quadlet)
	default:
		return float64(DecodeInt24(quadlet))
	}
}
