package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PacketSize is the fixed size of every frame exchanged with the
	// lower layer. Frames of any other size are invalid.
	PacketSize = 128

	// HeaderSize is the number of bytes preceding the payload: seq,
	// ack, len and flags, followed by the two checksum bytes.
	HeaderSize = 6

	// MaxPayloadSize is the maximum number of payload bytes a single
	// frame can carry.
	MaxPayloadSize = PacketSize - HeaderSize
)

const (
	// FlagNAK is the least significant bit of the flags byte. A control
	// frame with the bit set requests retransmission of the sequence
	// number in the ack field; with the bit unset it is a cumulative
	// acknowledgement. Data frames carry a zero flags byte.
	FlagNAK byte = 0x01

	// reservedFlagMask covers the flag bits that must be zero on the
	// wire.
	reservedFlagMask byte = 0xfe
)

var (
	// ErrFrameSize is returned when a frame is not exactly PacketSize
	// bytes long.
	ErrFrameSize = errors.New("frame is not PacketSize bytes")

	// ErrPayloadSize is returned when the length field exceeds
	// MaxPayloadSize.
	ErrPayloadSize = errors.New("payload length exceeds maximum")

	// ErrReservedFlags is returned when any of the reserved flag bits
	// is set.
	ErrReservedFlags = errors.New("reserved flag bits set")

	// ErrChecksum is returned when the stored checksum does not match
	// the recomputed one.
	ErrChecksum = errors.New("checksum mismatch")
)

// Packet is the parsed form of a single wire frame. It carries wire
// fields only; endpoint bookkeeping lives on the buffer slots that embed
// it, never in the serialized flags byte.
type Packet struct {
	// Seq is the sender assigned sequence number. It is meaningless on
	// control frames.
	Seq byte

	// Ack is the receiver assigned value: the cumulative ACK base or
	// the NAK target.
	Ack byte

	// Len is the number of valid payload bytes, at most MaxPayloadSize.
	Len byte

	// Flags holds the control bits. Only FlagNAK may be set.
	Flags byte

	// Payload holds the message bytes; only the first Len are valid.
	Payload [MaxPayloadSize]byte
}

// IsNak reports whether the packet is a retransmission request.
func (p *Packet) IsNak() bool {
	return p.Flags&FlagNAK != 0
}

// checksum computes the CRC-16-CCITT over the four header bytes followed
// by the first Len payload bytes. The checksum bytes themselves are
// skipped.
func (p *Packet) checksum() uint16 {
	hdr := [4]byte{p.Seq, p.Ack, p.Len, p.Flags}
	crc := Crc16(hdr[:], 0)

	return Crc16(p.Payload[:p.Len], crc)
}

// Serialize encodes the packet into a fresh PacketSize byte frame,
// filling in the checksum. The checksum field is stored little-endian.
func (p *Packet) Serialize() ([]byte, error) {
	if int(p.Len) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: len=%d", ErrPayloadSize, p.Len)
	}

	if p.Flags&reservedFlagMask != 0 {
		return nil, fmt.Errorf("%w: flags=0x%02x", ErrReservedFlags,
			p.Flags)
	}

	b := make([]byte, PacketSize)
	b[0] = p.Seq
	b[1] = p.Ack
	b[2] = p.Len
	b[3] = p.Flags
	binary.LittleEndian.PutUint16(b[4:HeaderSize], p.checksum())
	copy(b[HeaderSize:], p.Payload[:p.Len])

	return b, nil
}

// Parse decodes and validates one frame. It fails on a wrong frame size,
// an oversized length field, reserved flag bits or a checksum mismatch.
// Callers treat any failure as corruption and drop the frame silently.
func Parse(b []byte) (*Packet, error) {
	if len(b) != PacketSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrFrameSize,
			len(b))
	}

	p := &Packet{
		Seq:   b[0],
		Ack:   b[1],
		Len:   b[2],
		Flags: b[3],
	}

	if int(p.Len) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: len=%d", ErrPayloadSize, p.Len)
	}

	if p.Flags&reservedFlagMask != 0 {
		return nil, fmt.Errorf("%w: flags=0x%02x", ErrReservedFlags,
			p.Flags)
	}

	copy(p.Payload[:], b[HeaderSize:HeaderSize+int(p.Len)])

	stored := binary.LittleEndian.Uint16(b[4:HeaderSize])
	if computed := p.checksum(); stored != computed {
		return nil, fmt.Errorf("%w: stored=0x%04x computed=0x%04x",
			ErrChecksum, stored, computed)
	}

	return p, nil
}
