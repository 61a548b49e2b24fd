package packet

import (
	"encoding/binary"

	"github.com/sablemq/sablemq/pkg/er"
)

// PubAckPacket is the shared shape of PUBACK, PUBREC, PUBREL, and
// PUBCOMP: a packet type byte and a 16-bit packet id, nothing else.
type PubAckPacket struct {
	Type     Type
	PacketID uint16
}

func NewPubAck(packetID uint16) []byte  { return encodeAck(PUBACK, packetID) }
func NewPubRec(packetID uint16) []byte  { return encodeAck(PUBREC, packetID) }
func NewPubRel(packetID uint16) []byte  { return encodeAck(PUBREL, packetID) }
func NewPubComp(packetID uint16) []byte { return encodeAck(PUBCOMP, packetID) }

func encodeAck(t Type, packetID uint16) []byte {
	headerByte := byte(t)
	if t == PUBREL {
		headerByte |= 0x02 // PUBREL fixed header flags are reserved as 0010
	}
	return []byte{
		headerByte,
		0x02,
		byte(packetID >> 8),
		byte(packetID & 0xFF),
	}
}

// ParseAck decodes a PUBACK/PUBREC/PUBREL/PUBCOMP packet. want is the
// expected Type; the caller already dispatched on the fixed header.
func ParseAck(raw []byte, want Type) (*PubAckPacket, error) {
	if len(raw) != 4 {
		return nil, &er.Err{Context: want.String(), Message: er.ErrInvalidPacketLength}
	}
	if Type(raw[0]&0xF0) != want {
		return nil, &er.Err{Context: want.String(), Message: er.ErrInvalidPacketType}
	}
	if raw[1] != 0x02 {
		return nil, &er.Err{Context: want.String(), Message: er.ErrInvalidPacketLength}
	}

	return &PubAckPacket{
		Type:     want,
		PacketID: binary.BigEndian.Uint16(raw[2:4]),
	}, nil
}
