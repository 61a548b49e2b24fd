package packet

import (
	"encoding/binary"

	"github.com/sablemq/sablemq/internal/packet/utils"
	"github.com/sablemq/sablemq/pkg/er"
)

// QoSLevel is the MQTT delivery guarantee requested or granted for a
// single message.
type QoSLevel uint8

const (
	QoSAtMostOnce  QoSLevel = 0
	QoSAtLeastOnce QoSLevel = 1
	QoSExactlyOnce QoSLevel = 2

	// MaxPayloadSize is the largest value the 4-byte remaining-length
	// varint can represent, used as the upper bound on a payload's size.
	MaxPayloadSize = 268435455
)

// PublishPacket is a decoded PUBLISH packet.
type PublishPacket struct {
	DUP    bool
	QoS    QoSLevel
	Retain bool

	Topic    string
	PacketID *uint16 // nil for QoS 0

	Payload []byte

	Raw []byte
}

func ParsePublish(raw []byte) (*PublishPacket, error) {
	pp := &PublishPacket{}
	if err := pp.Parse(raw); err != nil {
		return nil, err
	}
	return pp, nil
}

func (pp *PublishPacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}

	if Type(raw[0]&0xF0) != PUBLISH {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}

	pp.Raw = raw

	remainingLength, offset, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}

	expectedLength := 1 + offset + remainingLength
	if len(raw) != expectedLength {
		return &er.Err{Context: "Publish, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	offset++

	fixedHeader := raw[0]
	pp.DUP = (fixedHeader & 0x08) != 0
	pp.QoS = QoSLevel((fixedHeader & 0x06) >> 1)
	pp.Retain = (fixedHeader & 0x01) != 0

	if pp.QoS > QoSExactlyOnce {
		return &er.Err{Context: "Publish, QoS", Message: er.ErrInvalidQoSLevel}
	}
	if pp.DUP && pp.QoS == QoSAtMostOnce {
		return &er.Err{Context: "Publish, DUP Flag", Message: er.ErrInvalidDUPFlag}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}
	topicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	if topicLen == 0 {
		return &er.Err{Context: "Publish, Topic", Message: er.ErrEmptyTopic}
	}
	if offset+int(topicLen) > len(raw) {
		return &er.Err{Context: "Publish, Topic", Message: er.ErrInvalidPublishPacket}
	}

	pp.Topic = string(raw[offset : offset+int(topicLen)])
	offset += int(topicLen)

	if err := utils.ValidateTopicName(pp.Topic); err != nil {
		return err
	}

	if pp.QoS != QoSAtMostOnce {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Publish, PacketID", Message: er.ErrMissingPacketID}
		}
		packetID := binary.BigEndian.Uint16(raw[offset : offset+2])
		if packetID == 0 {
			return &er.Err{Context: "Publish, PacketID", Message: er.ErrInvalidPacketID}
		}
		pp.PacketID = &packetID
		offset += 2
	}

	if offset < len(raw) {
		payloadLen := len(raw) - offset
		if payloadLen > MaxPayloadSize {
			return &er.Err{Context: "Publish, Payload", Message: er.ErrPayloadTooLarge}
		}
		pp.Payload = make([]byte, payloadLen)
		copy(pp.Payload, raw[offset:])
	}

	return nil
}

// Encode serializes the PUBLISH packet back to wire bytes, used for
// outbound delivery and inflight retries (with DUP forced on retry).
func (pp *PublishPacket) Encode() []byte {
	var variable []byte
	variable = append(variable, utils.EncodeString(pp.Topic)...)
	if pp.QoS != QoSAtMostOnce && pp.PacketID != nil {
		variable = append(variable, utils.EncodePacketID(*pp.PacketID)...)
	}
	variable = append(variable, pp.Payload...)

	fixedHeaderByte := byte(PUBLISH)
	if pp.DUP {
		fixedHeaderByte |= 0x08
	}
	fixedHeaderByte |= byte(pp.QoS) << 1
	if pp.Retain {
		fixedHeaderByte |= 0x01
	}

	var packet []byte
	packet = append(packet, fixedHeaderByte)
	packet = append(packet, utils.EncodeRemainingLength(len(variable))...)
	packet = append(packet, variable...)
	return packet
}
