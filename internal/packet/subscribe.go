package packet

import (
	"encoding/binary"

	"github.com/sablemq/sablemq/internal/packet/utils"
	"github.com/sablemq/sablemq/pkg/er"
)

// SubscribeFilter is one (topic filter, requested QoS) pair from a
// SUBSCRIBE payload.
type SubscribeFilter struct {
	Topic string
	QoS   QoSLevel
}

// SubscribePacket is a decoded SUBSCRIBE packet.
type SubscribePacket struct {
	PacketID uint16
	Filters  []SubscribeFilter
	Raw      []byte
}

func ParseSubscribe(raw []byte) (*SubscribePacket, error) {
	sp := &SubscribePacket{}
	if err := sp.Parse(raw); err != nil {
		return nil, err
	}
	return sp, nil
}

func (sp *SubscribePacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}
	if Type(raw[0]&0xF0) != SUBSCRIBE {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}
	if (raw[0] & 0x0F) != 0x02 {
		return &er.Err{Context: "Subscribe, Fixed Header", Message: er.ErrInvalidSubscribeFlags}
	}

	sp.Raw = raw

	remainingLength, offset, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}

	expectedLength := 1 + offset + remainingLength
	if len(raw) != expectedLength {
		return &er.Err{Context: "Subscribe, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	offset++

	if remainingLength < 6 {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Subscribe, PacketID", Message: er.ErrMissingPacketID}
	}
	sp.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	if sp.PacketID == 0 {
		return &er.Err{Context: "Subscribe, PacketID", Message: er.ErrInvalidPacketID}
	}
	offset += 2

	sp.Filters = make([]SubscribeFilter, 0)

	for offset < len(raw) {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrInvalidSubscribePacket}
		}
		topicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2

		if topicLen == 0 {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrEmptyTopicFilter}
		}
		if offset+int(topicLen) > len(raw) {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrInvalidSubscribePacket}
		}

		topicFilter := string(raw[offset : offset+int(topicLen)])
		offset += int(topicLen)

		if err := utils.ValidateTopicFilter(topicFilter); err != nil {
			return err
		}

		if offset >= len(raw) {
			return &er.Err{Context: "Subscribe, QoS", Message: er.ErrMissingQoSByte}
		}
		qosByte := raw[offset]
		if (qosByte & 0xFC) != 0 {
			return &er.Err{Context: "Subscribe, QoS", Message: er.ErrInvalidQoSReservedBits}
		}
		qos := QoSLevel(qosByte & 0x03)
		if qos > QoSExactlyOnce {
			return &er.Err{Context: "Subscribe, QoS", Message: er.ErrInvalidQoSLevel}
		}
		offset++

		sp.Filters = append(sp.Filters, SubscribeFilter{Topic: topicFilter, QoS: qos})
	}

	if len(sp.Filters) == 0 {
		return &er.Err{Context: "Subscribe", Message: er.ErrNoTopicFilters}
	}

	return nil
}

// NewSubscribe builds an outbound SUBSCRIBE packet requesting filters,
// used by the bridge connector to subscribe on the remote broker.
func NewSubscribe(packetID uint16, filters []SubscribeFilter) []byte {
	var body []byte
	body = append(body, utils.EncodePacketID(packetID)...)
	for _, f := range filters {
		body = append(body, utils.EncodeString(f.Topic)...)
		body = append(body, byte(f.QoS))
	}

	out := []byte{byte(SUBSCRIBE) | 0x02}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	out = append(out, body...)
	return out
}

// SUBACK return codes.
const (
	SubackMaxQoS0 byte = 0x00
	SubackMaxQoS1 byte = 0x01
	SubackMaxQoS2 byte = 0x02
	SubackFailure byte = 0x80
)

// SubackPacket is a decoded or to-be-encoded SUBACK packet.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// NewSubAck builds a SUBACK granting grantedQoS for each filter in the
// originating SUBSCRIBE, in order. grantedQoS[i] is SubackFailure
// where that filter is refused.
func NewSubAck(subscribePacket *SubscribePacket, grantedQoS []byte) *SubackPacket {
	return &SubackPacket{
		PacketID:    subscribePacket.PacketID,
		ReturnCodes: grantedQoS,
	}
}

func (p *SubackPacket) Encode() []byte {
	remainingLength := 2 + len(p.ReturnCodes)

	var packet []byte
	packet = append(packet, byte(SUBACK))
	packet = append(packet, utils.EncodeRemainingLength(remainingLength)...)
	packet = append(packet, utils.EncodePacketID(p.PacketID)...)
	packet = append(packet, p.ReturnCodes...)
	return packet
}

// ParseSuback decodes a SUBACK, used by the bridge connector to read the
// remote broker's response to its own outbound SUBSCRIBE.
func ParseSuback(raw []byte) (*SubackPacket, error) {
	sp := &SubackPacket{}
	if err := sp.Parse(raw); err != nil {
		return nil, err
	}
	return sp, nil
}

func (p *SubackPacket) Parse(raw []byte) error {
	if len(raw) < 4 {
		return &er.Err{Context: "SUBACK", Message: er.ErrShortBuffer}
	}
	if Type(raw[0]&0xF0) != SUBACK {
		return &er.Err{Context: "SUBACK", Message: er.ErrInvalidPacketType}
	}

	remainingLength, offset, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}

	expectedLength := 1 + offset + remainingLength
	if len(raw) != expectedLength {
		return &er.Err{Context: "SUBACK", Message: er.ErrInvalidPacketLength}
	}

	packetIDIndex := 1 + offset
	p.PacketID = binary.BigEndian.Uint16(raw[packetIDIndex : packetIDIndex+2])

	returnCodesIndex := packetIDIndex + 2
	p.ReturnCodes = make([]byte, remainingLength-2)
	copy(p.ReturnCodes, raw[returnCodesIndex:])

	return nil
}
