package packet

import "github.com/sablemq/sablemq/pkg/er"

// Parse identifies the control packet type from raw's fixed header
// and decodes it into the matching ParsedPacket field.
func Parse(raw []byte) (*ParsedPacket, error) {
	if len(raw) < 1 {
		return nil, &er.Err{Context: "Parse", Message: er.ErrShortBuffer}
	}

	packetType := Type(raw[0] & 0xF0)
	result := &ParsedPacket{Type: packetType, Raw: raw}

	switch packetType {
	case CONNECT:
		p, err := ParseConnect(raw)
		if err != nil {
			return nil, err
		}
		result.Connect = p

	case PUBLISH:
		p, err := ParsePublish(raw)
		if err != nil {
			return nil, err
		}
		result.Publish = p

	case PUBACK:
		p, err := ParseAck(raw, PUBACK)
		if err != nil {
			return nil, err
		}
		result.PubAck = p

	case PUBREC:
		p, err := ParseAck(raw, PUBREC)
		if err != nil {
			return nil, err
		}
		result.PubRec = p

	case PUBREL:
		p, err := ParseAck(raw, PUBREL)
		if err != nil {
			return nil, err
		}
		result.PubRel = p

	case PUBCOMP:
		p, err := ParseAck(raw, PUBCOMP)
		if err != nil {
			return nil, err
		}
		result.PubComp = p

	case SUBSCRIBE:
		p, err := ParseSubscribe(raw)
		if err != nil {
			return nil, err
		}
		result.Subscribe = p

	case SUBACK:
		p, err := ParseSuback(raw)
		if err != nil {
			return nil, err
		}
		result.Suback = p

	case UNSUBSCRIBE:
		p, err := ParseUnsubscribe(raw)
		if err != nil {
			return nil, err
		}
		result.Unsubscribe = p

	case PINGREQ:
		p, err := ParsePingreq(raw)
		if err != nil {
			return nil, err
		}
		result.Pingreq = p

	case PINGRESP:
		p, err := ParsePingresp(raw)
		if err != nil {
			return nil, err
		}
		result.Pingresp = p

	case DISCONNECT:
		p, err := ParseDisconnect(raw)
		if err != nil {
			return nil, err
		}
		result.Disconnect = p

	default:
		return nil, &er.Err{Context: "Parse", Message: er.ErrInvalidPacketType}
	}

	return result, nil
}
