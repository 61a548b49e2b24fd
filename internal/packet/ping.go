package packet

import "github.com/sablemq/sablemq/pkg/er"

// PingreqPacket and PingrespPacket carry no variable header or
// payload; keepalive is a pure fixed-header exchange.
type PingreqPacket struct {
	Raw []byte
}

type PingrespPacket struct{}

func ParsePingreq(raw []byte) (*PingreqPacket, error) {
	pp := &PingreqPacket{}
	if err := pp.Parse(raw); err != nil {
		return nil, err
	}
	return pp, nil
}

func (pp *PingreqPacket) Parse(raw []byte) error {
	if len(raw) != 2 {
		return &er.Err{Context: "Pingreq, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	pp.Raw = raw

	if Type(raw[0]&0xF0) != PINGREQ {
		return &er.Err{Context: "Pingreq", Message: er.ErrInvalidPingreqPacket}
	}
	if (raw[0] & 0x0F) != 0x00 {
		return &er.Err{Context: "Pingreq, Fixed Header", Message: er.ErrInvalidPingreqFlags}
	}
	if raw[1] != 0x00 {
		return &er.Err{Context: "Pingreq, Remaining Length", Message: er.ErrInvalidPingreqLength}
	}

	return nil
}

// ParsePingresp decodes a PINGRESP, used by the bridge connector to
// confirm its own keepalive PINGREQ was answered.
func ParsePingresp(raw []byte) (*PingrespPacket, error) {
	pp := &PingrespPacket{}
	if err := pp.Parse(raw); err != nil {
		return nil, err
	}
	return pp, nil
}

func (pp *PingrespPacket) Parse(raw []byte) error {
	if len(raw) != 2 {
		return &er.Err{Context: "Pingresp, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	if Type(raw[0]&0xF0) != PINGRESP {
		return &er.Err{Context: "Pingresp", Message: er.ErrInvalidPingrespPacket}
	}
	if (raw[0] & 0x0F) != 0x00 {
		return &er.Err{Context: "Pingresp, Fixed Header", Message: er.ErrInvalidPingrespFlags}
	}
	if raw[1] != 0x00 {
		return &er.Err{Context: "Pingresp, Remaining Length", Message: er.ErrInvalidPingrespLength}
	}

	return nil
}

func CreatePingresp() *PingrespPacket {
	return &PingrespPacket{}
}

func (p *PingrespPacket) Encode() []byte {
	return []byte{byte(PINGRESP), 0x00}
}

func NewPingReq() []byte {
	return []byte{byte(PINGREQ), 0x00}
}
