package packet

import "github.com/sablemq/sablemq/pkg/er"

// DisconnectPacket carries no variable header or payload.
type DisconnectPacket struct{}

func ParseDisconnect(raw []byte) (*DisconnectPacket, error) {
	dp := &DisconnectPacket{}
	if err := dp.Parse(raw); err != nil {
		return nil, err
	}
	return dp, nil
}

func (dp *DisconnectPacket) Parse(raw []byte) error {
	if len(raw) != 2 {
		return &er.Err{Context: "Disconnect", Message: er.ErrInvalidDisconnectPacket}
	}
	if Type(raw[0]&0xF0) != DISCONNECT {
		return &er.Err{Context: "Disconnect, Control", Message: er.ErrInvalidDisconnectPacket}
	}
	if raw[1] != 0x00 {
		return &er.Err{Context: "Disconnect, Remaining Length", Message: er.ErrInvalidDisconnectPacket}
	}
	return nil
}

func NewDisconnect() []byte {
	return []byte{byte(DISCONNECT), 0x00}
}
