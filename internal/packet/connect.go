package packet

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/sablemq/sablemq/internal/packet/utils"
	"github.com/sablemq/sablemq/pkg/er"
)

// ConnectPacket is the decoded CONNECT variable header and payload.
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel byte
	UsernameFlag  bool
	PasswordFlag  bool
	WillRetain    bool
	WillQoS       byte
	WillFlag      bool
	CleanSession  bool
	KeepAlive     uint16

	ClientID    string
	WillTopic   *string
	WillMessage *string
	Username    *string
	Password    *string

	Raw []byte
}

func ParseConnect(raw []byte) (*ConnectPacket, error) {
	cp := &ConnectPacket{}
	if err := cp.Parse(raw); err != nil {
		return nil, err
	}
	return cp, nil
}

func (cp *ConnectPacket) Parse(raw []byte) error {
	if len(raw) < 10 {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}

	if Type(raw[0]&0xF0) != CONNECT {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}

	cp.Raw = raw
	offset := 2

	if offset+2 > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}

	protocolNameLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	if offset+int(protocolNameLen) > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}

	cp.ProtocolName = string(raw[offset : offset+int(protocolNameLen)])
	offset += int(protocolNameLen)

	if cp.ProtocolName != "MQTT" {
		return &er.Err{Context: "Connect, ProtocolName", Message: er.ErrUnsupportedProtocolName}
	}

	if offset >= len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.ProtocolLevel = raw[offset]
	offset++
	if cp.ProtocolLevel != 4 {
		return &er.Err{Context: "Connect, ProtocolLevel", Message: er.ErrUnsupportedProtocolLevel}
	}

	if offset >= len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	connectFlags := raw[offset]
	offset++

	cp.UsernameFlag = (connectFlags & 0x80) != 0
	cp.PasswordFlag = (connectFlags & 0x40) != 0
	cp.WillRetain = (connectFlags & 0x20) != 0
	cp.WillQoS = (connectFlags & 0x18) >> 3
	cp.WillFlag = (connectFlags & 0x04) != 0
	cp.CleanSession = (connectFlags & 0x02) != 0

	if cp.WillFlag && cp.WillQoS > 2 {
		return &er.Err{Context: "Connect, WillQos", Message: er.ErrInvalidWillQos}
	}
	if !cp.WillFlag && cp.WillQoS != 0 {
		return &er.Err{Context: "Connect, WillQos", Message: er.ErrInvalidWillQos}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.KeepAlive = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	if offset+2 > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	clientIDLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	if offset+int(clientIDLen) > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.ClientID = string(raw[offset : offset+int(clientIDLen)])
	offset += int(clientIDLen)

	if cErr := cp.ValidateClientID(); cErr != nil {
		switch {
		case errors.Is(cErr, er.ErrEmptyClientID):
			cp.ClientID = uuid.NewString()
		case errors.Is(cErr, er.ErrEmptyAndCleanSessionClientID):
			return &er.Err{Context: "Connect, ClientID", Message: er.ErrIdentifierRejected}
		default:
			return cErr
		}
	}

	if cp.WillFlag {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, WillFlag", Message: er.ErrInvalidConnPacket}
		}
		willTopicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(willTopicLen) > len(raw) {
			return &er.Err{Context: "Connect, WillTopic", Message: er.ErrInvalidConnPacket}
		}
		cp.WillTopic = stringPtr(string(raw[offset : offset+int(willTopicLen)]))
		offset += int(willTopicLen)

		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, WillTopic", Message: er.ErrInvalidConnPacket}
		}
		willMessageLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(willMessageLen) > len(raw) {
			return &er.Err{Context: "Connect, WillMessage", Message: er.ErrInvalidConnPacket}
		}
		cp.WillMessage = stringPtr(string(raw[offset : offset+int(willMessageLen)]))
		offset += int(willMessageLen)
	}

	if !cp.UsernameFlag && cp.PasswordFlag {
		return &er.Err{Context: "Connect, UsernameFlag + PasswordFlag", Message: er.ErrPasswordWithoutUsername}
	}

	if cp.UsernameFlag {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, UsernameFlag", Message: er.ErrMalformedUsernameField}
		}
		usernameLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(usernameLen) > len(raw) {
			return &er.Err{Context: "Connect, Username", Message: er.ErrMalformedUsernameField}
		}
		cp.Username = stringPtr(string(raw[offset : offset+int(usernameLen)]))
		offset += int(usernameLen)
	}

	if cp.PasswordFlag {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, PasswordFlag", Message: er.ErrMalformedPasswordField}
		}
		passwordLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(passwordLen) > len(raw) {
			return &er.Err{Context: "Connect, Password", Message: er.ErrMalformedPasswordField}
		}
		cp.Password = stringPtr(string(raw[offset : offset+int(passwordLen)]))
		offset += int(passwordLen)
	}

	return nil
}

func (cp *ConnectPacket) ValidateClientID() error {
	if len(cp.ClientID) == 0 {
		if !cp.CleanSession {
			return &er.Err{Context: "Connect, ClientID", Message: er.ErrEmptyAndCleanSessionClientID}
		}
		return &er.Err{Context: "Connect, ClientID", Message: er.ErrEmptyClientID}
	}

	if len(cp.ClientID) > 23 {
		return &er.Err{Context: "Connect, ClientID", Message: er.ErrClientIDLengthExceed}
	}

	const allowedChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	for _, char := range cp.ClientID {
		if !strings.ContainsRune(allowedChars, char) {
			return &er.Err{Context: "Connect, ClientID", Message: er.ErrInvalidCharsClientID}
		}
	}

	return nil
}

func stringPtr(s string) *string {
	return &s
}

// ConnectOptions builds an outbound CONNECT packet, used by the bridge
// connector to open a client session against a remote broker.
type ConnectOptions struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	Username     string
	Password     string
	WillTopic    string
	WillMessage  string
	WillQoS      byte
	WillRetain   bool
}

// NewConnect encodes opts into a CONNECT packet.
func NewConnect(opts ConnectOptions) []byte {
	var flags byte
	if opts.Username != "" {
		flags |= 0x80
	}
	if opts.Password != "" {
		flags |= 0x40
	}
	if opts.WillTopic != "" {
		flags |= 0x04 | (opts.WillQoS << 3)
		if opts.WillRetain {
			flags |= 0x20
		}
	}
	if opts.CleanSession {
		flags |= 0x02
	}

	var body []byte
	body = append(body, utils.EncodeString("MQTT")...)
	body = append(body, 4) // protocol level
	body = append(body, flags)
	body = append(body, utils.EncodePacketID(opts.KeepAlive)...)
	body = append(body, utils.EncodeString(opts.ClientID)...)

	if opts.WillTopic != "" {
		body = append(body, utils.EncodeString(opts.WillTopic)...)
		body = append(body, utils.EncodeString(opts.WillMessage)...)
	}
	if opts.Username != "" {
		body = append(body, utils.EncodeString(opts.Username)...)
	}
	if opts.Password != "" {
		body = append(body, utils.EncodeString(opts.Password)...)
	}

	out := []byte{byte(CONNECT)}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	out = append(out, body...)
	return out
}
