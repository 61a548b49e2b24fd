package packet

// CONNACK return codes (MQTT 3.1.1 section 3.2.2.3).
const (
	ConnectionAccepted          byte = 0x00
	UnacceptableProtocolVersion byte = 0x01
	IdentifierRejected          byte = 0x02
	ServerUnavailable           byte = 0x03
	BadUsernameOrPassword       byte = 0x04
	NotAuthorized               byte = 0x05
)

// NewConnAck builds a CONNACK packet.
func NewConnAck(sessionPresent bool, returnCode byte) []byte {
	flags := byte(0x00)
	if sessionPresent && returnCode == ConnectionAccepted {
		flags = 0x01
	}

	return []byte{
		byte(CONNACK),
		0x02,
		flags,
		returnCode,
	}
}
