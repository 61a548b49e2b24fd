package packet

import (
	"bytes"
	"testing"
)

func buildConnect(t *testing.T, clientID string, cleanSession bool) []byte {
	t.Helper()

	var payload []byte
	payload = append(payload, 0x00, 0x04)
	payload = append(payload, "MQTT"...)
	payload = append(payload, 0x04) // protocol level

	flags := byte(0x00)
	if cleanSession {
		flags |= 0x02
	}
	payload = append(payload, flags)
	payload = append(payload, 0x00, 0x3C) // keepalive 60

	payload = append(payload, byte(len(clientID)>>8), byte(len(clientID)&0xFF))
	payload = append(payload, clientID...)

	var packet []byte
	packet = append(packet, byte(CONNECT))
	packet = append(packet, byte(len(payload)))
	packet = append(packet, payload...)
	return packet
}

func TestParseConnect(t *testing.T) {
	tests := []struct {
		name         string
		clientID     string
		cleanSession bool
		wantErr      bool
	}{
		{name: "valid clean session", clientID: "client1", cleanSession: true, wantErr: false},
		{name: "valid persistent session", clientID: "client2", cleanSession: false, wantErr: false},
		{name: "empty client id requires clean session", clientID: "", cleanSession: false, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := buildConnect(t, tt.clientID, tt.cleanSession)
			_, err := ParseConnect(raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseConnect() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseConnectAssignsServerClientID(t *testing.T) {
	raw := buildConnect(t, "", true)
	cp, err := ParseConnect(raw)
	if err != nil {
		t.Fatalf("ParseConnect() unexpected error: %v", err)
	}
	if cp.ClientID == "" {
		t.Fatal("expected server-assigned client id, got empty string")
	}
}

func TestPublishEncodeParseRoundTrip(t *testing.T) {
	id := uint16(42)
	pp := &PublishPacket{
		QoS:      QoSAtLeastOnce,
		Topic:    "sensors/temp",
		PacketID: &id,
		Payload:  []byte("21.5"),
	}

	raw := pp.Encode()

	parsed, err := ParsePublish(raw)
	if err != nil {
		t.Fatalf("ParsePublish() unexpected error: %v", err)
	}

	if parsed.Topic != pp.Topic {
		t.Errorf("Topic = %q, want %q", parsed.Topic, pp.Topic)
	}
	if parsed.QoS != pp.QoS {
		t.Errorf("QoS = %d, want %d", parsed.QoS, pp.QoS)
	}
	if parsed.PacketID == nil || *parsed.PacketID != id {
		t.Errorf("PacketID = %v, want %d", parsed.PacketID, id)
	}
	if !bytes.Equal(parsed.Payload, pp.Payload) {
		t.Errorf("Payload = %q, want %q", parsed.Payload, pp.Payload)
	}
}

func TestPublishQoS0RejectsDup(t *testing.T) {
	raw := []byte{byte(PUBLISH) | 0x08, 0x05, 0x00, 0x01, 'a', 'X', 'Y'}
	if _, err := ParsePublish(raw); err == nil {
		t.Fatal("expected error for DUP set on QoS 0 publish")
	}
}

func TestSubscribeParseRejectsEmptyFilterList(t *testing.T) {
	raw := []byte{byte(SUBSCRIBE) | 0x02, 0x02, 0x00, 0x01}
	if _, err := ParseSubscribe(raw); err == nil {
		t.Fatal("expected error for subscribe with no filters")
	}
}

func TestSubscribeSubAckGrantsRequestedQoS(t *testing.T) {
	raw := []byte{
		byte(SUBSCRIBE) | 0x02, 0x08,
		0x00, 0x01, // packet id
		0x00, 0x03, 'a', '/', 'b',
		0x01, // requested QoS 1
	}

	sp, err := ParseSubscribe(raw)
	if err != nil {
		t.Fatalf("ParseSubscribe() unexpected error: %v", err)
	}
	if len(sp.Filters) != 1 || sp.Filters[0].QoS != QoSAtLeastOnce {
		t.Fatalf("unexpected filters: %+v", sp.Filters)
	}

	suback := NewSubAck(sp, []byte{SubackMaxQoS1})
	encoded := suback.Encode()

	var decoded SubackPacket
	if err := decoded.Parse(encoded); err != nil {
		t.Fatalf("SubackPacket.Parse() unexpected error: %v", err)
	}
	if decoded.PacketID != sp.PacketID {
		t.Errorf("PacketID = %d, want %d", decoded.PacketID, sp.PacketID)
	}
	if len(decoded.ReturnCodes) != 1 || decoded.ReturnCodes[0] != SubackMaxQoS1 {
		t.Errorf("ReturnCodes = %v, want [%d]", decoded.ReturnCodes, SubackMaxQoS1)
	}
}

func TestAckRoundTrip(t *testing.T) {
	raw := NewPubRel(7)
	ack, err := ParseAck(raw, PUBREL)
	if err != nil {
		t.Fatalf("ParseAck() unexpected error: %v", err)
	}
	if ack.PacketID != 7 {
		t.Errorf("PacketID = %d, want 7", ack.PacketID)
	}
}

func TestParseDispatchesByType(t *testing.T) {
	raw := []byte{byte(PINGREQ), 0x00}
	pp, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}
	if pp.Type != PINGREQ || pp.Pingreq == nil {
		t.Fatalf("Parse() = %+v, want dispatched PINGREQ", pp)
	}
}

func TestParseUnknownType(t *testing.T) {
	raw := []byte{0xF0, 0x00}
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for reserved packet type 0xF0")
	}
}
