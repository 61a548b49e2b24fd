// Package utils holds the wire-encoding helpers shared by every
// packet type: remaining-length varint, length-prefixed strings, and
// topic validation. Kept as a single package so no packet file
// duplicates its own copy of remaining-length parsing.
package utils

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/sablemq/sablemq/pkg/er"
)

// EncodeRemainingLength encodes the remaining length field per the
// MQTT 3.1.1 variable-length encoding (up to 4 bytes, max 268,435,455).
func EncodeRemainingLength(length int) []byte {
	if length < 0 {
		return []byte{0}
	}

	var encoded []byte
	for {
		encodedByte := byte(length % 128)
		length /= 128
		if length > 0 {
			encodedByte |= 128
		}
		encoded = append(encoded, encodedByte)
		if length == 0 || len(encoded) >= 4 {
			break
		}
	}
	return encoded
}

// ParseRemainingLength decodes the remaining length field from raw
// bytes, returning the length, the number of bytes it occupied, and
// any error.
func ParseRemainingLength(data []byte) (int, int, error) {
	var length int
	multiplier := 1
	var offset int

	for {
		if offset >= len(data) {
			return 0, 0, &er.Err{Context: "ParseRemainingLength", Message: er.ErrShortBuffer}
		}
		if offset >= 4 {
			return 0, 0, &er.Err{Context: "ParseRemainingLength", Message: er.ErrRemainingLengthExceeded}
		}

		encodedByte := data[offset]
		length += int(encodedByte&0x7F) * multiplier

		if length > 268435455 {
			return 0, 0, &er.Err{Context: "ParseRemainingLength", Message: er.ErrRemainingLengthExceeded}
		}

		multiplier *= 128
		offset++

		if (encodedByte & 0x80) == 0 {
			break
		}
	}

	return length, offset, nil
}

// ParseString reads a UTF-8 string with a 2-byte length prefix.
func ParseString(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, &er.Err{Context: "ParseString", Message: er.ErrShortBuffer}
	}

	length := binary.BigEndian.Uint16(data[0:2])
	if len(data) < int(2+length) {
		return "", 0, &er.Err{Context: "ParseString", Message: er.ErrShortBuffer}
	}

	str := string(data[2 : 2+length])
	if !utf8.ValidString(str) {
		return "", 0, &er.Err{Context: "ParseString", Message: er.ErrInvalidUTF8String}
	}

	return str, int(2 + length), nil
}

// EncodeString writes s as a 2-byte length prefix followed by its
// UTF-8 bytes.
func EncodeString(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

// ValidateTopicFilter validates a SUBSCRIBE/UNSUBSCRIBE topic filter,
// including +/# wildcard placement.
func ValidateTopicFilter(topicFilter string) error {
	if topicFilter == "" {
		return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrEmptyTopicFilter}
	}
	if !utf8.ValidString(topicFilter) {
		return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrInvalidUTF8Topic}
	}
	for _, r := range topicFilter {
		if r == 0 {
			return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrNullCharacterInTopic}
		}
		if (r >= 0x0001 && r <= 0x001F) || (r >= 0x007F && r <= 0x009F) {
			return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrControlCharacterInTopic}
		}
	}
	if hasEmptyLevels(topicFilter) {
		return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrEmptyTopicLevel}
	}
	return validateWildcards(topicFilter)
}

// ValidateTopicName validates a PUBLISH topic name: no wildcards
// allowed.
func ValidateTopicName(topicName string) error {
	if topicName == "" {
		return &er.Err{Context: "ValidateTopicName", Message: er.ErrEmptyTopic}
	}
	if !utf8.ValidString(topicName) {
		return &er.Err{Context: "ValidateTopicName", Message: er.ErrInvalidUTF8Topic}
	}
	for _, r := range topicName {
		if r == 0 {
			return &er.Err{Context: "ValidateTopicName", Message: er.ErrNullCharacterInTopic}
		}
		if (r >= 0x0001 && r <= 0x001F) || (r >= 0x007F && r <= 0x009F) {
			return &er.Err{Context: "ValidateTopicName", Message: er.ErrControlCharacterInTopic}
		}
	}
	if ContainsWildcards(topicName) {
		return &er.Err{Context: "ValidateTopicName", Message: er.ErrWildcardsNotAllowedInPublish}
	}
	if hasEmptyLevels(topicName) {
		return &er.Err{Context: "ValidateTopicName", Message: er.ErrEmptyTopicLevel}
	}
	return nil
}

func hasEmptyLevels(topic string) bool {
	for i := 0; i < len(topic)-1; i++ {
		if topic[i] == '/' && topic[i+1] == '/' {
			return true
		}
	}
	return len(topic) > 0 && topic[len(topic)-1] == '/'
}

// ContainsWildcards reports whether topic has a + or # character.
func ContainsWildcards(topic string) bool {
	for _, c := range topic {
		if c == '+' || c == '#' {
			return true
		}
	}
	return false
}

func validateWildcards(topicFilter string) error {
	runes := []rune(topicFilter)
	length := len(runes)

	for i, r := range runes {
		switch r {
		case '#':
			if i != length-1 {
				return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrMultiLevelWildcardNotLast}
			}
			if i > 0 && runes[i-1] != '/' {
				return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrMultiLevelWildcardNotAlone}
			}
		case '+':
			if i > 0 && runes[i-1] != '/' {
				return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrSingleLevelWildcardNotAlone}
			}
			if i < length-1 && runes[i+1] != '/' {
				return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrSingleLevelWildcardNotAlone}
			}
		}
	}
	return nil
}

// EncodePacketID encodes a 16-bit packet/message id.
func EncodePacketID(id uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, id)
	return b
}

// ParsePacketID decodes a non-zero 16-bit packet/message id.
func ParsePacketID(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, &er.Err{Context: "ParsePacketID", Message: er.ErrShortBuffer}
	}
	id := binary.BigEndian.Uint16(data[0:2])
	if id == 0 {
		return 0, &er.Err{Context: "ParsePacketID", Message: er.ErrInvalidPacketID}
	}
	return id, nil
}
