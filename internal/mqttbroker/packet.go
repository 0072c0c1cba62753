package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Control packet types (MQTT 3.1.1 section 2.2.1).
const (
	packetConnect     byte = 1
	packetConnack     byte = 2
	packetPublish     byte = 3
	packetSubscribe   byte = 8
	packetSuback      byte = 9
	packetUnsubscribe byte = 10
	packetUnsuback    byte = 11
	packetPingreq     byte = 12
	packetPingresp    byte = 13
	packetDisconnect  byte = 14
)

const (
	protocolName  = "MQTT"
	protocolLevel = 4

	// Only clean-session is accepted; will, username and password are not.
	connectFlagsUnsupported = 0xFC

	maxTopicLength = 65535
)

func fixedHeader(packetType, flags byte) byte {
	return packetType<<4 | flags&0x0F
}

func connackPacket() []byte {
	return []byte{fixedHeader(packetConnack, 0), 0x02, 0x00, 0x00}
}

func pingrespPacket() []byte {
	return []byte{fixedHeader(packetPingresp, 0), 0x00}
}

func unsubackPacket(packetID uint16) []byte {
	return []byte{fixedHeader(packetUnsuback, 0), 0x02, byte(packetID >> 8), byte(packetID)}
}

func publishPacket(topic string, payload []byte) ([]byte, error) {
	if len(topic) > maxTopicLength {
		return nil, fmt.Errorf("topic too long: %d bytes", len(topic))
	}

	remaining := 2 + len(topic) + len(payload)
	length := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(length)+remaining)
	packet = append(packet, fixedHeader(packetPublish, 0))
	packet = append(packet, length...)
	packet = append(packet, byte(len(topic)>>8), byte(len(topic)))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func subackPacket(packetID uint16, granted int) ([]byte, error) {
	if granted <= 0 {
		return nil, fmt.Errorf("suback needs at least one topic")
	}

	remaining := 2 + granted
	length := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(length)+remaining)
	packet = append(packet, fixedHeader(packetSuback, 0))
	packet = append(packet, length...)
	packet = append(packet, byte(packetID>>8), byte(packetID))
	for i := 0; i < granted; i++ {
		packet = append(packet, 0x00) // granted QoS 0
	}
	return packet, nil
}

// decodePublish parses a QoS 0 PUBLISH body.
func decodePublish(header byte, body []byte) (Message, error) {
	if qos := (header >> 1) & 0x03; qos != 0 {
		return Message{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := packetReader(body)
	topic, err := rd.readString()
	if err != nil {
		return Message{}, fmt.Errorf("read topic: %w", err)
	}
	if strings.ContainsAny(topic, "+#") {
		return Message{}, fmt.Errorf("wildcard in publish topic %q", topic)
	}

	msg := Message{Topic: topic}
	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, nil
}

type packetReader []byte

func (p *packetReader) readByte() (byte, error) {
	if len(*p) == 0 {
		return 0, io.EOF
	}
	v := (*p)[0]
	*p = (*p)[1:]
	return v, nil
}

func (p *packetReader) readUint16() (uint16, error) {
	if len(*p) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*p)[0])<<8 | uint16((*p)[1])
	*p = (*p)[2:]
	return v, nil
}

func (p *packetReader) readString() (string, error) {
	n, err := p.readUint16()
	if err != nil {
		return "", err
	}
	if len(*p) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*p)[:n])
	*p = (*p)[n:]
	return s, nil
}

func (p *packetReader) readBytes(n int) []byte {
	if len(*p) < n {
		n = len(*p)
	}
	out := make([]byte, n)
	copy(out, (*p)[:n])
	*p = (*p)[n:]
	return out
}

func (p *packetReader) remaining() int {
	return len(*p)
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			return encoded
		}
	}
}

// topicMatches reports whether topic satisfies the subscription filter,
// honouring the single-level (+) and multi-level (#) wildcards.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
