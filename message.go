// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package portal

import (
	"fmt"

	"github.com/fireflydesign/portal/packet"
)

// Message is the reassembled format of a single portal message:
//
//	varuint channel, varuint type, varuint contentLength, content
type Message struct {
	Channel uint64 // the portal identifier; 0 is the control portal
	Type    uint64 // the message type, defined by the instrument
	Content []byte
}

// Encode encodes m in binary format.
func (m Message) Encode() []byte {
	var b packet.Builder
	m.AppendTo(&b)
	return b.Bytes()
}

// AppendTo appends the binary format of m to b.
func (m Message) AppendTo(b *packet.Builder) {
	b.Grow(packet.VaruintLen(m.Channel) + packet.VaruintLen(m.Type) + packet.VLen(len(m.Content)))
	b.Varuint(m.Channel)
	b.Varuint(m.Type)
	b.Blob(m.Content)
}

// Decode decodes one message from the head of s. The content of m aliases
// the input of s.
func (m *Message) Decode(s *packet.Scanner) error {
	id, err := s.Varuint()
	if err != nil {
		return fmt.Errorf("message channel: %w", err)
	}
	typ, err := s.Varuint()
	if err != nil {
		return fmt.Errorf("message type: %w", err)
	}
	content, err := s.Blob()
	if err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	m.Channel, m.Type, m.Content = id, typ, content
	return nil
}

// UnmarshalBinary decodes data into a message. It reports an error if data
// contains anything after the first message. It implements
// encoding.BinaryUnmarshaler.
func (m *Message) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	if err := m.Decode(s); err != nil {
		return err
	}
	if s.Len() != 0 {
		return fmt.Errorf("extra data after message (%d bytes)", s.Len())
	}
	return nil
}

// String returns a human-friendly rendering of the message.
func (m Message) String() string {
	var data string
	if len(m.Content) > 16 {
		data = fmt.Sprintf("%+v ... [%d bytes]", m.Content[:16], len(m.Content))
	} else {
		data = fmt.Sprintf("%+v", m.Content)
	}
	return fmt.Sprintf("Message(Channel=%v, Type=%v, Content=%s)", m.Channel, m.Type, data)
}

// A MessageLogger logs a message exchanged with the device.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	Message
	Sent bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v", m.dir(), m.Message)
}
