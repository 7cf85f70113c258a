// Package peerprotocol implements BEP 3 peer wire messages: the
// length-prefixed framing and the ten message kinds the core dispatches
// during PeerConnection.DrainBuffer.
package peerprotocol

import (
	"encoding/binary"
	"fmt"
)

// MessageID identifies a BEP 3 (plus BEP 6 PORT) message type.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("messageID(%d)", byte(id))
	}
}

// BlockSize is the fixed 16 KiB block/chunk size BEP 3 clients use for
// pipelined requests.
const BlockSize = 16 * 1024

// Message is the in-memory form of any wire message, including the
// zero-length keepalive (Keepalive == true, no ID).
type Message struct {
	Keepalive bool
	ID        MessageID

	Index  uint32
	Begin  uint32
	Length uint32 // meaningful for Request/Cancel
	Piece  []byte // payload for a Piece message
	Bits   []byte // payload for a Bitfield message
	Port   uint16
}

// MarshalBinary renders the message in wire format: [u32 length][u8
// id][payload], or a bare zero-length prefix for keepalive.
func (m Message) MarshalBinary() ([]byte, error) {
	if m.Keepalive {
		return []byte{0, 0, 0, 0}, nil
	}
	var payload []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case Bitfield:
		payload = m.Bits
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case Piece:
		payload = make([]byte, 8+len(m.Piece))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Piece)
	case Port:
		payload = make([]byte, 2)
		binary.BigEndian.PutUint16(payload, m.Port)
	default:
		return nil, fmt.Errorf("peerprotocol: unknown message id %v", m.ID)
	}
	out := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(1+len(payload)))
	out[4] = byte(m.ID)
	copy(out[5:], payload)
	return out, nil
}

// MustMarshalBinary panics on error; used for constant/fixed-shape
// messages the caller knows are well-formed, matching teacher's
// pp.Message{...}.MustMarshalBinary() idiom for measuring message lengths.
func (m Message) MustMarshalBinary() []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// ParseBody decodes a message body (everything after the length prefix; id
// is body[0], payload is body[1:]) into a Message.
func ParseBody(body []byte) (Message, error) {
	if len(body) == 0 {
		return Message{Keepalive: true}, nil
	}
	id := MessageID(body[0])
	payload := body[1:]
	m := Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return Message{}, fmt.Errorf("peerprotocol: %v has unexpected payload", id)
		}
	case Have:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("peerprotocol: have payload wrong size %d", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case Bitfield:
		m.Bits = append([]byte(nil), payload...)
	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("peerprotocol: %v payload wrong size %d", id, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case Piece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("peerprotocol: piece payload too short %d", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Piece = payload[8:]
	case Port:
		if len(payload) != 2 {
			return Message{}, fmt.Errorf("peerprotocol: port payload wrong size %d", len(payload))
		}
		m.Port = binary.BigEndian.Uint16(payload)
	default:
		return Message{}, fmt.Errorf("peerprotocol: unknown message id %d", id)
	}
	return m, nil
}
