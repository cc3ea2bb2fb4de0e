package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Wire layout: 0x99, protocol, payload length (uint16 LE), payload, '\n'.
const (
	Start   byte = 0x99
	trailer byte = '\n'
	header       = 4
)

const (
	LOGIN           byte = 0x01
	LOCATION_UPDATE byte = 0x02
	STATUS          byte = 0x06
	ACK             byte = 0x10
)

const MaxPayload = 0xffff

var (
	ErrBadFrame       = errors.New("bad frame")
	ErrBufferTooSmall = errors.New("buffer too small")
)

type Message struct {
	Length   int
	Protocol byte
	Payload  []byte
	Buffer   []byte
}

func NewMessage(size int) *Message {
	return &Message{Buffer: make([]byte, size)}
}

type LoginMessage struct {
	DeviceId   string `json:"device_id"`
	Key        string `json:"key,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
}

type LocationMessage struct {
	GpsTime   time.Time `json:"gps_time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

type AckMessage struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReadMessage reads one frame into msg. msg.Payload aliases msg.Buffer and
// is only valid until the next read.
func ReadMessage(r io.Reader, msg *Message) error {
	if len(msg.Buffer) < header+1 {
		return ErrBufferTooSmall
	}
	_, err := io.ReadFull(r, msg.Buffer[:header])
	if err != nil {
		return err
	}
	if msg.Buffer[0] != Start {
		return ErrBadFrame
	}
	msg.Protocol = msg.Buffer[1]
	length := int(binary.LittleEndian.Uint16(msg.Buffer[2:4]))
	msg.Length = header + length + 1
	if len(msg.Buffer) < msg.Length {
		return fmt.Errorf("frame of %d bytes: %w", msg.Length, ErrBufferTooSmall)
	}
	_, err = io.ReadFull(r, msg.Buffer[header:msg.Length])
	if err != nil {
		return err
	}
	if msg.Buffer[msg.Length-1] != trailer {
		return ErrBadFrame
	}
	msg.Payload = msg.Buffer[header : msg.Length-1]
	return nil
}

// Encode builds one frame around payload.
func Encode(protocol byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload of %d bytes: %w", len(payload), ErrBadFrame)
	}
	b := make([]byte, header+len(payload)+1)
	b[0] = Start
	b[1] = protocol
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(payload)))
	copy(b[header:], payload)
	b[len(b)-1] = trailer
	return b, nil
}

// WriteMessage JSON encodes v and writes it as one frame.
func WriteMessage(w io.Writer, protocol byte, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b, err := Encode(protocol, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
