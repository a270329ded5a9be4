// Package sauc encodes and decodes the binary frames of the Volcengine
// streaming ASR (SAUC) WebSocket protocol.
//
// Every frame starts with a 4 byte header:
//
//	byte 0: protocol version (4 bits) | header size in 4 byte words (4 bits)
//	byte 1: message type (4 bits)     | flags (4 bits)
//	byte 2: serialization (4 bits)    | compression (4 bits)
//	byte 3: reserved
//
// followed by an optional sequence number, optional event metadata, and a
// length-prefixed payload. All integers are big endian.
package sauc

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const protocolVersion = 0b0001

// MessageType 消息类型
type MessageType uint8

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	ServerAck          MessageType = 0b1011
	ErrorMessage       MessageType = 0b1111
)

// Flags 消息标志，低两位描述序号，第三位表示携带事件
type Flags uint8

const (
	NoSequence       Flags = 0b0000
	PositiveSequence Flags = 0b0001
	LastNoSequence   Flags = 0b0010
	NegativeSequence Flags = 0b0011
	WithEvent        Flags = 0b0100

	sequenceMask Flags = 0b0011
)

// Serialization 序列化方法
type Serialization uint8

const (
	Raw  Serialization = 0b0000
	JSON Serialization = 0b0001
)

// Compression 压缩方法
type Compression uint8

const (
	Uncompressed Compression = 0b0000
	Gzip         Compression = 0b0001
)

// Event 服务端事件类型
type Event int32

const (
	EventStartConnection    Event = 1
	EventFinishConnection   Event = 2
	EventConnectionStarted  Event = 50
	EventConnectionFailed   Event = 51
	EventConnectionFinished Event = 52
)

// ErrShortFrame is returned when a frame ends before its declared fields.
var ErrShortFrame = errors.New("sauc: short frame")

// Frame is one decoded protocol message. Payload holds the bytes as sent on
// the wire; use Body for the decompressed form.
type Frame struct {
	Type          MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression

	Sequence  int32
	Event     Event
	SessionID string
	ConnectID string
	ErrorCode uint32
	Payload   []byte
}

// ConfigFrame builds the gzip-compressed JSON request that opens a
// recognition session.
func ConfigFrame(payload []byte) (Frame, error) {
	compressed, err := gzipBytes(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:          FullClientRequest,
		Flags:         NoSequence,
		Serialization: JSON,
		Compression:   Gzip,
		Payload:       compressed,
	}, nil
}

// AudioFrame builds one gzip-compressed audio packet. The last packet of a
// stream carries a negated sequence number.
func AudioFrame(audio []byte, seq int32, last bool) (Frame, error) {
	compressed, err := gzipBytes(audio)
	if err != nil {
		return Frame{}, err
	}

	f := Frame{
		Type:          AudioOnlyRequest,
		Serialization: Raw,
		Compression:   Gzip,
		Sequence:      seq,
		Payload:       compressed,
	}
	switch {
	case last && seq != 0:
		f.Flags = NegativeSequence
		f.Sequence = -seq
	case last:
		f.Flags = LastNoSequence
	case seq > 0:
		f.Flags = PositiveSequence
	default:
		f.Flags = NoSequence
	}
	return f, nil
}

// Last reports whether the frame closes the stream.
func (f Frame) Last() bool {
	switch f.Flags & sequenceMask {
	case LastNoSequence, NegativeSequence:
		return true
	default:
		return false
	}
}

// Body returns the payload with compression removed.
func (f Frame) Body() ([]byte, error) {
	switch f.Compression {
	case Uncompressed:
		return f.Payload, nil
	case Gzip:
		return gunzipBytes(f.Payload)
	default:
		return nil, fmt.Errorf("sauc: unsupported compression %d", f.Compression)
	}
}

// MarshalBinary encodes the frame for a binary WebSocket message.
func (f Frame) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{
		protocolVersion<<4 | 0b0001,
		byte(f.Type)<<4 | byte(f.Flags&0x0F),
		byte(f.Serialization)<<4 | byte(f.Compression&0x0F),
		0,
	})

	if f.hasSequence() {
		writeUint32(&buf, uint32(f.Sequence))
	}
	if f.Flags&WithEvent != 0 {
		writeUint32(&buf, uint32(f.Event))
		if !f.Event.skipsSessionID() {
			writeString(&buf, f.SessionID)
		}
		if f.Event.hasConnectID() {
			writeString(&buf, f.ConnectID)
		}
	}
	if f.Type == ErrorMessage {
		writeUint32(&buf, f.ErrorCode)
	}
	writeUint32(&buf, uint32(len(f.Payload)))
	buf.Write(f.Payload)

	return buf.Bytes(), nil
}

// Unmarshal decodes one frame.
func Unmarshal(data []byte) (Frame, error) {
	r := bytes.NewReader(data)

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, ErrShortFrame
	}
	if version := header[0] >> 4; version != protocolVersion {
		return Frame{}, fmt.Errorf("sauc: unsupported protocol version %d", version)
	}

	f := Frame{
		Type:          MessageType(header[1] >> 4),
		Flags:         Flags(header[1] & 0x0F),
		Serialization: Serialization(header[2] >> 4),
		Compression:   Compression(header[2] & 0x0F),
	}

	// Header extensions are skipped.
	if extra := int(header[0]&0x0F)*4 - 4; extra > 0 {
		if r.Len() < extra {
			return Frame{}, ErrShortFrame
		}
		_, _ = r.Seek(int64(extra), io.SeekCurrent)
	}

	if f.hasSequence() {
		seq, err := readUint32(r)
		if err != nil {
			return Frame{}, err
		}
		f.Sequence = int32(seq)
	}

	if f.Flags&WithEvent != 0 {
		event, err := readUint32(r)
		if err != nil {
			return Frame{}, err
		}
		f.Event = Event(int32(event))
		if !f.Event.skipsSessionID() {
			if f.SessionID, err = readString(r); err != nil {
				return Frame{}, err
			}
		}
		if f.Event.hasConnectID() {
			if f.ConnectID, err = readString(r); err != nil {
				return Frame{}, err
			}
		}
	}

	if f.Type == ErrorMessage {
		code, err := readUint32(r)
		if err != nil {
			return Frame{}, err
		}
		f.ErrorCode = code
	}

	size, err := readUint32(r)
	if err != nil {
		return Frame{}, err
	}
	if int64(size) > int64(r.Len()) {
		return Frame{}, fmt.Errorf("sauc: payload declares %d bytes, %d available: %w", size, r.Len(), ErrShortFrame)
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		_, _ = io.ReadFull(r, f.Payload)
	}
	return f, nil
}

func (f Frame) hasSequence() bool {
	switch f.Flags & sequenceMask {
	case PositiveSequence, NegativeSequence:
		return true
	default:
		return false
	}
}

func (e Event) skipsSessionID() bool {
	switch e {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	default:
		return false
	}
}

func (e Event) hasConnectID() bool {
	switch e {
	case EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	default:
		return false
	}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrShortFrame
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	size, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if int64(size) > int64(r.Len()) {
		return "", ErrShortFrame
	}
	b := make([]byte, size)
	_, _ = io.ReadFull(r, b)
	return string(b), nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}
