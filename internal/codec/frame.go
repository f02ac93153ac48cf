package codec

import (
	"bytes"
	"encoding/binary"
)

// QoS is the delivery guarantee requested for a frame, §6.
type QoS uint8

const (
	QoSFire    QoS = 0
	QoSConfirm QoS = 1
	QoSCommit  QoS = 2
)

const (
	magicByte     byte = 0x53
	maxPayloadLen      = 65535
	headerLen          = 4
	timestampLen       = 8
)

// Frame is the decoded envelope described in §4.1.
type Frame struct {
	QoS          QoS
	Version      uint8
	HasTimestamp bool
	Timestamp    uint64
	Encrypted    bool
	Compressed   bool
	Payload      []byte
}

// EncodeFrame serializes f's envelope and payload into a single []byte
// ready to write to a transport. It does not re-validate Payload's
// contents — callers are expected to have produced Payload via
// EncodeMessage.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > maxPayloadLen {
		return nil, &PayloadTooLargeError{Size: len(f.Payload)}
	}
	size := headerLen + len(f.Payload)
	if f.HasTimestamp {
		size += timestampLen
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteByte(magicByte)

	flags := byte(f.QoS&0x3) << 6
	if f.HasTimestamp {
		flags |= 1 << 5
	}
	if f.Encrypted {
		flags |= 1 << 4
	}
	if f.Compressed {
		flags |= 1 << 3
	}
	flags |= f.Version & 0x7
	buf.WriteByte(flags)

	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(f.Payload)))
	buf.Write(lenBytes[:])

	if f.HasTimestamp {
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], f.Timestamp)
		buf.Write(ts[:])
	}
	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

// DecodeFrame decodes one frame from the front of buf. On success it
// returns the frame and the number of bytes consumed. If buf does not yet
// hold a complete frame, it returns a *BufferTooSmallError reporting how
// many more bytes are needed — callers must buffer more input and retry
// rather than treat this as a terminal error (§8 "frame completeness").
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < 1 {
		return nil, 0, &BufferTooSmallError{Needed: 1, Have: len(buf)}
	}
	if buf[0] != magicByte {
		return nil, 0, &InvalidMagicError{Got: buf[0]}
	}
	if len(buf) < headerLen {
		return nil, 0, &BufferTooSmallError{Needed: headerLen - len(buf), Have: len(buf)}
	}
	flags := buf[1]
	f := &Frame{
		QoS:          QoS((flags >> 6) & 0x3),
		HasTimestamp: flags&(1<<5) != 0,
		Encrypted:    flags&(1<<4) != 0,
		Compressed:   flags&(1<<3) != 0,
		Version:      flags & 0x7,
	}
	payloadLen := int(binary.BigEndian.Uint16(buf[2:4]))
	need := headerLen
	if f.HasTimestamp {
		need += timestampLen
	}
	need += payloadLen

	if len(buf) < need {
		return nil, 0, &BufferTooSmallError{Needed: need - len(buf), Have: len(buf)}
	}

	pos := headerLen
	if f.HasTimestamp {
		f.Timestamp = binary.BigEndian.Uint64(buf[pos : pos+timestampLen])
		pos += timestampLen
	}
	f.Payload = append([]byte(nil), buf[pos:pos+payloadLen]...)
	pos += payloadLen
	return f, pos, nil
}
