package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

var (
	ErrUnknownKind    = errors.New("unknown packet kind")
	ErrFrameTooLarge  = errors.New("packet frame too large")
	ErrMalformedFrame = errors.New("malformed packet frame")
)

// Kind identifies a packet variant on the wire
type Kind uint8

const (
	KindVoicePacket     Kind = 0x01
	KindVoiceConnect    Kind = 0x02
	KindVoiceDisconnect Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindVoicePacket:
		return "voice-packet"
	case KindVoiceConnect:
		return "voice-connect"
	case KindVoiceDisconnect:
		return "voice-disconnect"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Packet is one signaling or voice frame exchanged on a voice substream
type Packet interface {
	Kind() Kind
}

// VoicePacket carries one encoded audio frame for a channel
type VoicePacket struct {
	Codec   string
	Data    []byte
	Channel string
}

// VoiceConnect announces that the sender joined a channel
type VoiceConnect struct {
	Channel string
}

// VoiceDisconnect announces that the sender left a channel
type VoiceDisconnect struct {
	Channel string
}

func (VoicePacket) Kind() Kind     { return KindVoicePacket }
func (VoiceConnect) Kind() Kind    { return KindVoiceConnect }
func (VoiceDisconnect) Kind() Kind { return KindVoiceDisconnect }

// Encode serializes a packet into a self-delimiting frame:
//
//	uvarint(len(body)) || body
//	body = kind || field...
//	field = uvarint(len) || bytes
func Encode(p Packet) []byte {
	var body []byte
	switch pkt := p.(type) {
	case VoicePacket:
		body = appendKind(body, KindVoicePacket)
		body = appendField(body, []byte(pkt.Codec))
		body = appendField(body, pkt.Data)
		body = appendField(body, []byte(pkt.Channel))
	case *VoicePacket:
		return Encode(*pkt)
	case VoiceConnect:
		body = appendKind(body, KindVoiceConnect)
		body = appendField(body, []byte(pkt.Channel))
	case *VoiceConnect:
		return Encode(*pkt)
	case VoiceDisconnect:
		body = appendKind(body, KindVoiceDisconnect)
		body = appendField(body, []byte(pkt.Channel))
	case *VoiceDisconnect:
		return Encode(*pkt)
	default:
		panic(fmt.Sprintf("protocol: cannot encode %T", p))
	}

	frame := make([]byte, 0, varint.UvarintSize(uint64(len(body)))+len(body))
	frame = append(frame, varint.ToUvarint(uint64(len(body)))...)
	return append(frame, body...)
}

// Decode consumes exactly one packet from the front of buf. When buf does not
// hold a complete frame yet it returns ok == false and leaves buf untouched.
func Decode(buf *bytes.Buffer) (p Packet, ok bool, err error) {
	raw := buf.Bytes()

	bodyLen, n, err := varint.FromUvarint(raw)
	if err == varint.ErrUnderflow {
		if len(raw) >= maxLengthPrefix {
			return nil, false, fmt.Errorf("%w: length prefix", ErrMalformedFrame)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if bodyLen > MaxFrameSize {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}
	if uint64(len(raw)-n) < bodyLen {
		return nil, false, nil
	}

	p, err = decodeBody(raw[n : n+int(bodyLen)])
	if err != nil {
		return nil, false, err
	}

	buf.Next(n + int(bodyLen))
	return p, true, nil
}

func decodeBody(body []byte) (Packet, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedFrame)
	}

	r := fieldReader{buf: body[1:]}
	var p Packet

	switch kind := Kind(body[0]); kind {
	case KindVoicePacket:
		codec := r.next()
		data := r.next()
		channel := r.next()
		p = VoicePacket{Codec: string(codec), Data: data, Channel: string(channel)}
	case KindVoiceConnect:
		p = VoiceConnect{Channel: string(r.next())}
	case KindVoiceDisconnect:
		p = VoiceDisconnect{Channel: string(r.next())}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(r.buf))
	}
	return p, nil
}

func appendKind(buf []byte, k Kind) []byte {
	return append(buf, byte(k))
}

func appendField(buf []byte, field []byte) []byte {
	buf = append(buf, varint.ToUvarint(uint64(len(field)))...)
	return append(buf, field...)
}

// fieldReader walks the length-prefixed fields of a frame body; the first
// error sticks.
type fieldReader struct {
	buf []byte
	err error
}

func (r *fieldReader) next() []byte {
	if r.err != nil {
		return nil
	}

	size, n, err := varint.FromUvarint(r.buf)
	if err != nil {
		r.err = fmt.Errorf("%w: field length: %v", ErrMalformedFrame, err)
		return nil
	}
	if uint64(len(r.buf)-n) < size {
		r.err = fmt.Errorf("%w: field overruns frame", ErrMalformedFrame)
		return nil
	}

	// Empty fields decode as nil
	if size == 0 {
		r.buf = r.buf[n:]
		return nil
	}
	field := make([]byte, size)
	copy(field, r.buf[n:n+int(size)])
	r.buf = r.buf[n+int(size):]
	return field
}
