package packet

import (
	"bytes"
	"fmt"

	"github.com/kulaginds/rfnet/internal/fec"
)

// Encode serializes pkt into a wire frame. When fecEnabled is true,
// Broadcast/Ack/Control packets are whole-frame Reed-Solomon encoded at a
// fixed 2x parity ratio, and Data packets FEC their 3-byte header and
// each payload block independently, per the Data block layout described
// on EncodeData.
func Encode(pkt Packet, fecEnabled bool) ([]byte, error) {
	if data, ok := pkt.(DataPacket); ok {
		return nil, fmt.Errorf("packet: encode DataPacket %+v directly; use EncodeData for its block layout", data)
	}

	plain, err := encodePlain(pkt)
	if err != nil {
		return nil, err
	}

	if !fecEnabled {
		return plain, nil
	}

	return fecEncodeWholeFrame(plain)
}

func fecEncodeWholeFrame(plain []byte) ([]byte, error) {
	n := len(plain)
	if n == 0 {
		return nil, ErrBadFormat
	}

	codec, err := fec.NewCodec(n, fec.FullFrameParity(n))
	if err != nil {
		return nil, fmt.Errorf("packet: building whole-frame codec: %w", err)
	}

	encoded, err := codec.Encode(plain)
	if err != nil {
		return nil, fmt.Errorf("packet: whole-frame encode: %w", err)
	}

	return encoded, nil
}

func encodePlain(pkt Packet) ([]byte, error) {
	switch p := pkt.(type) {
	case BroadcastPacket:
		return encodeBroadcast(p), nil
	case ControlPacket:
		return encodeControl(p), nil
	case AckPacket:
		return encodeAck(p), nil
	default:
		return nil, fmt.Errorf("packet: unsupported packet type %T", pkt)
	}
}

func encodeBroadcast(p BroadcastPacket) []byte {
	b := make([]byte, 0, 5+len(p.Callsign))

	b0 := byte(TypeBroadcast)
	if p.FECEnabled {
		b0 |= 1 << 5
	}
	if p.RetryEnabled {
		b0 |= 1 << 4
	}

	b = append(b, b0, p.MajorVer, p.MinorVer, byte(p.LinkWidth>>8), byte(p.LinkWidth))
	b = append(b, []byte(p.Callsign)...)

	return b
}

func decodeBroadcast(data []byte) (BroadcastPacket, error) {
	if len(data) < 5 {
		return BroadcastPacket{}, ErrBadFormat
	}

	return BroadcastPacket{
		FECEnabled:   data[0]&(1<<5) != 0,
		RetryEnabled: data[0]&(1<<4) != 0,
		MajorVer:     data[1],
		MinorVer:     data[2],
		LinkWidth:    uint16(data[3])<<8 | uint16(data[4]),
		Callsign:     string(data[5:]),
	}, nil
}

func encodeControl(p ControlPacket) []byte {
	b := make([]byte, 0, 1+len(p.SourceCallsign)+1+len(p.DestCallsign))

	b = append(b, byte(TypeControl)|(byte(p.CtrlType)&0x07))
	b = append(b, []byte(p.SourceCallsign)...)
	b = append(b, 0)
	b = append(b, []byte(p.DestCallsign)...)

	return b
}

func decodeControl(data []byte) (ControlPacket, error) {
	if len(data) < 2 {
		return ControlPacket{}, ErrBadFormat
	}

	sep := bytes.IndexByte(data[1:], 0)
	if sep < 0 {
		return ControlPacket{}, ErrBadFormat
	}
	sep++ // offset relative to data[0:]

	return ControlPacket{
		CtrlType:       CtrlType(data[0] & 0x07),
		SourceCallsign: string(data[1:sep]),
		DestCallsign:   string(data[sep+1:]),
	}, nil
}

func encodeAck(p AckPacket) []byte {
	b0, b1 := putTypeIdx(TypeAck, p.PacketIdx)

	b2 := byte((p.CorrectedErrors >> 8) & 0x0F)
	if p.Response {
		b2 |= 1 << 7
	}
	if p.NACK {
		b2 |= 1 << 6
	}
	if p.PendingResponse {
		b2 |= 1 << 5
	}

	b3 := byte(p.CorrectedErrors)

	return []byte{b0, b1, b2, b3}
}

func decodeAck(data []byte) (AckPacket, error) {
	if len(data) != 4 {
		return AckPacket{}, ErrBadFormat
	}

	_, idx := getTypeIdx(data[0], data[1])

	correctedErrors := uint16(data[2]&0x0F)<<8 | uint16(data[3])

	return AckPacket{
		PacketIdx:       idx,
		Response:        data[2]&(1<<7) != 0,
		NACK:            data[2]&(1<<6) != 0,
		PendingResponse: data[2]&(1<<5) != 0,
		CorrectedErrors: correctedErrors,
	}, nil
}

// Decode parses a wire frame into its Packet, returning the number of
// byte errors the FEC layer corrected along the way. It never returns a
// Data packet (see DecodeData) since a Data frame's block layout
// requires the caller's negotiated link_width.
func Decode(data []byte, fecEnabled bool) (Packet, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrBadFormat
	}

	if !fecEnabled {
		if typeOf(data[0]) == TypeData {
			return nil, 0, fmt.Errorf("packet: %w: use DecodeData for Data frames", ErrBadFormat)
		}
		pkt, err := decodePlainByType(data)
		return pkt, 0, err
	}

	if len(data)%3 != 0 {
		return nil, 0, fmt.Errorf("packet: %w: FEC whole frame must be a multiple of 3 bytes", ErrBadFormat)
	}

	n := len(data) / 3
	codec, err := fec.NewCodec(n, fec.FullFrameParity(n))
	if err != nil {
		return nil, 0, fmt.Errorf("packet: building whole-frame codec: %w", err)
	}

	plain, corrected, err := codec.Decode(data)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTooManyFECErrors, err)
	}

	if typeOf(plain[0]) == TypeData {
		return nil, 0, fmt.Errorf("packet: %w: use DecodeData for Data frames", ErrBadFormat)
	}

	pkt, err := decodePlainByType(plain)
	return pkt, corrected, err
}

func decodePlainByType(data []byte) (Packet, error) {
	switch typeOf(data[0]) {
	case TypeBroadcast:
		return decodeBroadcast(data)
	case TypeControl:
		return decodeControl(data)
	case TypeAck:
		return decodeAck(data)
	default:
		return nil, ErrBadFormat
	}
}
