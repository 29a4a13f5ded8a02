package packet

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/kulaginds/rfnet/internal/fec"
)

// dataBlockCapacity computes the per-RS-block payload capacity for a
// Data frame, given the negotiated link_width and FEC level (nil
// disables FEC).
func dataBlockCapacity(linkWidth int, fecLevel *uint8) (blockCap, parity, headerParity int, err error) {
	if fecLevel != nil {
		parity = fec.ParityBytes(int(*fecLevel))
		headerParity = 6
	}

	dataSize := linkWidth - 3 - headerParity
	if dataSize <= 0 {
		return 0, 0, 0, ErrBadLinkWidth
	}

	blockCap = dataSize
	if blockCap > 255 {
		blockCap = 255
	}
	blockCap -= parity

	if blockCap <= 0 {
		return 0, 0, 0, ErrBadLinkWidth
	}

	return blockCap, parity, headerParity, nil
}

// DataBytesPerPacket returns the maximum number of plaintext payload
// bytes a single Data frame can carry for the given link_width/FEC
// level. A send-block uses this to decide, before encoding, whether the
// fragment it is about to send is the transfer's last one.
func DataBytesPerPacket(linkWidth int, fecLevel *uint8) (int, error) {
	blockCap, _, _, err := dataBlockCapacity(linkWidth, fecLevel)
	return blockCap, err
}

// EncodeData reads up to one frame's worth of payload bytes from r and
// emits a single Data frame: a 3-byte clear header, the FEC-protected (or
// raw) payload block, and the header's own 6-byte RS parity when FEC is
// enabled. Each call advances exactly one packet_idx worth of data;
// fragmenting a larger payload across many packet_idx values is the
// send-block's job, not this function's. The caller decides end (via
// DataBytesPerPacket against its own running total) rather than this
// function inferring it from a short read, since a frame landing exactly
// on a block boundary is indistinguishable from a full block without
// that outside bookkeeping. start is likewise the caller's call rather
// than derived here; the send-block sets it for its first frame, which
// it sends as packet_idx 0.
//
// A single call only fills one Reed-Solomon block (capacity
// min(255, data_size)-parity bytes): frames whose data_size budget
// exceeds 255 bytes, which none of the link widths this protocol targets
// (32-256 bytes, well under the 255-byte RS block ceiling once header
// overhead is subtracted) ever produce, are not supported.
func EncodeData(r io.Reader, idx uint16, start, end bool, linkWidth int, fecLevel *uint8) (frame []byte, consumed int, err error) {
	blockCap, parity, headerParity, err := dataBlockCapacity(linkWidth, fecLevel)
	if err != nil {
		return nil, 0, err
	}

	var blocks bytes.Buffer
	buf := make([]byte, blockCap)

	n, rerr := io.ReadFull(r, buf)
	if n > 0 {
		chunk := buf[:n]

		if fecLevel != nil {
			codec, cerr := fec.NewCodec(n, parity)
			if cerr != nil {
				return nil, 0, fmt.Errorf("packet: building block codec: %w", cerr)
			}

			encoded, eerr := codec.Encode(chunk)
			if eerr != nil {
				return nil, 0, fmt.Errorf("packet: encoding block: %w", eerr)
			}

			blocks.Write(encoded)
		} else {
			blocks.Write(chunk)
		}

		consumed = n
	}

	switch rerr {
	case nil, io.EOF, io.ErrUnexpectedEOF:
	default:
		return nil, consumed, fmt.Errorf("packet: reading payload: %w", rerr)
	}

	flags := byte(0)
	if start {
		flags |= 1 << 7
	}
	if end {
		flags |= 1 << 6
	}
	if fecLevel != nil {
		flags |= *fecLevel & 0x3F
	}

	b0, b1 := putTypeIdx(TypeData, idx)
	header := []byte{b0, b1, flags}

	out := make([]byte, 0, len(header)+blocks.Len()+headerParity)
	out = append(out, header...)
	out = append(out, blocks.Bytes()...)

	if fecLevel != nil {
		headerCodec, cerr := fec.NewCodec(3, 6)
		if cerr != nil {
			return nil, consumed, fmt.Errorf("packet: building header codec: %w", cerr)
		}

		encodedHeader, eerr := headerCodec.Encode(header)
		if eerr != nil {
			return nil, consumed, fmt.Errorf("packet: encoding header parity: %w", eerr)
		}

		out = append(out, encodedHeader[3:]...)
	}

	return out, consumed, nil
}

// DecodeData parses a Data frame previously produced by EncodeData,
// correcting byte errors in the header and in each payload block
// independently. linkWidth must match the value used at encode time, to
// recover the same per-block capacity.
func DecodeData(data []byte, linkWidth int, fecEnabled bool) (DataPacket, int, error) {
	if !fecEnabled {
		if len(data) < 3 {
			return DataPacket{}, 0, ErrBadFormat
		}
		if typeOf(data[0]) != TypeData {
			return DataPacket{}, 0, ErrBadFormat
		}

		_, idx := getTypeIdx(data[0], data[1])
		flags := data[2]

		return DataPacket{
			PacketIdx: idx,
			StartFlag: flags&(1<<7) != 0,
			EndFlag:   flags&(1<<6) != 0,
			FECBytes:  flags & 0x3F,
			Payload:   append([]byte{}, data[3:]...),
		}, 0, nil
	}

	if len(data) < 9 {
		return DataPacket{}, 0, ErrBadFormat
	}

	headerCodec, err := fec.NewCodec(3, 6)
	if err != nil {
		return DataPacket{}, 0, err
	}

	codeword := make([]byte, 9)
	copy(codeword[:3], data[:3])
	copy(codeword[3:], data[len(data)-6:])

	header, corrected, err := headerCodec.Decode(codeword)
	if err != nil {
		return DataPacket{}, 0, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	if typeOf(header[0]) != TypeData {
		return DataPacket{}, 0, ErrBadFormat
	}

	_, idx := getTypeIdx(header[0], header[1])
	flags := header[2]
	k := flags & 0x3F
	parity := fec.ParityBytes(int(k))

	blockCap, _, _, err := dataBlockCapacity(linkWidth, &k)
	if err != nil {
		return DataPacket{}, 0, err
	}
	blockTotal := blockCap + parity

	blocksRaw := data[3 : len(data)-6]

	var payload bytes.Buffer
	totalCorrected := corrected

	for len(blocksRaw) > 0 {
		blockLen := blockTotal
		if blockLen > len(blocksRaw) {
			blockLen = len(blocksRaw)
		}

		thisCap := blockLen - parity
		if thisCap <= 0 {
			return DataPacket{}, 0, ErrBadFormat
		}

		codec, cerr := fec.NewCodec(thisCap, parity)
		if cerr != nil {
			return DataPacket{}, 0, cerr
		}

		decoded, c, derr := codec.Decode(blocksRaw[:blockLen])
		if derr != nil {
			// The header decoded fine, so idx/flags are trustworthy even
			// though the payload is not: a NACK needs the packet_idx.
			partial := DataPacket{
				PacketIdx: idx,
				StartFlag: flags&(1<<7) != 0,
				EndFlag:   flags&(1<<6) != 0,
				FECBytes:  k,
			}
			return partial, totalCorrected, fmt.Errorf("%w: %v", ErrTooManyFECErrors, derr)
		}

		payload.Write(decoded)
		totalCorrected += c
		blocksRaw = blocksRaw[blockLen:]
	}

	return DataPacket{
		PacketIdx: idx,
		StartFlag: flags&(1<<7) != 0,
		EndFlag:   flags&(1<<6) != 0,
		FECBytes:  k,
		Payload:   payload.Bytes(),
	}, totalCorrected, nil
}

// DecodeFrame is the top-level entry point for an incoming KISS payload:
// it tries the Data framing first (guarding against a frame that merely
// looks like a Data header by chance) and falls back to the whole-frame
// Broadcast/Ack/Control path on any failure. A frame whose header
// plainly decodes as Data but whose
// payload fails FEC correction is reported as ErrTooManyFECErrors along
// with the (header-only) DataPacket, rather than being reinterpreted as
// some other packet type.
func DecodeFrame(data []byte, linkWidth int, fecEnabled bool) (Packet, int, error) {
	if len(data) > 0 && (!fecEnabled && typeOf(data[0]) == TypeData || fecEnabled && len(data) >= 9) {
		pkt, corrected, err := DecodeData(data, linkWidth, fecEnabled)
		if err == nil {
			return pkt, corrected, nil
		}
		if errors.Is(err, ErrTooManyFECErrors) {
			return pkt, corrected, err
		}
	}

	return Decode(data, fecEnabled)
}
