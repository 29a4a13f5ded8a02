// Package fec wraps a GF(256) Reed-Solomon codec used to correct bit
// errors introduced by a noisy radio link, without needing a
// retransmission round trip for small numbers of flipped bytes.
package fec

import (
	"errors"
	"fmt"

	"github.com/Picocrypt/infectious"
)

// ErrUncorrectable is returned when a block carries more corrupted bytes
// than its parity can repair.
var ErrUncorrectable = errors.New("fec: block has more errors than parity can correct")

// ParityBytes returns the number of parity bytes appended for a given FEC
// level, mirroring the reference implementation's get_fec_bytes. Level 0
// is the weakest setting still worth the overhead; each additional level
// buys one more correctable byte error.
func ParityBytes(level int) int {
	return (level + 1) * 2
}

// FullFrameParity returns the parity length used for whole-frame FEC on
// non-Data packets (Broadcast, Ack, Control): a flat 2x ratio regardless
// of configured FEC level, since these frames are small and sent rarely
// enough that the extra bytes don't matter.
func FullFrameParity(dataLen int) int {
	return dataLen * 2
}

// Codec encodes and corrects fixed-size blocks of dataLen bytes using
// parityLen parity bytes.
type Codec struct {
	fec       *infectious.FEC
	dataLen   int
	parityLen int
}

// NewCodec builds a Codec for blocks of dataLen data bytes protected by
// parityLen parity bytes.
func NewCodec(dataLen, parityLen int) (*Codec, error) {
	if dataLen <= 0 {
		return nil, fmt.Errorf("fec: dataLen must be positive, got %d", dataLen)
	}
	if parityLen <= 0 {
		return nil, fmt.Errorf("fec: parityLen must be positive, got %d", parityLen)
	}

	f, err := infectious.NewFEC(dataLen, dataLen+parityLen)
	if err != nil {
		return nil, fmt.Errorf("fec: initializing codec: %w", err)
	}

	return &Codec{fec: f, dataLen: dataLen, parityLen: parityLen}, nil
}

// DataLen returns the number of plaintext bytes this codec operates on.
func (c *Codec) DataLen() int {
	return c.dataLen
}

// TotalLen returns dataLen+parityLen, the size of an encoded block.
func (c *Codec) TotalLen() int {
	return c.fec.Total()
}

// Encode appends parity bytes to data, which must be exactly DataLen()
// bytes long.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) != c.dataLen {
		return nil, fmt.Errorf("fec: encode expects %d bytes, got %d", c.dataLen, len(data))
	}

	encoded := make([]byte, c.TotalLen())
	err := c.fec.Encode(data, func(s infectious.Share) {
		encoded[s.Number] = s.Data[0]
	})
	if err != nil {
		return nil, fmt.Errorf("fec: encode: %w", err)
	}

	return encoded, nil
}

// Decode recovers the original dataLen plaintext bytes from an encoded
// block, correcting up to parityLen/2 corrupted bytes. It returns the
// corrected plaintext and the number of bytes it had to repair. If the
// block cannot be repaired it returns ErrUncorrectable along with the
// plaintext prefix of the uncorrected input, matching the "force decode
// but report the error" behavior used when applying FEC opportunistically.
func (c *Codec) Decode(encoded []byte) ([]byte, int, error) {
	if len(encoded) != c.TotalLen() {
		return nil, 0, fmt.Errorf("fec: decode expects %d bytes, got %d", c.TotalLen(), len(encoded))
	}

	shares := make([]infectious.Share, c.TotalLen())
	for i := range shares {
		shares[i].Number = i
		shares[i].Data = append(shares[i].Data, encoded[i])
	}

	decoded, err := c.fec.Decode(nil, shares)
	if err != nil {
		return encoded[:c.dataLen], 0, fmt.Errorf("%w: %v", ErrUncorrectable, err)
	}

	correctedErrors := 0
	if reencoded, rerr := c.Encode(decoded); rerr == nil {
		for i := range reencoded {
			if reencoded[i] != encoded[i] {
				correctedErrors++
			}
		}
	}

	return decoded, correctedErrors, nil
}
