// Package recvblock is the receiving half of a payload transfer: it
// acks each Data fragment in order, reassembles the payload, and once
// the final fragment arrives holds the link open until the caller
// supplies (or declines) a response.
package recvblock

import (
	"errors"
	"io"

	"github.com/kulaginds/rfnet/internal/packet"
)

// TimeoutMS is how long the receiver waits, with no data heard and no
// response pending, before giving up on a transfer.
const TimeoutMS = 10_000

// PendingRepeatMS is how often the receiver re-announces
// pending_response while the caller is still producing a response.
const PendingRepeatMS = 500

// ErrNotResponding is returned when an Ack arrives while the Block is
// not waiting on one (the transfer never reached end_flag).
var ErrNotResponding = errors.New("recvblock: ack received while not waiting for response")

// ErrTimedOut is returned by Tick once the receiver has heard nothing
// for TimeoutMS.
var ErrTimedOut = errors.New("recvblock: timed out")

// Stats tracks counters for one inbound transfer.
type Stats struct {
	RecvBytes       int
	RecvBitErr      int
	PacketsReceived int
	AcksSent        int
}

// Result reports what OnData/OnAck/SendResponse observed beyond
// "keep receiving".
type Result int

const (
	// ResultStatus means the transfer is still in progress.
	ResultStatus Result = iota
	// ResultCompleteSendResponse means the final fragment has been
	// reassembled and the caller should now produce a response (or
	// decline one) via SendResponse.
	ResultCompleteSendResponse
	// ResultComplete means the sender acked the response result and
	// the transfer is fully done.
	ResultComplete
)

// Block receives one payload as a sequence of Data frames, acking each
// in turn, and carries the eventual response handshake.
type Block struct {
	fec       bool
	packetIdx uint16

	lastHeardMS int
	lastSentMS  int

	waitingForResponse bool
	response           *bool

	dataOutput io.Writer
	stats      Stats
}

// New creates a Block expecting a transfer whose first frame carries
// packet_idx=0 with start_flag set.
func New(fecEnabled bool, out io.Writer) *Block {
	return &Block{
		fec:        fecEnabled,
		dataOutput: out,
	}
}

// Stats returns a snapshot of the transfer's counters.
func (b *Block) Stats() Stats {
	return b.stats
}

func (b *Block) ack(idx uint16, nack, response, pending bool, corrected int) packet.AckPacket {
	b.stats.AcksSent++

	return packet.AckPacket{
		PacketIdx:       idx,
		NACK:            nack,
		Response:        response,
		PendingResponse: pending,
		CorrectedErrors: uint16(corrected),
	}
}

// OnData feeds one Data frame's already-decoded header and payload
// (plus the FEC-corrected byte count the packet codec reported) to the
// transfer. decodeErr, if non-nil, is the ErrTooManyFECErrors the
// packet codec returned for this frame's payload; dp is still populated
// from the header in that case so the NACK below can reference it.
//
// It returns the Ack to transmit (nil if the frame is silently
// ignored, e.g. one further ahead than what's expected) and whether the
// transfer has moved to awaiting a response.
func (b *Block) OnData(dp packet.DataPacket, decodeErr error, corrected int) (*packet.AckPacket, Result, error) {
	logicalIdx := dp.PacketIdx
	if dp.StartFlag {
		logicalIdx = 0
	}

	if b.waitingForResponse {
		// The final fragment is already banked; a copy of it here means
		// our pending/response ack was lost. Repeat that ack instead of
		// writing the payload a second time.
		if logicalIdx != b.packetIdx {
			return nil, ResultStatus, nil
		}

		b.lastHeardMS = 0
		b.lastSentMS = 0

		var ack packet.AckPacket
		if b.response == nil {
			ack = b.ack(logicalIdx, false, false, true, corrected)
		} else {
			ack = b.ack(logicalIdx, false, *b.response, false, 0)
		}

		return &ack, ResultStatus, nil
	}

	switch {
	case logicalIdx == b.packetIdx:
		b.lastHeardMS = 0
		b.lastSentMS = 0

		if decodeErr != nil {
			if errors.Is(decodeErr, packet.ErrTooManyFECErrors) {
				ack := b.ack(logicalIdx, true, false, false, corrected)
				return &ack, ResultStatus, decodeErr
			}
			return nil, ResultStatus, decodeErr
		}

		b.stats.PacketsReceived++
		b.stats.RecvBytes += len(dp.Payload)

		if _, err := b.dataOutput.Write(dp.Payload); err != nil {
			return nil, ResultStatus, err
		}

		if dp.EndFlag {
			ack := b.ack(logicalIdx, false, false, true, corrected)
			b.waitingForResponse = true
			return &ack, ResultCompleteSendResponse, nil
		}

		ack := b.ack(logicalIdx, false, false, false, corrected)
		b.packetIdx++
		return &ack, ResultStatus, nil

	case logicalIdx < b.packetIdx:
		b.lastHeardMS = 0
		b.lastSentMS = 0

		ack := b.ack(logicalIdx, false, false, false, 0)
		return &ack, ResultStatus, nil
	}

	return nil, ResultStatus, nil
}

// OnAck handles an incoming Ack while the Block is waiting on a
// response result: any Ack received in that state completes the
// transfer. Receiving one outside that state is the peer's protocol
// error.
func (b *Block) OnAck(packet.AckPacket) (Result, error) {
	if !b.waitingForResponse {
		return ResultStatus, ErrNotResponding
	}

	return ResultComplete, nil
}

// Tick advances the Block's clocks by elapsedMS. While waiting for a
// response it periodically re-announces pending_response (or, once
// SendResponse has been called, re-sends the response result) until the
// sender acks. The TimeoutMS limit applies there only once SendResponse
// has been called; pending_response is re-announced without limit.
// Outside that state it simply times out after TimeoutMS of silence.
func (b *Block) Tick(elapsedMS int) (*packet.AckPacket, error) {
	b.lastHeardMS += elapsedMS
	b.lastSentMS += elapsedMS

	if b.waitingForResponse {
		if b.lastSentMS >= PendingRepeatMS {
			var ack packet.AckPacket

			if b.response == nil {
				ack = b.ack(b.packetIdx, false, false, true, 0)
			} else {
				if b.lastHeardMS >= TimeoutMS {
					return nil, ErrTimedOut
				}

				ack = b.ack(b.packetIdx, false, *b.response, false, 0)
			}

			b.lastSentMS = 0

			return &ack, nil
		}

		return nil, nil
	}

	if b.lastHeardMS >= TimeoutMS {
		return nil, ErrTimedOut
	}

	return nil, nil
}

// SendResponse records whether a response payload follows and emits the
// Ack that tells the sender so.
func (b *Block) SendResponse(isResponse bool) (*packet.AckPacket, Result, error) {
	if !b.waitingForResponse {
		return nil, ResultStatus, ErrNotResponding
	}

	b.response = &isResponse
	b.lastHeardMS = 0

	ack := b.ack(b.packetIdx, false, isResponse, false, 0)

	return &ack, ResultCompleteSendResponse, nil
}
