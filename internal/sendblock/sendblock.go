// Package sendblock drives one outbound payload transfer: it fragments a
// byte stream into Data frames bounded by the link's negotiated width,
// waits for Acks, and retransmits on a timer when none arrive. Every
// transfer starts its own packet_idx at 0; there is no session id
// carried on the wire.
package sendblock

import (
	"errors"
	"fmt"
	"io"

	"github.com/kulaginds/rfnet/internal/config"
	"github.com/kulaginds/rfnet/internal/packet"
)

// ErrTimeout is returned once a frame has been resent retry_attempts
// times without a matching Ack.
var ErrTimeout = errors.New("sendblock: retry attempts exhausted")

// Stats tracks counters for one transfer, surfaced to metrics and to the
// caller deciding when a transfer is done.
type Stats struct {
	BytesSent   int
	PacketsSent int
	MissedAcks  int
	RecvBitErr  int
}

// Result reports what OnPacket/Tick observed beyond "keep sending".
type Result int

const (
	// ResultStatus means the transfer is still in progress; Stats has
	// been updated and a frame may have been (re)sent.
	ResultStatus Result = iota
	// ResultPendingResponse means the final fragment's Ack arrived with
	// pending_response set: the peer is still working on a response.
	ResultPendingResponse
	// ResultCompleteNoResponse means the peer finished and has no
	// response payload to send back.
	ResultCompleteNoResponse
	// ResultCompleteResponse means the peer finished and is about to
	// send a response the caller should now read back.
	ResultCompleteResponse
)

// Block sends one payload as a sequence of Data frames over a
// half-duplex link, one in flight at a time.
type Block struct {
	dataReader      io.Reader
	packetIdx       uint16
	pendingResponse bool
	eof             bool
	lastSendMS      int
	retryAttempts   int
	lastFrame       []byte

	stats Stats

	dataSize  int
	linkWidth int
	fecLevel  *uint8

	retryEnabled bool
	retry        config.RetryConfig
}

// New creates a Block that will read dataSize bytes from r, fragmenting
// them into Data frames of at most linkWidth bytes. The first frame
// always carries packet_idx=0 with start_flag set. When retryEnabled is
// false, missed acks are counted but nothing is retransmitted.
func New(r io.Reader, dataSize int, linkWidth int, fecLevel *uint8, retryEnabled bool, retry config.RetryConfig) *Block {
	return &Block{
		dataReader:   r,
		dataSize:     dataSize,
		linkWidth:    linkWidth,
		fecLevel:     fecLevel,
		retryEnabled: retryEnabled,
		retry:        retry,
	}
}

// Stats returns a snapshot of the transfer's counters.
func (b *Block) Stats() Stats {
	return b.stats
}

// SetFEC changes the FEC level used for frames sent from this point on.
func (b *Block) SetFEC(fecLevel *uint8) {
	b.fecLevel = fecLevel
}

func (b *Block) sendData() ([]byte, error) {
	b.retryAttempts = 0
	b.lastSendMS = 0

	bytesPerPacket, err := packet.DataBytesPerPacket(b.linkWidth, b.fecLevel)
	if err != nil {
		return nil, err
	}

	end := b.dataSize-b.stats.BytesSent <= bytesPerPacket
	start := b.packetIdx == 0
	b.eof = end

	frame, consumed, err := packet.EncodeData(b.dataReader, b.packetIdx, start, end, b.linkWidth, b.fecLevel)
	if err != nil {
		return nil, fmt.Errorf("sendblock: encoding data: %w", err)
	}

	b.stats.PacketsSent++
	b.stats.BytesSent += consumed
	b.lastFrame = frame

	return frame, nil
}

func (b *Block) resend() ([]byte, error) {
	b.lastSendMS = 0
	b.retryAttempts++
	b.stats.MissedAcks++

	if b.retryAttempts > b.retry.RetryAttempts {
		return nil, ErrTimeout
	}

	if !b.retryEnabled {
		return nil, nil
	}

	b.stats.PacketsSent++

	return b.lastFrame, nil
}

// Send emits the transfer's first frame (packet_idx=0, start_flag set).
func (b *Block) Send() ([]byte, error) {
	return b.sendData()
}

// OnPacket feeds an incoming packet to the transfer. pkt is ignored
// unless it is an AckPacket matching the Block's current packet_idx; any
// other packet (or a stale/duplicate Ack) returns a nil frame and
// ResultStatus. Retries exhausted while acking a NACK surface as
// ErrTimeout, same as a Tick timeout.
func (b *Block) OnPacket(pkt packet.Packet) ([]byte, Result, error) {
	ack, ok := pkt.(packet.AckPacket)
	if !ok || ack.PacketIdx != b.packetIdx {
		return nil, ResultStatus, nil
	}

	b.lastSendMS = 0
	b.stats.RecvBitErr += int(ack.CorrectedErrors)

	if ack.NACK {
		frame, err := b.resend()
		if err != nil {
			return nil, ResultStatus, err
		}

		return frame, ResultStatus, nil
	}

	if ack.PendingResponse {
		b.pendingResponse = true
		return nil, ResultPendingResponse, nil
	}

	if b.pendingResponse || b.eof {
		if !ack.Response {
			return nil, ResultCompleteNoResponse, nil
		}

		return nil, ResultCompleteResponse, nil
	}

	b.packetIdx++

	frame, err := b.sendData()
	if err != nil {
		return nil, ResultStatus, err
	}

	return frame, ResultStatus, nil
}

// Tick advances the Block's retry clock by elapsedMS and, once more than
// DelayMS + BPS*8*len(last frame)*BPSScale/1000 milliseconds have passed
// without an Ack, resends it. This threshold is computed here and does
// not go through RetryConfig.CalcDelay. While the peer has announced a
// pending response nothing is retransmitted (the peer re-announces
// itself on its own timer, resetting the clock here); the attempt
// budget still runs down so a peer that goes silent mid-response
// surfaces as ErrTimeout.
func (b *Block) Tick(elapsedMS int) ([]byte, Result, error) {
	b.lastSendMS += elapsedMS

	nextRetry := b.retry.DelayMS + int(float64(b.retry.BPS*8*len(b.lastFrame))*(b.retry.BPSScale/1000.0))

	if b.lastSendMS <= nextRetry {
		return nil, ResultStatus, nil
	}

	if b.pendingResponse {
		b.lastSendMS = 0
		b.retryAttempts++
		if b.retryAttempts > b.retry.RetryAttempts {
			return nil, ResultStatus, ErrTimeout
		}
		return nil, ResultStatus, nil
	}

	frame, err := b.resend()
	if err != nil {
		return nil, ResultStatus, err
	}

	return frame, ResultStatus, nil
}
