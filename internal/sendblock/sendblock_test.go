package sendblock_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulaginds/rfnet/internal/config"
	"github.com/kulaginds/rfnet/internal/packet"
	"github.com/kulaginds/rfnet/internal/sendblock"
)

func fecLevel(k uint8) *uint8 {
	return &k
}

func testRetry() config.RetryConfig {
	return config.RetryConfig{DelayMS: 0, BPS: 1200, BPSScale: 1.0, RetryAttempts: 5}
}

func seqData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestSend(t *testing.T) {
	data := seqData(16)

	send := sendblock.New(bytes.NewReader(data), len(data), 32, fecLevel(0), true, testRetry())

	frame, err := send.Send()
	require.NoError(t, err)

	decoded, corrected, err := packet.DecodeFrame(frame, 32, true)
	require.NoError(t, err)
	assert.Zero(t, corrected)

	dp, ok := decoded.(packet.DataPacket)
	require.True(t, ok)
	assert.EqualValues(t, 0, dp.PacketIdx)
	assert.True(t, dp.StartFlag)
	assert.True(t, dp.EndFlag)
	assert.Zero(t, dp.FECBytes)
	assert.Equal(t, data, dp.Payload)

	ack := packet.AckPacket{PacketIdx: 0, PendingResponse: true, CorrectedErrors: 5}

	_, result, err := send.OnPacket(ack)
	require.NoError(t, err)
	assert.Equal(t, sendblock.ResultPendingResponse, result)
	assert.Equal(t, 5, send.Stats().RecvBitErr)

	ack.PendingResponse = false
	ack.Response = false

	_, result, err = send.OnPacket(ack)
	require.NoError(t, err)
	assert.Equal(t, sendblock.ResultCompleteNoResponse, result)
}

func TestResend(t *testing.T) {
	data := seqData(16)

	send := sendblock.New(bytes.NewReader(data), len(data), 32, fecLevel(0), true, testRetry())

	frame, err := send.Send()
	require.NoError(t, err)

	expectedResend := (len(frame) * 8 * 1000) / 1200

	for i := 0; i < 5; i++ {
		resent, _, err := send.Tick(expectedResend * 2)
		require.NoError(t, err)
		require.NotNil(t, resent)

		assert.Equal(t, i+1, send.Stats().MissedAcks)

		_, _, err = packet.DecodeFrame(resent, 32, true)
		require.NoError(t, err)
	}

	_, _, err = send.Tick(expectedResend * 2)
	assert.ErrorIs(t, err, sendblock.ErrTimeout)
	assert.Equal(t, 6, send.Stats().MissedAcks)
}

func TestSendLarge(t *testing.T) {
	data := seqData(4096)
	linkWidth := 32
	fec := fecLevel(0)

	bytesPerPacket, err := packet.DataBytesPerPacket(linkWidth, fec)
	require.NoError(t, err)

	send := sendblock.New(bytes.NewReader(data), len(data), linkWidth, fec, true, testRetry())

	frame, err := send.Send()
	require.NoError(t, err)

	remainingFull := len(data)/bytesPerPacket + 1

	var finalData []byte

	for i := 0; i < remainingFull; i++ {
		assert.LessOrEqual(t, len(frame), linkWidth)
		assert.Equal(t, i+1, send.Stats().PacketsSent)

		decoded, _, err := packet.DecodeFrame(frame, linkWidth, true)
		require.NoError(t, err)

		dp, ok := decoded.(packet.DataPacket)
		require.True(t, ok)

		isEnd := dp.EndFlag

		switch {
		case i == 0:
			assert.EqualValues(t, 0, dp.PacketIdx)
			assert.True(t, dp.StartFlag)
		case isEnd:
			assert.EqualValues(t, i, dp.PacketIdx)
			assert.True(t, dp.EndFlag)
		default:
			assert.EqualValues(t, i, dp.PacketIdx)
		}

		assert.Zero(t, dp.FECBytes)

		finalData = append(finalData, dp.Payload...)

		if !isEnd {
			assert.Equal(t, bytesPerPacket*(i+1), send.Stats().BytesSent)
		} else {
			assert.Equal(t, len(data), send.Stats().BytesSent)
		}

		ack := packet.AckPacket{PacketIdx: uint16(i), CorrectedErrors: 5, PendingResponse: isEnd}

		next, result, err := send.OnPacket(ack)
		require.NoError(t, err)

		if isEnd {
			assert.Equal(t, sendblock.ResultPendingResponse, result)
		} else {
			assert.Equal(t, sendblock.ResultStatus, result)
		}

		assert.Equal(t, 5*(i+1), send.Stats().RecvBitErr)

		frame = next
	}

	assert.Equal(t, data, finalData)

	finalAck := packet.AckPacket{PacketIdx: uint16(remainingFull - 1)}

	_, result, err := send.OnPacket(finalAck)
	require.NoError(t, err)
	assert.Equal(t, sendblock.ResultCompleteNoResponse, result)
}

func TestTickWhilePendingDoesNotResend(t *testing.T) {
	data := seqData(16)

	send := sendblock.New(bytes.NewReader(data), len(data), 32, fecLevel(0), true, testRetry())

	frame, err := send.Send()
	require.NoError(t, err)

	_, result, err := send.OnPacket(packet.AckPacket{PacketIdx: 0, PendingResponse: true})
	require.NoError(t, err)
	require.Equal(t, sendblock.ResultPendingResponse, result)

	delay := (len(frame) * 8 * 1000) / 1200

	for i := 0; i < testRetry().RetryAttempts; i++ {
		resent, _, err := send.Tick(delay * 2)
		require.NoError(t, err)
		assert.Nil(t, resent)
	}

	// The peer going silent mid-response still runs the budget down.
	_, _, err = send.Tick(delay * 2)
	assert.ErrorIs(t, err, sendblock.ErrTimeout)
	assert.Zero(t, send.Stats().MissedAcks)
}

func TestRetryDisabledCountsMissedAcks(t *testing.T) {
	data := seqData(16)

	send := sendblock.New(bytes.NewReader(data), len(data), 32, fecLevel(0), false, testRetry())

	frame, err := send.Send()
	require.NoError(t, err)

	delay := (len(frame) * 8 * 1000) / 1200

	resent, _, err := send.Tick(delay * 2)
	require.NoError(t, err)
	assert.Nil(t, resent)
	assert.Equal(t, 1, send.Stats().MissedAcks)
	assert.Equal(t, 1, send.Stats().PacketsSent)
}
