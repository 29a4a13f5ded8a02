package packet_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulaginds/rfnet/internal/packet"
)

func TestRoundTripNonDataPackets(t *testing.T) {
	cases := []struct {
		name string
		pkt  packet.Packet
	}{
		{"broadcast", packet.BroadcastPacket{FECEnabled: true, RetryEnabled: true, MajorVer: 1, MinorVer: 0, LinkWidth: 32, Callsign: "KI7EST"}},
		{"control", packet.ControlPacket{CtrlType: packet.CtrlLinkRequest, SourceCallsign: "KI7EST-1", DestCallsign: "KI7EST"}},
		{"ack", packet.AckPacket{PacketIdx: 1234, Response: true, PendingResponse: true, CorrectedErrors: 0xABC}},
		{"nack", packet.AckPacket{PacketIdx: 1, NACK: true}},
	}

	for _, tc := range cases {
		for _, fecEnabled := range []bool{true, false} {
			t.Run(tc.name, func(t *testing.T) {
				encoded, err := packet.Encode(tc.pkt, fecEnabled)
				require.NoError(t, err)

				decoded, corrected, err := packet.Decode(encoded, fecEnabled)
				require.NoError(t, err)
				assert.Zero(t, corrected)

				if diff := cmp.Diff(tc.pkt, decoded); diff != "" {
					t.Errorf("round trip mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestAckPacketBitLayout(t *testing.T) {
	pkt := packet.AckPacket{PacketIdx: 0x3FFF, Response: true, NACK: true, PendingResponse: true, CorrectedErrors: 0xFFF}

	encoded, err := packet.Encode(pkt, false)
	require.NoError(t, err)
	require.Len(t, encoded, 4)

	decoded, _, err := packet.Decode(encoded, false)
	require.NoError(t, err)
	assert.Equal(t, pkt, decoded)
}

func TestEncodeDataDecodeFrameRoundTrip(t *testing.T) {
	linkWidth := 32

	cases := []struct {
		name    string
		payload []byte
		fec     *uint8
	}{
		{"no fec short payload", []byte("hello world"), nil},
		{"fec short payload", []byte("hello world"), fecLevel(0)},
		{"fec multi block payload", bytes.Repeat([]byte("abcdefgh"), 50), fecLevel(1)},
		{"no fec multi block payload", bytes.Repeat([]byte("abcdefgh"), 50), nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := bytes.NewReader(tc.payload)

			bytesPerPacket, err := packet.DataBytesPerPacket(linkWidth, tc.fec)
			require.NoError(t, err)

			var allFrames [][]byte
			var reassembled bytes.Buffer
			idx := uint16(0)
			remaining := len(tc.payload)

			for {
				end := remaining <= bytesPerPacket
				start := idx == 0

				frame, consumed, err := packet.EncodeData(r, idx, start, end, linkWidth, tc.fec)
				require.NoError(t, err)
				allFrames = append(allFrames, frame)
				remaining -= consumed

				decoded, corrected, err := packet.DecodeFrame(frame, linkWidth, tc.fec != nil)
				require.NoError(t, err)
				assert.Zero(t, corrected)

				data, ok := decoded.(packet.DataPacket)
				require.True(t, ok)
				assert.Equal(t, idx == 0, data.StartFlag)
				assert.Equal(t, end, data.EndFlag)

				reassembled.Write(data.Payload)

				if end {
					break
				}
				idx++
			}

			assert.Equal(t, tc.payload, reassembled.Bytes())
		})
	}
}

func TestDataFECCorrectsHeaderByteFlip(t *testing.T) {
	linkWidth := 32
	fec := fecLevel(1)

	r := bytes.NewReader([]byte("hello"))
	frame, _, err := packet.EncodeData(r, 0, true, true, linkWidth, fec)
	require.NoError(t, err)

	corrupted := append([]byte{}, frame...)
	corrupted[0] ^= 0x01

	decoded, corrected, err := packet.DecodeFrame(corrupted, linkWidth, true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, corrected, 1)

	data, ok := decoded.(packet.DataPacket)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data.Payload)
}

func TestDataFECCorrectsPayloadBlockByteFlip(t *testing.T) {
	linkWidth := 32
	fec := fecLevel(2)

	r := bytes.NewReader([]byte("hello world, this is a test payload"))
	frame, _, err := packet.EncodeData(r, 0, true, true, linkWidth, fec)
	require.NoError(t, err)

	corrupted := append([]byte{}, frame...)
	corrupted[4] ^= 0xFF // inside the first payload block

	decoded, corrected, err := packet.DecodeFrame(corrupted, linkWidth, true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, corrected, 1)

	data, ok := decoded.(packet.DataPacket)
	require.True(t, ok)
	assert.True(t, data.StartFlag)
}

func TestBadFormatOnEmptyFrame(t *testing.T) {
	_, _, err := packet.Decode(nil, false)
	assert.ErrorIs(t, err, packet.ErrBadFormat)
}

func fecLevel(k uint8) *uint8 {
	return &k
}
