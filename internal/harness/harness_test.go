package harness_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulaginds/rfnet/internal/config"
	"github.com/kulaginds/rfnet/internal/envelope"
	"github.com/kulaginds/rfnet/internal/harness"
	"github.com/kulaginds/rfnet/internal/link"
	"github.com/kulaginds/rfnet/internal/node"
	"github.com/kulaginds/rfnet/internal/packet"
)

type stubHTTP struct {
	resp    link.HTTPResponse
	lastReq link.HTTPRequest
}

func (s *stubHTTP) Do(req link.HTTPRequest) (link.HTTPResponse, error) {
	s.lastReq = req
	return s.resp, nil
}

func testLinkConfig() config.LinkConfig {
	return config.LinkConfig{
		Callsign:      "KI7EST",
		LinkWidth:     64,
		FECEnabled:    true,
		RetryEnabled:  true,
		MajorVersion:  1,
		MinorVersion:  0,
		BroadcastRate: 10_000,
	}
}

func testRetry() config.RetryConfig {
	return config.RetryConfig{DelayMS: 0, BPS: 1200, BPSScale: 1.0, RetryAttempts: 5}
}

// A Link with a broadcast period emits one Broadcast beacon once
// that period elapses, advertising its negotiated capabilities.
func TestBroadcastDiscovery(t *testing.T) {
	cfg := testLinkConfig()
	l := link.New(cfg, testRetry(), &stubHTTP{})

	frames, err := l.Tick(10_000)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	pkt, _, err := packet.DecodeFrame(frames[0], cfg.LinkWidth, cfg.FECEnabled)
	require.NoError(t, err)

	bp, ok := pkt.(packet.BroadcastPacket)
	require.True(t, ok)
	assert.True(t, bp.FECEnabled)
	assert.True(t, bp.RetryEnabled)
	assert.EqualValues(t, cfg.LinkWidth, bp.LinkWidth)
	assert.Equal(t, "KI7EST", bp.Callsign)
}

// A Link in Idle that hears a LinkRequest addressed to it opens a
// session and re-emits the same LinkOpened on a duplicate request.
func TestNegotiation(t *testing.T) {
	cfg := testLinkConfig()
	l := link.New(cfg, testRetry(), &stubHTTP{})

	req := packet.ControlPacket{CtrlType: packet.CtrlLinkRequest, SourceCallsign: "KI7EST-1", DestCallsign: "KI7EST"}

	frames, err := l.OnPacket(req, 0, nil)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, link.StateConnected, l.State())

	opened1, _, err := packet.DecodeFrame(frames[0], cfg.LinkWidth, cfg.FECEnabled)
	require.NoError(t, err)
	ctrl1 := opened1.(packet.ControlPacket)
	assert.Equal(t, packet.CtrlLinkOpened, ctrl1.CtrlType)
	assert.Equal(t, "KI7EST", ctrl1.SourceCallsign)
	assert.Equal(t, "KI7EST-1", ctrl1.DestCallsign)

	// Duplicate LinkRequest: idempotent, same LinkOpened re-emitted.
	frames, err = l.OnPacket(req, 0, nil)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, link.StateConnected, l.State())

	opened2, _, err := packet.DecodeFrame(frames[0], cfg.LinkWidth, cfg.FECEnabled)
	require.NoError(t, err)
	assert.Equal(t, ctrl1, opened2.(packet.ControlPacket))
}

// A Connected Link with no further traffic times out back to Idle,
// clearing the session.
func TestConnectedIdleTimeout(t *testing.T) {
	cfg := testLinkConfig()
	l := link.New(cfg, testRetry(), &stubHTTP{})

	_, err := l.OnPacket(packet.ControlPacket{
		CtrlType: packet.CtrlLinkRequest, SourceCallsign: "KI7EST-1", DestCallsign: "KI7EST",
	}, 0, nil)
	require.NoError(t, err)

	frames, err := l.Tick(link.NegotiationTimeoutMS)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, link.StateIdle, l.State())

	pkt, _, err := packet.DecodeFrame(frames[0], cfg.LinkWidth, cfg.FECEnabled)
	require.NoError(t, err)
	ctrl := pkt.(packet.ControlPacket)
	assert.Equal(t, packet.CtrlLinkClear, ctrl.CtrlType)
	assert.Equal(t, "KI7EST", ctrl.SourceCallsign)
	assert.Equal(t, "KI7EST-1", ctrl.DestCallsign)
}

// establishedPair builds a Node and Link already Established over a
// fresh Harness, applying the given Node→Link hooks.
func establishedPair(t *testing.T, nodeToLinkEvery, nodeToLinkData harness.FrameHook) (*harness.Harness, *stubHTTP) {
	t.Helper()

	cfg := testLinkConfig()
	stub := &stubHTTP{resp: link.HTTPResponse{StatusCode: 200, Body: []byte("Test")}}
	l := link.New(cfg, testRetry(), stub)

	remote := config.LinkConfig{
		Callsign: cfg.Callsign, LinkWidth: cfg.LinkWidth, FECEnabled: cfg.FECEnabled,
		RetryEnabled: cfg.RetryEnabled, MajorVersion: cfg.MajorVersion, MinorVersion: cfg.MinorVersion,
	}
	n := node.New("KI7EST-1", &remote, testRetry())

	h := harness.New(n, l, cfg.LinkWidth, cfg.FECEnabled,
		harness.NewWire(nodeToLinkEvery, nodeToLinkData),
		harness.NewWire(nil, nil))

	// A seeded Node still starts out Listening and must sit out the
	// listen window before Connect is legal.
	_, _, err := n.Tick(node.ListenTimeoutMS)
	require.NoError(t, err)
	require.Equal(t, node.StateIdle, n.State())

	frames, err := n.Connect()
	require.NoError(t, err)
	require.NoError(t, h.SendToLink(frames))

	_, err = h.Run(0, 10, func(ev node.Event) bool {
		_, ok := ev.(node.ConnectedEvent)
		return ok
	})
	require.NoError(t, err)
	require.Equal(t, node.StateEstablished, n.State())
	require.Equal(t, link.StateConnected, l.State())

	return h, stub
}

func testRequestBytes(t *testing.T) []byte {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	reqMsg := envelope.RequestMessage{
		Addr:       "KI7EST@rfnet.net",
		SequenceID: 1000,
		MsgType:    envelope.MsgREST,
		REST: envelope.RESTRequest{
			Method:  envelope.MethodGET,
			URL:     "http://rfnet.net/test",
			Headers: "header1: foo\r\nheader2: bar",
			Body:    []byte("Body"),
		},
	}

	reqBytes, err := envelope.EncodeRequest(reqMsg, priv)
	require.NoError(t, err)

	return reqBytes
}

func runUntilResponse(t *testing.T, h *harness.Harness, tickMS, maxCycles int) envelope.ResponseMessage {
	t.Helper()

	var response envelope.ResponseMessage
	var got bool

	_, err := h.Run(tickMS, maxCycles, func(ev node.Event) bool {
		rc, ok := ev.(node.ResponseCompleteEvent)
		if !ok {
			return false
		}
		require.NoError(t, rc.Err)
		require.True(t, rc.HasResponse)
		response = rc.Response
		got = true
		return true
	})
	require.NoError(t, err)
	require.True(t, got, "response did not complete within %d cycles", maxCycles)

	return response
}

// A full Node→Link request/response round trip over the harness.
func TestEndToEndGet(t *testing.T) {
	h, stub := establishedPair(t, nil, nil)

	frames, err := h.Node.StartRequest(testRequestBytes(t))
	require.NoError(t, err)
	require.NoError(t, h.SendToLink(frames))

	resp := runUntilResponse(t, h, 0, 200)

	assert.EqualValues(t, 200, resp.REST.Code)
	assert.Equal(t, "Test", string(resp.REST.Body))
	assert.Equal(t, "GET", stub.lastReq.Method)
}

// Dropping every second Node→Link frame still completes the
// transfer, at the cost of roughly doubling missed acks.
func TestDropEveryOtherNodeFrame(t *testing.T) {
	h, _ := establishedPair(t, harness.DropEveryNth(2, 1), nil)

	frames, err := h.Node.StartRequest(testRequestBytes(t))
	require.NoError(t, err)
	require.NoError(t, h.SendToLink(frames))

	// A dropped frame only gets resent once the sender's retry timer
	// fires, so the clock has to actually advance here (unlike the
	// lossless and bit-flip runs, where every frame arrives and no
	// retry is ever needed).
	resp := runUntilResponse(t, h, 200, 400)

	assert.EqualValues(t, 200, resp.REST.Code)
	assert.Equal(t, "Test", string(resp.REST.Body))
}

// Flipping one bit per Data frame still yields the correct final
// response, with FEC absorbing the correctable flips.
func TestBitFlipOnData(t *testing.T) {
	h, _ := establishedPair(t, nil, harness.BitFlipData())

	frames, err := h.Node.StartRequest(testRequestBytes(t))
	require.NoError(t, err)
	require.NoError(t, h.SendToLink(frames))

	resp := runUntilResponse(t, h, 0, 400)

	assert.EqualValues(t, 200, resp.REST.Code)
	assert.Equal(t, "Test", string(resp.REST.Body))
}
