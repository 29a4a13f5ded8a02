// Package link implements the Link gateway state machine: the
// half-duplex counterpart that listens for a Node, negotiates a
// session, receives a signed request, executes it against an HTTP
// provider, and sends back the response.
package link

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/rs/xid"

	"github.com/kulaginds/rfnet/internal/config"
	"github.com/kulaginds/rfnet/internal/envelope"
	"github.com/kulaginds/rfnet/internal/logging"
	"github.com/kulaginds/rfnet/internal/packet"
	"github.com/kulaginds/rfnet/internal/recvblock"
	"github.com/kulaginds/rfnet/internal/sendblock"
)

// NegotiationTimeoutMS is how long a Connected session waits, with no
// Data frame opening a request, before the Link gives up and returns
// to Idle.
const NegotiationTimeoutMS = 2000

// State names the Link's position in the gateway state machine.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateRequest
	StateResponse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnected:
		return "Connected"
	case StateRequest:
		return "Request"
	case StateResponse:
		return "Response"
	default:
		return "Unknown"
	}
}

// HTTPRequest is the outbound call a Link makes once it has decoded a
// Node's signed REST request. The Link does not check the signature
// itself; it is passed on in the X-rfnet-signature header.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// HTTPResponse is what the external web service returned.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
}

// HTTPProvider executes the REST call a decoded request describes.
type HTTPProvider interface {
	Do(req HTTPRequest) (HTTPResponse, error)
}

// ErrUnsupportedRequest is returned by the HTTP execution path for any
// msg_type other than REST; RFNet's Link only proxies REST calls.
var ErrUnsupportedRequest = errors.New("link: only REST requests are supported")

// MetricsRecorder receives this Link's state transitions and transfer
// counters; internal/metrics implements it. A nil recorder (the default)
// disables all recording at zero cost to the state machine.
type MetricsRecorder interface {
	SetState(state string)
	ObserveSend(sendblock.Stats)
	ObserveRecv(recvblock.Stats)
}

// Link is a gateway endpoint's session state machine. It is driven by
// feeding it every decoded packet and tick; it returns the raw frames
// (already KISS-unframed) the caller should transmit in response.
type Link struct {
	cfg     config.LinkConfig
	retry   config.RetryConfig
	http    HTTPProvider
	metrics MetricsRecorder

	state         State
	remote        string
	correlationID string
	log           *logging.Logger
	idleMS        int
	broadcastMS   int

	recv       *recvblock.Block
	send       *sendblock.Block
	requestBuf bytes.Buffer
}

// New creates a Link in the Idle state.
func New(cfg config.LinkConfig, retry config.RetryConfig, http HTTPProvider) *Link {
	return &Link{
		cfg:   cfg,
		retry: retry,
		http:  http,
		state: StateIdle,
		log:   logging.Default().Named("link"),
	}
}

// State reports the Link's current position in the state machine.
func (l *Link) State() State {
	return l.state
}

// SetMetrics attaches a MetricsRecorder; pass nil to detach it.
func (l *Link) SetMetrics(m MetricsRecorder) {
	l.metrics = m
}

// CorrelationID returns the log/metrics-only identifier generated for
// the active session (valid once past Idle). It never appears on the
// wire: every transfer's first Data frame carries packet_idx=0.
func (l *Link) CorrelationID() string {
	return l.correlationID
}

func (l *Link) encode(pkt packet.Packet) ([]byte, error) {
	if dp, ok := pkt.(packet.DataPacket); ok {
		return nil, fmt.Errorf("link: use sendblock for Data frames, got %+v", dp)
	}

	return packet.Encode(pkt, l.cfg.FECEnabled)
}

func (l *Link) linkOpened() ([]byte, error) {
	return l.encode(packet.ControlPacket{
		CtrlType:       packet.CtrlLinkOpened,
		SourceCallsign: l.cfg.Callsign,
		DestCallsign:   l.remote,
	})
}

func (l *Link) linkClear() ([]byte, error) {
	return l.encode(packet.ControlPacket{
		CtrlType:       packet.CtrlLinkClear,
		SourceCallsign: l.cfg.Callsign,
		DestCallsign:   l.remote,
	})
}

func (l *Link) setState(s State) {
	l.state = s
	if l.metrics != nil {
		l.metrics.SetState(s.String())
	}
}

func (l *Link) toConnected(remote string) ([]byte, error) {
	l.setState(StateConnected)
	l.remote = remote
	l.correlationID = xid.New().String()
	l.log = logging.Default().Named("link").WithSession(l.correlationID)
	l.idleMS = 0
	l.recv = nil
	l.send = nil
	l.requestBuf.Reset()

	l.log.Info("connected to %s", remote)

	return l.linkOpened()
}

func (l *Link) toIdle() ([]byte, error) {
	frame, err := l.linkClear()

	l.setState(StateIdle)
	l.remote = ""
	l.log = logging.Default().Named("link")
	l.recv = nil
	l.send = nil

	return frame, err
}

// Broadcast returns the periodic beacon frame this Link announces
// itself with while Idle.
func (l *Link) Broadcast() ([]byte, error) {
	return l.encode(packet.BroadcastPacket{
		FECEnabled:   l.cfg.FECEnabled,
		RetryEnabled: l.cfg.RetryEnabled,
		MajorVer:     uint8(l.cfg.MajorVersion),
		MinorVer:     uint8(l.cfg.MinorVersion),
		LinkWidth:    uint16(l.cfg.LinkWidth),
		Callsign:     l.cfg.Callsign,
	})
}

// OnPacket feeds one decoded incoming frame to the state machine and
// returns the frame(s), in order, the Link should transmit back.
// corrected/decodeErr carry the packet codec's FEC-correction outcome
// for the frame, as DecodeFrame reports it.
func (l *Link) OnPacket(pkt packet.Packet, corrected int, decodeErr error) ([][]byte, error) {
	switch l.state {
	case StateIdle:
		ctrl, ok := pkt.(packet.ControlPacket)
		if !ok || ctrl.CtrlType != packet.CtrlLinkRequest {
			return nil, nil
		}

		frame, err := l.toConnected(ctrl.SourceCallsign)
		if err != nil {
			return nil, err
		}

		return [][]byte{frame}, nil

	case StateConnected:
		return l.onPacketConnected(pkt)

	case StateRequest:
		return l.onPacketRequest(pkt, corrected, decodeErr)

	case StateResponse:
		return l.onPacketResponse(pkt, corrected, decodeErr)
	}

	return nil, nil
}

func (l *Link) onPacketConnected(pkt packet.Packet) ([][]byte, error) {
	switch p := pkt.(type) {
	case packet.ControlPacket:
		switch p.CtrlType {
		case packet.CtrlLinkRequest:
			l.idleMS = 0
			frame, err := l.linkOpened()
			if err != nil {
				return nil, err
			}
			return [][]byte{frame}, nil
		case packet.CtrlLinkClose:
			frame, err := l.toIdle()
			if err != nil {
				return nil, err
			}
			return [][]byte{frame}, nil
		}
		return nil, nil

	case packet.DataPacket:
		if !p.StartFlag || p.PacketIdx != 0 {
			return nil, nil
		}

		l.setState(StateRequest)
		l.recv = recvblock.New(l.cfg.FECEnabled, &l.requestBuf)

		return l.feedRequestData(p, nil, 0)
	}

	return nil, nil
}

// feedRequestData forwards one Data frame to the Request-state
// RecvBlock and, once the transfer's final fragment lands, runs the
// HTTP exchange synchronously and drives the Link on into building the
// response SendBlock.
func (l *Link) feedRequestData(dp packet.DataPacket, decodeErr error, corrected int) ([][]byte, error) {
	ack, result, err := l.recv.OnData(dp, decodeErr, corrected)

	var frames [][]byte

	if ack != nil {
		frame, eerr := l.encode(*ack)
		if eerr != nil {
			return nil, eerr
		}
		frames = append(frames, frame)
	}

	if err != nil {
		if errors.Is(err, packet.ErrTooManyFECErrors) {
			return frames, nil
		}

		l.log.Warn("disconnecting request session with %s: %v", l.remote, err)

		clear, cerr := l.toIdle()
		if cerr != nil {
			return nil, cerr
		}

		return [][]byte{clear}, nil
	}

	if result != recvblock.ResultCompleteSendResponse {
		return frames, nil
	}

	respFrames, rerr := l.completeRequest()
	if rerr != nil {
		return nil, rerr
	}

	return append(frames, respFrames...), nil
}

// completeRequest runs the decoded request against the HTTP provider,
// encodes the result, and moves the Link into the Response state with
// a fresh SendBlock carrying the response bytes. On any failure to even
// produce a response, the Link declines and returns to Connected.
func (l *Link) completeRequest() ([][]byte, error) {
	if l.metrics != nil {
		l.metrics.ObserveRecv(l.recv.Stats())
	}

	respBytes, err := l.handleRequest(l.requestBuf.Bytes())
	if err != nil {
		l.log.Warn("request from %s failed: %v", l.remote, err)

		ack, _, serr := l.recv.SendResponse(false)
		if serr != nil {
			return nil, serr
		}

		frame, eerr := l.encode(*ack)
		if eerr != nil {
			return nil, eerr
		}

		reopen, rerr := l.toConnected(l.remote)
		if rerr != nil {
			return nil, rerr
		}

		return [][]byte{frame, reopen}, nil
	}

	ack, _, serr := l.recv.SendResponse(true)
	if serr != nil {
		return nil, serr
	}

	frame, eerr := l.encode(*ack)
	if eerr != nil {
		return nil, eerr
	}

	var fecLevel *uint8
	if l.cfg.FECEnabled {
		k := uint8(0)
		fecLevel = &k
	}

	l.send = sendblock.New(bytes.NewReader(respBytes), len(respBytes), l.cfg.LinkWidth, fecLevel, l.cfg.RetryEnabled, l.retry)
	l.setState(StateResponse)

	first, serr := l.send.Send()
	if serr != nil {
		return nil, serr
	}

	return [][]byte{frame, first}, nil
}

func (l *Link) onPacketRequest(pkt packet.Packet, corrected int, decodeErr error) ([][]byte, error) {
	if _, ok := pkt.(packet.ControlPacket); ok {
		// The peer missed our LinkOpened/Ack; any Control packet here
		// just means "resend it."
		frame, err := l.linkOpened()
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}

	dp, ok := pkt.(packet.DataPacket)
	if !ok {
		return nil, nil
	}

	return l.feedRequestData(dp, decodeErr, corrected)
}

func (l *Link) onPacketResponse(pkt packet.Packet, _ int, _ error) ([][]byte, error) {
	ack, ok := pkt.(packet.AckPacket)
	if !ok {
		return nil, nil
	}

	frame, result, err := l.send.OnPacket(ack)
	if err != nil {
		l.log.Warn("disconnecting response session with %s: %v", l.remote, err)

		clear, cerr := l.toIdle()
		if cerr != nil {
			return nil, cerr
		}

		return [][]byte{clear}, nil
	}

	switch result {
	case sendblock.ResultCompleteResponse, sendblock.ResultCompleteNoResponse:
		if l.metrics != nil {
			l.metrics.ObserveSend(l.send.Stats())
		}
		reopen, rerr := l.toConnected(l.remote)
		if rerr != nil {
			return nil, rerr
		}
		return [][]byte{reopen}, nil
	}

	if frame == nil {
		return nil, nil
	}

	return [][]byte{frame}, nil
}

// Tick advances the Link's internal clocks by elapsedMS and returns any
// frames that fall out of a timeout or retransmit.
func (l *Link) Tick(elapsedMS int) ([][]byte, error) {
	switch l.state {
	case StateIdle:
		if l.cfg.BroadcastRate <= 0 {
			return nil, nil
		}

		l.broadcastMS += elapsedMS
		if l.broadcastMS < l.cfg.BroadcastRate {
			return nil, nil
		}

		l.broadcastMS = 0

		frame, err := l.Broadcast()
		if err != nil {
			return nil, err
		}

		return [][]byte{frame}, nil

	case StateConnected:
		l.idleMS += elapsedMS
		if l.idleMS >= NegotiationTimeoutMS {
			frame, err := l.toIdle()
			if err != nil {
				return nil, err
			}
			return [][]byte{frame}, nil
		}
		return nil, nil

	case StateRequest:
		ack, err := l.recv.Tick(elapsedMS)
		if err != nil {
			l.log.Warn("request session with %s timed out: %v", l.remote, err)
			clear, cerr := l.toIdle()
			if cerr != nil {
				return nil, cerr
			}
			return [][]byte{clear}, nil
		}
		if ack == nil {
			return nil, nil
		}
		frame, eerr := l.encode(*ack)
		if eerr != nil {
			return nil, eerr
		}
		return [][]byte{frame}, nil

	case StateResponse:
		frame, _, err := l.send.Tick(elapsedMS)
		if err != nil {
			l.log.Warn("response session with %s timed out: %v", l.remote, err)
			clear, cerr := l.toIdle()
			if cerr != nil {
				return nil, cerr
			}
			return [][]byte{clear}, nil
		}
		if frame == nil {
			return nil, nil
		}
		return [][]byte{frame}, nil
	}

	return nil, nil
}

// handleRequest decodes the reassembled request envelope, executes it
// against the HTTP provider, and encodes the response envelope. Any
// failure short of a hard transport error is folded into an error REST
// response rather than propagated, so the Link always has something to
// send back: code 500, except for a non-UTF-8 response body, which keeps
// the backend's status code.
func (l *Link) handleRequest(raw []byte) ([]byte, error) {
	req, err := envelope.DecodeRequest(raw)
	if err != nil {
		return envelope.EncodeResponse(errorResponse(500, "error decoding request message"))
	}

	if req.MsgType != envelope.MsgREST {
		return envelope.EncodeResponse(errorResponse(500, ErrUnsupportedRequest.Error()))
	}

	httpReq, err := buildHTTPRequest(req)
	if err != nil {
		return envelope.EncodeResponse(errorResponse(500, err.Error()))
	}

	resp, err := l.http.Do(httpReq)
	if err != nil {
		return envelope.EncodeResponse(errorResponse(500, fmt.Sprintf("unable to issue http request: %v", err)))
	}

	if !utf8.Valid(resp.Body) {
		return envelope.EncodeResponse(errorResponse(resp.StatusCode, "unable to decode utf-8 response body"))
	}

	return envelope.EncodeResponse(envelope.ResponseMessage{
		MsgType: envelope.MsgREST,
		REST: envelope.RESTResponse{
			Code: uint16(resp.StatusCode),
			Body: resp.Body,
		},
	})
}

func errorResponse(code int, msg string) envelope.ResponseMessage {
	return envelope.ResponseMessage{
		MsgType: envelope.MsgREST,
		REST: envelope.RESTResponse{
			Code: uint16(code),
			Body: []byte(msg),
		},
	}
}

// buildHTTPRequest turns a decoded REST sub-message into the outbound
// call, attaching the signature and sequence id as headers so the
// backend can apply its own key policy.
func buildHTTPRequest(req envelope.RequestMessage) (HTTPRequest, error) {
	token, ok := restMethodToken(req.REST.Method)
	if !ok {
		return HTTPRequest{}, fmt.Errorf("unsupported method %d", req.REST.Method)
	}

	headers := make(http.Header)

	for _, line := range strings.Split(req.REST.Headers, "\r\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	headers.Set("X-rfnet-signature", base64.StdEncoding.EncodeToString(req.Signature[:]))
	headers.Set("X-rfnet-sequence_id", fmt.Sprintf("%d", req.SequenceID))

	return HTTPRequest{
		Method:  token,
		URL:     req.REST.URL,
		Headers: headers,
		Body:    req.REST.Body,
	}, nil
}

func restMethodToken(m envelope.RESTMethod) (string, bool) {
	switch m {
	case envelope.MethodGET:
		return "GET", true
	case envelope.MethodPUT:
		return "PUT", true
	case envelope.MethodPOST:
		return "POST", true
	case envelope.MethodPATCH:
		return "PATCH", true
	case envelope.MethodDELETE:
		return "DELETE", true
	default:
		return "", false
	}
}

