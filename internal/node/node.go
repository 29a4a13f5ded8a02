// Package node implements the Node client state machine: the
// half-duplex counterpart that listens for a Link's beacon, negotiates
// a session, sends one signed REST request at a time, and collects the
// decoded response. States move strictly Listening -> Idle ->
// Negotiating -> Established, with Sending/Receiving nested inside an
// established session; the Node is always the initiator.
package node

import (
	"bytes"
	"errors"

	"github.com/rs/xid"

	"github.com/kulaginds/rfnet/internal/config"
	"github.com/kulaginds/rfnet/internal/envelope"
	"github.com/kulaginds/rfnet/internal/logging"
	"github.com/kulaginds/rfnet/internal/packet"
	"github.com/kulaginds/rfnet/internal/recvblock"
	"github.com/kulaginds/rfnet/internal/sendblock"
)

// ListenTimeoutMS is how long a Node waits, hearing nothing, before
// treating the channel as idle (once a LinkConfig is known).
const ListenTimeoutMS = 10_000

// EstablishedIdleTimeoutMS is how long an Established session waits
// with no traffic before the Node gives up and returns to Idle.
const EstablishedIdleTimeoutMS = 2000

// State names the Node's position in the client state machine.
type State int

const (
	StateListening State = iota
	StateIdle
	StateNegotiating
	StateEstablished
	StateSending
	StateReceiving
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "Listening"
	case StateIdle:
		return "Idle"
	case StateNegotiating:
		return "Negotiating"
	case StateEstablished:
		return "Established"
	case StateSending:
		return "Sending"
	case StateReceiving:
		return "Receiving"
	default:
		return "Unknown"
	}
}

// MetricsRecorder receives this Node's state transitions and transfer
// counters; internal/metrics implements it. A nil recorder (the default)
// disables all recording at zero cost to the state machine.
type MetricsRecorder interface {
	SetState(state string)
	ObserveSend(sendblock.Stats)
	ObserveRecv(recvblock.Stats)
}

// Node is a client endpoint's session state machine. It is driven by
// feeding it every raw incoming frame payload and every tick; it
// returns the raw frames the caller should transmit in response along
// with any observable Events.
type Node struct {
	callsign string
	retry    config.RetryConfig

	remote  *config.LinkConfig
	metrics MetricsRecorder

	state         State
	correlationID string
	log           *logging.Logger

	idleMS int // Listening

	retryCount    int // Negotiating
	lastAttemptMS int

	establishedMS int // Established

	send      *sendblock.Block // Sending
	sendTotal int

	recv        *recvblock.Block // Receiving
	responseBuf bytes.Buffer
}

// New creates a Node in the Listening state. remote, if non-nil, seeds
// the Node with an already-known LinkConfig, so that a quiet
// ListenTimeoutMS alone moves it to Idle; it is otherwise learned from
// the first Broadcast heard.
func New(callsign string, remote *config.LinkConfig, retry config.RetryConfig) *Node {
	return &Node{
		callsign: callsign,
		retry:    retry,
		remote:   remote,
		state:    StateListening,
		log:      logging.Default().Named("node"),
	}
}

// State reports the Node's current position in the state machine.
func (n *Node) State() State {
	return n.state
}

// RemoteConfig returns the LinkConfig learned (or seeded) so far, or
// nil if none has been heard yet.
func (n *Node) RemoteConfig() *config.LinkConfig {
	return n.remote
}

// SetMetrics attaches a MetricsRecorder; pass nil to detach it.
func (n *Node) SetMetrics(m MetricsRecorder) {
	n.metrics = m
}

// CorrelationID returns the log-only identifier minted for the active
// session (valid once past Negotiating). It is never transmitted.
func (n *Node) CorrelationID() string {
	return n.correlationID
}

func (n *Node) fecEnabled() bool {
	return n.remote != nil && n.remote.FECEnabled
}

func (n *Node) encode(pkt packet.Packet) ([]byte, error) {
	return packet.Encode(pkt, n.fecEnabled())
}

func (n *Node) transition(to State) Event {
	from := n.state
	n.state = to
	if n.metrics != nil {
		n.metrics.SetState(to.String())
	}
	return StateChangeEvent{Old: from, New: to}
}

func linkConfigFromBroadcast(p packet.BroadcastPacket) config.LinkConfig {
	return config.LinkConfig{
		Callsign:     p.Callsign,
		LinkWidth:    int(p.LinkWidth),
		FECEnabled:   p.FECEnabled,
		RetryEnabled: p.RetryEnabled,
		MajorVersion: int(p.MajorVer),
		MinorVersion: int(p.MinorVer),
	}
}

// decodeIncoming tries to make sense of one raw incoming frame. While
// the Node's LinkConfig is unknown it tries fec=true then fec=false,
// since only whole-frame packet kinds are possible before negotiation.
// Once a LinkConfig (and thus a link_width) is known, Data frames
// become decodable too and the known FEC setting is used directly.
// recognized is false for bytes that fail every attempt.
func (n *Node) decodeIncoming(data []byte) (pkt packet.Packet, corrected int, decodeErr error, recognized bool) {
	if n.remote == nil {
		if p, c, err := packet.Decode(data, true); err == nil {
			return p, c, nil, true
		}
		if p, c, err := packet.Decode(data, false); err == nil {
			return p, c, nil, true
		}
		return nil, 0, nil, false
	}

	if n.state == StateSending || n.state == StateReceiving {
		p, c, err := packet.DecodeFrame(data, n.remote.LinkWidth, n.remote.FECEnabled)
		if err != nil {
			if errors.Is(err, packet.ErrTooManyFECErrors) {
				return p, c, err, true
			}
			return nil, 0, nil, false
		}
		return p, c, nil, true
	}

	p, c, err := packet.Decode(data, n.remote.FECEnabled)
	if err != nil {
		return nil, 0, nil, false
	}
	return p, c, nil, true
}

// OnBytes feeds one raw incoming frame payload (already KISS-unframed)
// to the state machine.
func (n *Node) OnBytes(data []byte) ([][]byte, []Event, error) {
	switch n.state {
	case StateListening:
		return n.onBytesListening(data)
	case StateIdle:
		return n.onBytesIdle(data)
	case StateNegotiating:
		return n.onBytesNegotiating(data)
	case StateEstablished:
		return n.onBytesEstablished(data)
	case StateSending:
		return n.onBytesSending(data)
	case StateReceiving:
		return n.onBytesReceiving(data)
	}
	return nil, nil, nil
}

func (n *Node) onBytesListening(data []byte) ([][]byte, []Event, error) {
	pkt, _, decodeErr, recognized := n.decodeIncoming(data)
	if !recognized || decodeErr != nil {
		n.idleMS = 0
		return nil, nil, nil
	}

	switch p := pkt.(type) {
	case packet.BroadcastPacket:
		cfg := linkConfigFromBroadcast(p)
		n.remote = &cfg
		n.log.Info("heard broadcast from %s, channel is idle", cfg.Callsign)
		return nil, []Event{n.transition(StateIdle)}, nil
	case packet.ControlPacket:
		if p.CtrlType == packet.CtrlLinkClear && n.remote != nil {
			return nil, []Event{n.transition(StateIdle)}, nil
		}
		n.idleMS = 0
		return nil, nil, nil
	default:
		n.idleMS = 0
		return nil, nil, nil
	}
}

func (n *Node) onBytesIdle(data []byte) ([][]byte, []Event, error) {
	pkt, _, decodeErr, recognized := n.decodeIncoming(data)
	if !recognized || decodeErr != nil {
		ev := n.transition(StateListening)
		n.idleMS = 0
		return nil, []Event{ev}, nil
	}

	if bp, ok := pkt.(packet.BroadcastPacket); ok {
		cfg := linkConfigFromBroadcast(bp)
		n.remote = &cfg
		return nil, nil, nil
	}

	n.log.Info("non-broadcast packet heard on channel, channel is busy")
	ev := n.transition(StateListening)
	n.idleMS = 0
	return nil, []Event{ev}, nil
}

func (n *Node) onBytesNegotiating(data []byte) ([][]byte, []Event, error) {
	pkt, _, decodeErr, recognized := n.decodeIncoming(data)
	if !recognized || decodeErr != nil || n.remote == nil {
		return nil, nil, nil
	}

	ctrl, ok := pkt.(packet.ControlPacket)
	if !ok || ctrl.CtrlType != packet.CtrlLinkOpened {
		return nil, nil, nil
	}

	if ctrl.SourceCallsign != n.remote.Callsign || ctrl.DestCallsign != n.callsign {
		n.log.Info("discarded link request from %s", ctrl.SourceCallsign)
		return nil, nil, nil
	}

	n.correlationID = xid.New().String()
	n.log = logging.Default().Named("node").WithSession(n.correlationID)
	n.log.Info("link established with %s", ctrl.SourceCallsign)
	n.establishedMS = 0

	return nil, []Event{ConnectedEvent{}, n.transition(StateEstablished)}, nil
}

func (n *Node) onBytesEstablished(data []byte) ([][]byte, []Event, error) {
	pkt, _, decodeErr, recognized := n.decodeIncoming(data)
	if !recognized || decodeErr != nil {
		return nil, nil, nil
	}

	ctrl, ok := pkt.(packet.ControlPacket)
	if !ok || ctrl.CtrlType != packet.CtrlLinkClear {
		return nil, nil, nil
	}
	if ctrl.SourceCallsign != n.remote.Callsign {
		return nil, nil, nil
	}

	ev := n.transition(StateIdle)
	return nil, []Event{DisconnectedEvent{}, ev}, nil
}

func (n *Node) onBytesSending(data []byte) ([][]byte, []Event, error) {
	pkt, _, decodeErr, recognized := n.decodeIncoming(data)
	if !recognized || decodeErr != nil {
		return nil, nil, nil
	}

	ack, ok := pkt.(packet.AckPacket)
	if !ok {
		return nil, nil, nil
	}

	frame, result, err := n.send.OnPacket(ack)
	if err != nil {
		n.log.Warn("send failed, returning to established: %v", err)
		return nil, []Event{n.transition(StateEstablished)}, err
	}

	events := []Event{SendProgressEvent{Sent: n.send.Stats().BytesSent, Total: n.sendTotal}}

	switch result {
	case sendblock.ResultCompleteNoResponse:
		if n.metrics != nil {
			n.metrics.ObserveSend(n.send.Stats())
		}
		events = append(events, ResponseCompleteEvent{HasResponse: false}, n.transition(StateEstablished))
		return nil, events, nil
	case sendblock.ResultCompleteResponse:
		if n.metrics != nil {
			n.metrics.ObserveSend(n.send.Stats())
		}
		n.responseBuf.Reset()
		n.recv = recvblock.New(n.fecEnabled(), &n.responseBuf)
		events = append(events, n.transition(StateReceiving))
		return nil, events, nil
	}

	if frame == nil {
		return nil, events, nil
	}
	return [][]byte{frame}, events, nil
}

func (n *Node) onBytesReceiving(data []byte) ([][]byte, []Event, error) {
	pkt, corrected, decodeErr, recognized := n.decodeIncoming(data)
	if !recognized {
		return nil, nil, nil
	}

	switch p := pkt.(type) {
	case packet.DataPacket:
		ack, result, err := n.recv.OnData(p, decodeErr, corrected)

		var frames [][]byte
		if ack != nil {
			frame, eerr := n.encode(*ack)
			if eerr != nil {
				return nil, nil, eerr
			}
			frames = append(frames, frame)
		}

		if err != nil {
			if errors.Is(err, packet.ErrTooManyFECErrors) {
				return frames, nil, nil
			}
			return frames, nil, err
		}

		events := []Event{RecvProgressEvent{Bytes: n.recv.Stats().RecvBytes}}

		if result != recvblock.ResultCompleteSendResponse {
			return frames, events, nil
		}

		// The Node never chains a response of its own onto what it
		// just received: decline immediately and conclude the
		// transfer.
		declineAck, _, serr := n.recv.SendResponse(false)
		if serr != nil {
			return frames, events, serr
		}

		frame, eerr := n.encode(*declineAck)
		if eerr != nil {
			return frames, events, eerr
		}
		frames = append(frames, frame)

		respEvt := n.concludeResponse()
		events = append(events, respEvt, n.transition(StateEstablished))

		return frames, events, nil

	case packet.AckPacket:
		result, err := n.recv.OnAck(p)
		if err != nil || result != recvblock.ResultComplete {
			return nil, nil, nil
		}

		respEvt := n.concludeResponse()
		return nil, []Event{respEvt, n.transition(StateEstablished)}, nil
	}

	return nil, nil, nil
}

// concludeResponse decodes the reassembled response envelope and
// builds the ResponseCompleteEvent to surface to the owner.
func (n *Node) concludeResponse() Event {
	if n.metrics != nil {
		n.metrics.ObserveRecv(n.recv.Stats())
	}

	respMsg, err := envelope.DecodeResponse(n.responseBuf.Bytes())
	if err != nil {
		return ResponseCompleteEvent{Err: err}
	}
	return ResponseCompleteEvent{Response: respMsg, HasResponse: true}
}

// Tick advances the Node's internal clocks by elapsedMS.
func (n *Node) Tick(elapsedMS int) ([][]byte, []Event, error) {
	switch n.state {
	case StateListening:
		n.idleMS += elapsedMS
		if n.idleMS >= ListenTimeoutMS && n.remote != nil {
			return nil, []Event{n.transition(StateIdle)}, nil
		}
		return nil, nil, nil

	case StateIdle:
		return nil, nil, nil

	case StateNegotiating:
		return n.tickNegotiating(elapsedMS)

	case StateEstablished:
		n.establishedMS += elapsedMS
		if n.establishedMS >= EstablishedIdleTimeoutMS {
			return nil, []Event{DisconnectedEvent{}, n.transition(StateIdle)}, nil
		}
		return nil, nil, nil

	case StateSending:
		frame, _, err := n.send.Tick(elapsedMS)
		if err != nil {
			return nil, []Event{n.transition(StateEstablished)}, err
		}
		if frame == nil {
			return nil, nil, nil
		}
		return [][]byte{frame}, nil, nil

	case StateReceiving:
		ack, err := n.recv.Tick(elapsedMS)
		if err != nil {
			return nil, []Event{n.transition(StateEstablished)}, err
		}
		if ack == nil {
			return nil, nil, nil
		}
		frame, eerr := n.encode(*ack)
		if eerr != nil {
			return nil, nil, eerr
		}
		return [][]byte{frame}, nil, nil
	}

	return nil, nil, nil
}

func ctrlBytes(callsign, remoteCallsign string) int {
	// type byte + callsign + NUL + callsign: the byte count
	// RetryConfig.CalcDelay scales the negotiation retry timeout by.
	return 1 + len(callsign) + 1 + len(remoteCallsign)
}

func (n *Node) tickNegotiating(elapsedMS int) ([][]byte, []Event, error) {
	if n.remote == nil {
		return nil, []Event{n.transition(StateListening)}, nil
	}

	n.lastAttemptMS += elapsedMS

	if n.retryCount >= n.retry.RetryAttempts {
		n.log.Info("failed to connect, resetting to listening")
		n.idleMS = 0
		return nil, []Event{ConnectionFailedEvent{}, n.transition(StateListening)}, nil
	}

	ctrlLen := ctrlBytes(n.callsign, n.remote.Callsign)
	if n.lastAttemptMS < n.retry.CalcDelay(ctrlLen, ctrlLen) {
		return nil, nil, nil
	}

	n.log.Info("failed to hear negotiation response, resending")
	frame, err := n.encode(packet.ControlPacket{
		CtrlType:       packet.CtrlLinkRequest,
		SourceCallsign: n.callsign,
		DestCallsign:   n.remote.Callsign,
	})
	if err != nil {
		return nil, nil, err
	}

	n.lastAttemptMS = 0
	n.retryCount++

	return [][]byte{frame}, nil, nil
}

// Connect moves an Idle Node into Negotiating, sending the initial
// LinkRequest. It is an error to call this outside Idle.
func (n *Node) Connect() ([][]byte, error) {
	if n.state != StateIdle {
		return nil, ErrInvalidEvent
	}
	if n.remote == nil {
		return nil, ErrInvalidEvent
	}

	frame, err := n.encode(packet.ControlPacket{
		CtrlType:       packet.CtrlLinkRequest,
		SourceCallsign: n.callsign,
		DestCallsign:   n.remote.Callsign,
	})
	if err != nil {
		return nil, err
	}

	n.state = StateNegotiating
	n.retryCount = 0
	n.lastAttemptMS = 0

	return [][]byte{frame}, nil
}

// Disconnect tears down an Established session, emitting LinkClose and
// returning immediately to Idle; any in-flight Ack is discarded.
func (n *Node) Disconnect() ([][]byte, error) {
	if n.state != StateEstablished {
		return nil, ErrInvalidEvent
	}

	frame, err := n.encode(packet.ControlPacket{
		CtrlType:       packet.CtrlLinkClose,
		SourceCallsign: n.callsign,
		DestCallsign:   n.remote.Callsign,
	})
	if err != nil {
		return nil, err
	}

	n.state = StateIdle

	return [][]byte{frame}, nil
}

// StartRequest begins sending a signed, already-encoded request
// envelope (as produced by envelope.EncodeRequest) and moves the Node
// from Established into Sending. It is an error to call this outside
// Established.
func (n *Node) StartRequest(reqBytes []byte) ([][]byte, error) {
	if n.state != StateEstablished {
		return nil, ErrInvalidEvent
	}

	var fecLevel *uint8
	if n.fecEnabled() {
		k := uint8(0)
		fecLevel = &k
	}

	n.sendTotal = len(reqBytes)
	n.send = sendblock.New(bytes.NewReader(reqBytes), len(reqBytes), n.remote.LinkWidth, fecLevel, n.remote.RetryEnabled, n.retry)
	n.state = StateSending

	frame, err := n.send.Send()
	if err != nil {
		return nil, err
	}

	return [][]byte{frame}, nil
}
