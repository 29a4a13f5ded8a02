package node

import "github.com/kulaginds/rfnet/internal/envelope"

// Event is the sum type of everything the Node state machine surfaces
// to its owner.
type Event interface {
	eventKind() string
}

// ConnectedEvent fires once a Negotiating session hears LinkOpened from
// the expected peer.
type ConnectedEvent struct{}

func (ConnectedEvent) eventKind() string { return "Connected" }

// ConnectionFailedEvent fires when Negotiating exhausts its retry
// budget with no LinkOpened heard.
type ConnectionFailedEvent struct{}

func (ConnectionFailedEvent) eventKind() string { return "ConnectionFailed" }

// DisconnectedEvent fires when an Established session is torn down by
// the peer (a Control(LinkClear)) or by its own idle timeout.
type DisconnectedEvent struct{}

func (DisconnectedEvent) eventKind() string { return "Disconnected" }

// StateChangeEvent fires on every state transition the Node makes from
// OnBytes or Tick, naming the state left and the state entered. The
// transitions made by Connect, Disconnect and StartRequest raise no
// event.
type StateChangeEvent struct {
	Old State
	New State
}

func (StateChangeEvent) eventKind() string { return "StateChange" }

// SendProgressEvent reports how many of a request's total bytes have
// been sent so far. Sent includes the fragment still awaiting its Ack;
// it is not a count of acknowledged bytes.
type SendProgressEvent struct {
	Sent  int
	Total int
}

func (SendProgressEvent) eventKind() string { return "SendProgress" }

// RecvProgressEvent reports how many response bytes have been
// reassembled so far.
type RecvProgressEvent struct {
	Bytes int
}

func (RecvProgressEvent) eventKind() string { return "RecvProgress" }

// ResponseCompleteEvent fires once a request/response cycle has fully
// concluded. HasResponse is false when the peer reported no response
// payload. Err is set when the response envelope was malformed; the Node
// surfaces that as this event rather than a hard error. A failed
// transfer raises no such event: OnBytes or Tick returns the error.
type ResponseCompleteEvent struct {
	Response    envelope.ResponseMessage
	HasResponse bool
	Err         error
}

func (ResponseCompleteEvent) eventKind() string { return "ResponseComplete" }
