package node

import "errors"

// ErrInvalidEvent is returned when a caller-driven event (Connect,
// Disconnect, StartRequest) is issued while the Node is in a state that
// does not accept it.
var ErrInvalidEvent = errors.New("node: invalid event for current state")
