package envelope

import "errors"

// ErrMalformed covers any structural problem with an envelope: truncated
// fields, a missing NUL terminator, non-UTF-8 text, or an unknown
// msg_type/method token.
var ErrMalformed = errors.New("envelope: malformed message")
