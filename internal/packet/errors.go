package packet

import "errors"

// ErrBadFormat is returned when a frame's structure cannot be parsed at
// all: wrong length, invalid type discriminant bits, truncated fields.
var ErrBadFormat = errors.New("packet: bad format")

// ErrTooManyFECErrors is returned when a frame carries more corrupted
// bytes than its Reed-Solomon parity can repair.
var ErrTooManyFECErrors = errors.New("packet: too many FEC errors to correct")

// ErrBadLinkWidth is returned at construction time when a link_width is
// too small to carry even a minimal Data header and one payload byte.
var ErrBadLinkWidth = errors.New("packet: link_width too small for header and parity")
