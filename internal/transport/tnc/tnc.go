// Package tnc dials and pumps the byte stream a TNC exposes. It is a
// transport boundary only; all framing and protocol logic lives above
// it.
package tnc

import (
	"net"
	"time"
)

// DialTCP connects to a TNC exposing a KISS TCP interface (the common
// case for software TNCs such as direwolf).
func DialTCP(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// ListenTCP accepts a single inbound KISS TCP connection on addr. A Link
// gateway dials out to its TNC in most deployments, but some software
// TNCs instead connect out to a fixed client port, so both directions
// are supported.
func ListenTCP(addr string) (net.Conn, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	return l.Accept()
}

// ReadPump reads raw bytes from conn into a fixed 4 KiB buffer and invokes
// onBytes with whatever is newly available on each read. It returns
// when conn's Read returns a non-timeout error (including io.EOF on
// close).
func ReadPump(conn net.Conn, readTimeout time.Duration, onBytes func([]byte)) error {
	buf := make([]byte, 4096)

	for {
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			onBytes(buf[:n])
		}

		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
	}
}
