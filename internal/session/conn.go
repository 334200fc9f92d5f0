package session

import "net"

// connWriter adapts a net.Conn to outqueue.Writer. Blocking sockets have
// no buffer-full refusal to model (that is a non-blocking-socket
// concept); a short write or error is treated as a fatal session error.
type connWriter struct {
	conn net.Conn
}

func (w connWriter) Write(frame []byte) (bool, error) {
	n, err := w.conn.Write(frame)
	if err != nil {
		return false, err
	}
	if n != len(frame) {
		return false, net.ErrClosed
	}
	return true, nil
}
