package ddcmp

import "net"

// udpTransport adapts a connected net.UDPConn to the stream-oriented
// Transport interface Circuit.run expects, by treating each ReadFull of the
// fixed DDCMP header length as "read until the current datagram is
// consumed", matching the Python implementation's rule that each UDP
// packet carries exactly one DDCMP message with no further stream framing.
type udpTransport struct {
	conn    *net.UDPConn
	pending []byte
}

// NewUDPTransport returns a Transport over an already-connected UDP socket.
func NewUDPTransport(conn *net.UDPConn) Transport {
	return &udpTransport{conn: conn}
}

func (u *udpTransport) Read(p []byte) (int, error) {
	for len(u.pending) == 0 {
		buf := make([]byte, 16400)
		n, err := u.conn.Read(buf)
		if err != nil {
			return 0, err
		}
		// Skip leading SYN/DEL filler the same way the stream framer does.
		i := 0
		for i < n && (buf[i] == SYN || buf[i] == DEL) {
			i++
		}
		u.pending = buf[i:n]
	}
	n := copy(p, u.pending)
	u.pending = u.pending[n:]
	return n, nil
}

func (u *udpTransport) Write(p []byte) (int, error) {
	return u.conn.Write(p)
}

func (u *udpTransport) Close() error {
	return u.conn.Close()
}
