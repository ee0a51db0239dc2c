package sc

import "github.com/pkoning2/godecnet/nsp"

// MirrorObjectNumber is the well-known object number of the loopback
// mirror, the standard DECnet link test responder.
const MirrorObjectNumber = 25

// NewMirror returns an Application implementing the MIRROR protocol: accept
// every inbound connection, then echo every received data message back
// unchanged behind the response function code.
func NewMirror() Application { return mirror{} }

type mirror struct{}

// mirrorAcceptData advertises the maximum loop data length, 0xFFFF.
var mirrorAcceptData = []byte{0xFF, 0xFF}

func (mirror) OnConnect(conn *nsp.Connection, objName string, data []byte) {
	conn.Accept(mirrorAcceptData)
}

func (mirror) OnAccept(conn *nsp.Connection, data []byte) {}

// OnData implements the MIRROR wire protocol: a request carries a leading
// function code 0x00 followed by the payload to echo; the reply repeats
// the payload behind function code 0x01.
func (mirror) OnData(conn *nsp.Connection, data []byte) {
	if len(data) == 0 || data[0] != 0x00 {
		return
	}
	echo := make([]byte, len(data))
	echo[0] = 0x01
	copy(echo[1:], data[1:])
	conn.Send(echo)
}

func (mirror) OnInterrupt(conn *nsp.Connection, data []byte) {}

func (mirror) OnDisconnect(conn *nsp.Connection, reason uint16, data []byte) {}
