package sc

import (
	"bufio"
	"encoding/json"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/nsp"
	"github.com/pkoning2/godecnet/sched"
)

// processApp runs a "file" object as a subprocess and exchanges Session
// Control events with it as newline-delimited JSON over stdin/stdout,
// exactly as application.py's ProcessConnector does with its DNJsonEncoder/
// DNJsonDecoder pair over subprocess.PIPE. Connection handles sent to the
// subprocess are xid values rather than Python's id(conn) memory address,
// since Go offers no stable pointer-as-integer identity to lean on.
//
// Pipe traffic obeys the node threading contract: the stdout and stderr
// readers are plain blocking pumps that push ApplicationWork items; every
// request is interpreted by Dispatch on the node goroutine, where touching
// NSP state is legal.
type processApp struct {
	disp *Dispatcher
	log  *logrus.Entry
	cmd  *exec.Cmd
	enc  *json.Encoder

	mu      sync.Mutex
	handles map[string]*nsp.Connection
	byConn  map[*nsp.Connection]string
}

type wireMessage struct {
	Handle string `json:"handle"`
	Type   string `json:"type"`
	Data   string `json:"data"`
	Reason uint16 `json:"reason,omitempty"`
}

// wireRequest is a Session Control request arriving from the subprocess:
// accept/reject/data/interrupt/disconnect/abort on an existing handle, or
// connect to open a new outbound link.
type wireRequest struct {
	MType  string `json:"mtype"`
	Handle string `json:"handle"`
	Data   string `json:"data"`
	Reason uint16 `json:"reason"`
	Dest   string `json:"dest"`   // connect: destination node
	Object string `json:"object"` // connect: destination object name
}

// stderrLine is the structured form a subprocess may log in: a level, a
// format string, and arguments. Anything that doesn't parse as this is
// logged verbatim at debug level.
type stderrLine struct {
	Level   int    `json:"level"`
	Message string `json:"message"`
	Args    []any  `json:"args"`
}

func newProcessApp(d *Dispatcher, desc *ObjectDesc) (*processApp, error) {
	cmd := exec.Command(desc.File, desc.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &processApp{
		disp: d,
		log:  d.Log.WithField("object", desc.Name),
		cmd:  cmd, enc: json.NewEncoder(stdin),
		handles: make(map[string]*nsp.Connection),
		byConn:  make(map[*nsp.Connection]string),
	}
	go p.readLoop(stdout)
	go p.logLoop(stderr)
	return p, nil
}

func (p *processApp) handleFor(conn *nsp.Connection) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.byConn[conn]; ok {
		return h
	}
	h := xid.New().String()
	p.byConn[conn] = h
	p.handles[h] = conn
	return h
}

func (p *processApp) connFor(handle string) (*nsp.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.handles[handle]
	return c, ok
}

func (p *processApp) forget(conn *nsp.Connection) {
	p.mu.Lock()
	if h, ok := p.byConn[conn]; ok {
		delete(p.handles, h)
	}
	delete(p.byConn, conn)
	p.mu.Unlock()
}

func (p *processApp) send(msg wireMessage) {
	p.enc.Encode(msg)
}

func (p *processApp) OnConnect(conn *nsp.Connection, objName string, data []byte) {
	p.send(wireMessage{Handle: p.handleFor(conn), Type: "connect", Data: latin1(data)})
}

func (p *processApp) OnAccept(conn *nsp.Connection, data []byte) {
	p.send(wireMessage{Handle: p.handleFor(conn), Type: "accept", Data: latin1(data)})
}

func (p *processApp) OnData(conn *nsp.Connection, data []byte) {
	p.send(wireMessage{Handle: p.handleFor(conn), Type: "data", Data: latin1(data)})
}

func (p *processApp) OnInterrupt(conn *nsp.Connection, data []byte) {
	p.send(wireMessage{Handle: p.handleFor(conn), Type: "interrupt", Data: latin1(data)})
}

func (p *processApp) OnDisconnect(conn *nsp.Connection, reason uint16, data []byte) {
	p.send(wireMessage{Handle: p.handleFor(conn), Type: "disconnect", Data: latin1(data), Reason: reason})
	p.forget(conn)
}

// readLoop decodes requests the subprocess sends back toward Session
// Control, pushing each onto the node work queue so the actual NSP calls
// run on the node goroutine, never here. EOF (the process died or closed
// its pipe) tears the object down.
func (p *processApp) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		var req wireRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			p.log.WithError(err).Debug("sc: undecodable request from object")
			continue
		}
		p.submit(req)
	}
	p.submit(wireRequest{MType: "exit"})
}

// logLoop relays the subprocess's stderr: a JSON {level, message, args}
// line is formatted and logged at info, with its level number attached as
// the "level" field (the number is not mapped to a log level); everything
// else is logged verbatim at debug.
func (p *processApp) logLoop(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := sc.Bytes()
		var structured stderrLine
		if err := json.Unmarshal(line, &structured); err == nil && structured.Message != "" {
			p.log.WithField("level", structured.Level).Infof(structured.Message, structured.Args...)
			continue
		}
		p.log.Debug(string(line))
	}
}

// submit routes one request onto the node goroutine, or handles it inline
// when the Dispatcher has no node (unit tests).
func (p *processApp) submit(req wireRequest) {
	if p.disp.node == nil {
		p.handle(req)
		return
	}
	p.disp.node.AddWork(sched.NewApplicationWork(p, req))
}

// Dispatch implements sched.Owner for ApplicationWork items queued by the
// pipe readers.
func (p *processApp) Dispatch(w sched.Work) {
	if item, ok := w.(sched.ApplicationWork); ok {
		if req, ok := item.Args.(wireRequest); ok {
			p.handle(req)
		}
	}
}

// handle interprets one request on the node goroutine. An unknown verb is
// a protocol violation by the object: all of its connections are torn down
// and the process table entry purged, application.py's dispatch failure
// contract.
func (p *processApp) handle(req wireRequest) {
	switch req.MType {
	case "exit":
		p.abortAll()
		return
	case "connect":
		p.outboundConnect(req)
		return
	}
	conn, ok := p.connFor(req.Handle)
	if !ok {
		p.log.WithField("handle", req.Handle).Debug("sc: request names unknown handle")
		return
	}
	var err error
	switch req.MType {
	case "accept":
		err = conn.Accept(fromLatin1(req.Data))
	case "reject":
		reason := req.Reason
		if reason == 0 {
			reason = RejectByObject
		}
		err = conn.Reject(reason, fromLatin1(req.Data))
		p.forget(conn)
	case "data":
		err = conn.Send(fromLatin1(req.Data))
	case "interrupt":
		err = conn.Interrupt(fromLatin1(req.Data))
	case "disconnect":
		err = conn.Disconnect(req.Reason, fromLatin1(req.Data))
		p.forget(conn)
	case "abort":
		err = conn.Abort(req.Reason, fromLatin1(req.Data))
		p.forget(conn)
	default:
		p.log.WithField("mtype", req.MType).Error("sc: unknown request from object, aborting its connections")
		p.abortAll()
		return
	}
	if err != nil {
		p.log.WithError(err).WithField("mtype", req.MType).Debug("sc: request refused")
	}
}

// outboundConnect opens a new link on behalf of the subprocess.
func (p *processApp) outboundConnect(req wireRequest) {
	n := p.disp.nspEntity()
	if n == nil {
		p.log.Error("sc: object requested connect but no NSP is wired")
		return
	}
	dest, err := addr.ParseNodeId(req.Dest)
	if err != nil {
		p.log.WithError(err).Error("sc: object requested connect to unparsable node")
		return
	}
	conn, err := p.disp.Connect(n, dest, EndUser{Format: FmtName, Name: req.Object}, p, fromLatin1(req.Data))
	if err != nil {
		p.log.WithError(err).Error("sc: object connect failed")
		return
	}
	// Tell the object its new handle right away; accept/reject follows as
	// its own message.
	p.send(wireMessage{Handle: p.handleFor(conn), Type: "connecting"})
}

// abortAll tears down every connection this object owns: reject if still
// awaiting the accept decision, abort otherwise. The object table entry is
// purged so a later connect relaunches the program.
func (p *processApp) abortAll() {
	p.mu.Lock()
	conns := make([]*nsp.Connection, 0, len(p.byConn))
	for c := range p.byConn {
		conns = append(conns, c)
	}
	p.handles = make(map[string]*nsp.Connection)
	p.byConn = make(map[*nsp.Connection]string)
	p.mu.Unlock()
	for _, c := range conns {
		if err := c.Reject(RejectAbandoned, nil); err != nil {
			c.Abort(RejectAbandoned, nil)
		}
		p.disp.forget(c)
	}
	p.disp.dropProcess(p)
}

// latin1 and fromLatin1 map payload bytes onto the JSON string encoding the
// pipe protocol mandates: each byte becomes the same-valued code point.
func latin1(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

func fromLatin1(s string) []byte {
	r := []rune(s)
	b := make([]byte, len(r))
	for i, c := range r {
		if c > 255 {
			c = '?'
		}
		b[i] = byte(c)
	}
	return b
}
