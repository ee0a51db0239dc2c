// Package sc implements the Session Control layer: the object table that
// maps a connect-init's numeric object or textual name to a listening
// application, and the module-vs-subprocess dispatch that lets a "file"
// object run as an external process talking JSON over pipes instead of as
// in-process Go code. Grounded on application.py's BaseConnector/
// ModuleConnector/ProcessConnector split, and on session/tcp.go's
// goroutine-per-blocking-source pattern for the subprocess's stdout/stderr
// reader threads.
package sc

import (
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/nsp"
	"github.com/pkoning2/godecnet/sched"
)

// ErrNoSuchObject signals a connect-init naming an object this node has no
// listener registered for.
var ErrNoSuchObject = errors.New("sc: no such object")

// Application is what an in-process ("module") listener implements to
// receive Session Control events for every connection directed at it.
type Application interface {
	OnConnect(conn *nsp.Connection, objName string, data []byte)
	OnAccept(conn *nsp.Connection, data []byte)
	OnData(conn *nsp.Connection, data []byte)
	OnInterrupt(conn *nsp.Connection, data []byte)
	OnDisconnect(conn *nsp.Connection, reason uint16, data []byte)
}

// ObjectDesc describes one entry in the object table: a module application,
// or a subprocess ("file" object) launched on first connect.
type ObjectDesc struct {
	Number int
	Name   string
	File   string      // executable path for a process object; empty for module
	Args   []string    // extra argv for a process object
	App    Application // in-process application for a module object

	// Authentication demands credentials in the connect data. Password
	// verification itself sits outside the core; with this false any
	// caller is accepted.
	Authentication bool
}

// Dispatcher is the Session Control entity: an object table plus, for every
// live Connection, the Application (module) or processApp (subprocess) that
// owns it. It implements nsp.Owner directly — an accepted connection's
// owner is the Dispatcher, which forwards to the correct Application by
// looking up which object accepted it.
type Dispatcher struct {
	Log *logrus.Entry

	node *sched.Node

	nspMu  sync.Mutex
	nspEnt *nsp.NSP

	mu        sync.Mutex
	byNumber  map[int]*ObjectDesc
	byName    map[string]*ObjectDesc
	processes map[string]*processApp

	owners map[*nsp.Connection]ownerEntry
}

// ownerEntry remembers which application owns a connection and under what
// object name it was reached.
type ownerEntry struct {
	app     Application
	objName string
}

// NewDispatcher returns an empty Session Control object table. node may be
// nil in unit tests; it is required for "file" objects, whose pipe traffic
// is serialized through the node's work queue.
func NewDispatcher(log *logrus.Entry, node *sched.Node) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		Log:      log.WithField("layer", "session"),
		node:     node,
		byNumber: make(map[int]*ObjectDesc), byName: make(map[string]*ObjectDesc),
		processes: make(map[string]*processApp),
		owners:    make(map[*nsp.Connection]ownerEntry),
	}
}

// Register adds an object to the table. A module object must set App; a
// process ("file") object must set File and leave App nil — its
// Application is a processApp constructed lazily on first connect.
func (d *Dispatcher) Register(desc ObjectDesc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := desc
	if cp.Number != 0 {
		d.byNumber[cp.Number] = &cp
	}
	if cp.Name != "" {
		d.byName[strings.ToUpper(cp.Name)] = &cp
	}
}

// lookup resolves an object by number first, then by name, spec.md §4.H.
func (d *Dispatcher) lookup(number int, name string) (*ObjectDesc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if number != 0 {
		if desc, ok := d.byNumber[number]; ok {
			return desc, true
		}
	}
	if name != "" {
		if desc, ok := d.byName[strings.ToUpper(name)]; ok {
			return desc, true
		}
	}
	return nil, false
}

// appFor resolves the Application for desc, spawning the backing subprocess
// the first time a "file" object is addressed.
func (d *Dispatcher) appFor(desc *ObjectDesc) (Application, error) {
	if desc.App != nil {
		return desc.App, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := desc.Name
	if key == "" {
		key = desc.File
	}
	if p, ok := d.processes[key]; ok {
		return p, nil
	}
	p, err := newProcessApp(d, desc)
	if err != nil {
		return nil, err
	}
	d.processes[key] = p
	return p, nil
}

// dropProcess purges a dead subprocess so the next connect relaunches it.
func (d *Dispatcher) dropProcess(p *processApp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, q := range d.processes {
		if q == p {
			delete(d.processes, key)
		}
	}
}

// OnConnectInit implements nsp.ConnectListener: it parses the session
// control connect data, resolves the target object, registers the
// Connection with NSP, and hands the connect event to the resolved
// Application. A malformed payload, an object miss, or a subprocess that
// fails to start is rejected before any Connection is ever allocated.
func (d *Dispatcher) OnConnectInit(n *nsp.NSP, peer addr.NodeId, remote nsp.LinkAddr, m nsp.ConnInit) {
	d.SetNSP(n)
	cd, err := DecodeConnData(m.Payload)
	if err != nil {
		d.Log.WithError(err).Debug("sc: malformed connect data")
		n.RejectConnInit(peer, remote, RejectBadFormat)
		return
	}
	desc, ok := d.lookup(int(cd.Dst.Num), cd.Dst.Name)
	if !ok {
		d.Log.WithFields(logrus.Fields{"num": cd.Dst.Num, "name": cd.Dst.Name}).
			Debug("sc: reject, no such object")
		n.RejectConnInit(peer, remote, RejectNoObject)
		return
	}
	if desc.Authentication && !cd.Auth {
		d.Log.WithField("object", desc.Name).Debug("sc: reject, credentials required")
		n.RejectConnInit(peer, remote, RejectAccess)
		return
	}
	app, err := d.appFor(desc)
	if err != nil {
		d.Log.WithError(err).WithField("object", desc.Name).Error("sc: application unavailable")
		n.RejectConnInit(peer, remote, nsp.ReasonNoRes)
		return
	}
	conn, err := n.AcceptConnInit(d, peer, remote, m)
	if err != nil {
		return // NSP already replied NoRes from the reserved port
	}
	objName := desc.Name
	if objName == "" {
		objName = cd.Dst.Name
	}
	d.mu.Lock()
	d.owners[conn] = ownerEntry{app: app, objName: objName}
	d.mu.Unlock()
	app.OnConnect(conn, objName, cd.UserData)
}

// SetNSP records the NSP entity subprocess-originated connects go through.
func (d *Dispatcher) SetNSP(n *nsp.NSP) {
	d.nspMu.Lock()
	d.nspEnt = n
	d.nspMu.Unlock()
}

func (d *Dispatcher) nspEntity() *nsp.NSP {
	d.nspMu.Lock()
	defer d.nspMu.Unlock()
	return d.nspEnt
}

// Connect opens an outbound logical link to the named object on peer,
// owned by app.
func (d *Dispatcher) Connect(n *nsp.NSP, peer addr.NodeId, dst EndUser, app Application, userData []byte) (*nsp.Connection, error) {
	payload := ConnData{Dst: dst, Src: EndUser{Format: FmtNumber}, UserData: userData}.Encode()
	conn, err := n.Connect(d, peer, payload)
	if err != nil {
		return nil, err
	}
	d.BindOutbound(conn, app)
	return conn, nil
}

// BindOutbound associates conn (created by Dispatcher.Connect) with app, so
// later nsp.Owner callbacks route to it.
func (d *Dispatcher) BindOutbound(conn *nsp.Connection, app Application) {
	d.mu.Lock()
	d.owners[conn] = ownerEntry{app: app}
	d.mu.Unlock()
}

func (d *Dispatcher) ownerOf(conn *nsp.Connection) (ownerEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ent, ok := d.owners[conn]
	return ent, ok
}

func (d *Dispatcher) forget(conn *nsp.Connection) {
	d.mu.Lock()
	delete(d.owners, conn)
	d.mu.Unlock()
}

// The methods below implement nsp.Owner by forwarding to whichever
// Application owns the connection.

func (d *Dispatcher) OnConnect(conn *nsp.Connection, data []byte) {
	if ent, ok := d.ownerOf(conn); ok {
		ent.app.OnConnect(conn, ent.objName, data)
	}
}

func (d *Dispatcher) OnAccept(conn *nsp.Connection, data []byte) {
	if ent, ok := d.ownerOf(conn); ok {
		ent.app.OnAccept(conn, data)
	}
}

func (d *Dispatcher) OnData(conn *nsp.Connection, data []byte) {
	if ent, ok := d.ownerOf(conn); ok {
		ent.app.OnData(conn, data)
	}
}

func (d *Dispatcher) OnInterrupt(conn *nsp.Connection, data []byte) {
	if ent, ok := d.ownerOf(conn); ok {
		ent.app.OnInterrupt(conn, data)
	}
}

func (d *Dispatcher) OnDisconnect(conn *nsp.Connection, reason uint16, data []byte) {
	if ent, ok := d.ownerOf(conn); ok {
		ent.app.OnDisconnect(conn, reason, data)
	}
	d.forget(conn)
}
