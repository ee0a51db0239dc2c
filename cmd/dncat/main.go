// Command dncat opens an outbound NSP logical link to an object on a peer
// DECnet node over a single DDCMP circuit, relaying stdin to the connection
// and the connection's data back to stdout — a DECnet-shaped netcat,
// generalized from cmd/iecat's dial-and-relay pattern in the teacher.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/datalink"
	"github.com/pkoning2/godecnet/ddcmp"
	"github.com/pkoning2/godecnet/nsp"
	"github.com/pkoning2/godecnet/routing"
	"github.com/pkoning2/godecnet/sc"
	"github.com/pkoning2/godecnet/sched"
)

// stdioApp forwards one Connection's lifecycle to process stdin/stdout: it
// is the client-side mirror of sc's subprocess pipe relay, but talks to the
// OS process's own stdio rather than a subprocess's.
type stdioApp struct {
	done chan struct{}
}

func (a *stdioApp) OnConnect(c *nsp.Connection, objName string, data []byte) {}

func (a *stdioApp) OnAccept(c *nsp.Connection, data []byte) {
	if len(data) > 0 {
		os.Stdout.Write(data)
	}
	go a.pump(c)
}

func (a *stdioApp) OnData(c *nsp.Connection, data []byte) {
	os.Stdout.Write(data)
}

func (a *stdioApp) OnInterrupt(c *nsp.Connection, data []byte) {}

func (a *stdioApp) OnDisconnect(c *nsp.Connection, reason uint16, data []byte) {
	if reason != 0 {
		fmt.Fprintf(os.Stderr, "dncat: disconnected: %s (%d)\n", sc.ReasonText(reason), reason)
	}
	close(a.done)
}

// pump relays stdin to the connection. It runs on its own goroutine; the
// Connection methods it calls still execute their protocol work through
// the owning node, per the background-pump contract.
func (a *stdioApp) pump(c *nsp.Connection) {
	r := bufio.NewReader(os.Stdin)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.Send(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintln(os.Stderr, "dncat: stdin:", err)
			}
			c.Disconnect(0, nil)
			return
		}
	}
}

func main() {
	var (
		localNode string
		peerNode  string
		connect   string
		object    string
		serial    bool
	)

	root := &cobra.Command{
		Use:   "dncat",
		Short: "Connect to a DECnet object over a DDCMP circuit and relay stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := addr.ParseNodeId(localNode)
			if err != nil {
				return fmt.Errorf("--local-node: %w", err)
			}
			peer, err := addr.ParseNodeId(peerNode)
			if err != nil {
				return fmt.Errorf("--peer-node: %w", err)
			}
			return runClient(local, peer, connect, object, serial)
		},
	}

	flags := root.Flags()
	flags.StringVar(&localNode, "local-node", "", "this node's address, area.node or node")
	flags.StringVar(&peerNode, "peer-node", "", "peer node's address, area.node or node")
	flags.StringVar(&connect, "connect", "", "TCP address of the DDCMP peer to dial")
	flags.StringVar(&object, "object", "MIRROR", "object name to connect to")
	flags.BoolVar(&serial, "serial", false, "use async serial framing (no leading SYN fill) over the TCP connection")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runClient(local, peer addr.NodeId, connectAddr, object string, serial bool) error {
	conn, err := net.Dial("tcp", connectAddr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	mode := ddcmp.ModeTCP
	if serial {
		mode = ddcmp.ModeSerial
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	sn := sched.NewNode("dncat", log, 0)

	circuit := ddcmp.NewCircuit("client", log, sn, &ddcmp.Config{Mode: mode}, conn)
	ptpCfg := &routing.Config{SrcNode: local, NodeType: routing.NtypeEndnode, NodeName: "dncat", SysVer: "godecnet"}
	ptp := routing.NewPtpCircuit("client", log, sn, ptpCfg, circuit, nil)
	circuit.CreatePort(ptp)

	n := nsp.NewNSP(log, sn, &ptpRouterClient{circuit: ptp})
	disp := sc.NewDispatcher(log, sn)
	disp.SetNSP(n)
	n.SetConnectListener(disp)

	app := &stdioApp{done: make(chan struct{})}
	up := &upWatcher{NSP: n, onUp: func() {
		dst := sc.EndUser{Format: sc.FmtName, Name: object}
		if _, err := disp.Connect(n, peer, dst, app, nil); err != nil {
			fmt.Fprintln(os.Stderr, "dncat:", err)
			close(app.done)
		}
	}}
	ptp.SetOwner(up)

	sn.AddWork(startWork{ptp})

	go sn.Run()
	<-app.done
	sn.Stop()
	return nil
}

// startWork brings the circuit up on the node goroutine.
type startWork struct{ ptp *routing.PtpCircuit }

func (s startWork) Owner() sched.Owner  { return s }
func (s startWork) Dispatch(sched.Work) { s.ptp.Start() }

type ptpRouterClient struct {
	circuit *routing.PtpCircuit
}

func (r *ptpRouterClient) Send(dst addr.NodeId, payload []byte) error {
	return r.circuit.Send(payload)
}

// Peer satisfies nsp's optional peer-aware Router extension: a single
// circuit has exactly one possible neighbor.
func (r *ptpRouterClient) Peer() addr.NodeId {
	return r.circuit.Peer()
}

// upWatcher sits between PtpCircuit and NSP to catch the one-time
// DlStatus(Up) transition and fire onUp, since NSP itself only reacts to
// datalink.Received work items.
type upWatcher struct {
	*nsp.NSP
	onUp  func()
	fired bool
}

func (u *upWatcher) Dispatch(w sched.Work) {
	if status, ok := w.(datalink.DlStatus); ok {
		if status.Status == datalink.StatusUp && !u.fired {
			u.fired = true
			u.onUp()
		}
		return
	}
	u.NSP.Dispatch(w)
}
