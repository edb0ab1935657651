// Package repl is the line-oriented command front end of a virtual host.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"inetcore/pkg/inet"
	"inetcore/pkg/ipstack"
	"inetcore/pkg/link"
	"inetcore/pkg/logging"
	"inetcore/pkg/ping"
	"inetcore/pkg/socket"
)

const prompt = "> "

// NeighborLister is implemented by links with a neighbor table.
type NeighborLister interface {
	Neighbors() []link.Neighbor
}

type REPL struct {
	stack     *ipstack.Stack
	neighbors NeighborLister
	log       *slog.Logger
	out       io.Writer

	pingSock *socket.Socket
	pinger   *ping.Pinger
	sendSock *socket.Socket
}

// New creates a REPL on stack. neighbors may be nil. It opens a raw socket
// for ping that Close releases.
func New(stack *ipstack.Stack, neighbors NeighborLister, cfg ping.Config, out io.Writer, log *slog.Logger) (*REPL, error) {
	sock, err := socket.New(stack, socket.AFInet, socket.TypeRaw)
	if err != nil {
		return nil, errors.Wrap(err, "open ping socket")
	}
	log = logging.OrNop(log).With(logging.KeyComponent, "repl")
	return &REPL{
		stack:     stack,
		neighbors: neighbors,
		log:       log,
		out:       out,
		pingSock:  sock,
		pinger:    ping.NewPinger(sock, cfg, ping.WithLogger(log), ping.WithMetrics(stack.Metrics())),
	}, nil
}

func (r *REPL) Close() error {
	if r.sendSock != nil {
		r.sendSock.Close()
	}
	return r.pingSock.Close()
}

// Run executes commands from in until it is exhausted or "exit" is read.
func (r *REPL) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, prompt)
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "q" {
			return nil
		}
		r.Exec(line)
	}
}

// Exec runs one command line.
func (r *REPL) Exec(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "ping":
		r.ping(args[1:])
	case "send":
		r.send(line)
	case "li":
		r.interfaces()
	case "ln":
		r.listNeighbors()
	case "ls":
		r.listSockets()
	case "stats":
		r.stats()
	case "help":
		fmt.Fprintln(r.out, "Commands: ping <remote host>, send <addr:port> <message>, li, ln, ls, stats, exit")
	default:
		fmt.Fprintf(r.out, "Unknown command '%s'.\n", args[0])
	}
}

func (r *REPL) ping(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(r.out, "Usage: ping <remote host>")
		return
	}
	dst, err := netip.ParseAddr(args[0])
	if err != nil || !dst.Is4() {
		fmt.Fprintf(r.out, "Bad ip address '%s'.\n", args[0])
		return
	}
	rtt, err := r.pinger.Ping(dst)
	if err != nil {
		r.log.Warn("ping failed", logging.KeyRemoteAddr, dst, logging.KeyError, err)
		fmt.Fprintf(r.out, "Failed to ping '%s'.\n", dst)
		return
	}
	fmt.Fprintf(r.out, "Successfully pinged '%s' in %d ms.\n", dst, rtt.Milliseconds())
}

func (r *REPL) send(line string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		fmt.Fprintln(r.out, "Usage: send <addr:port> <message>")
		return
	}
	to, err := inet.ParseAddr(parts[1])
	if err != nil || to.Port == 0 {
		fmt.Fprintf(r.out, "Bad address '%s'.\n", parts[1])
		return
	}
	if r.sendSock == nil {
		sock, err := socket.New(r.stack, socket.AFInet, socket.TypeDgram)
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return
		}
		r.sendSock = sock
	}
	n, err := r.sendSock.SendTo([]byte(parts[2]), to)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(r.out, "Sent %s to %s\n", humanize.Bytes(uint64(n)), to)
}

func (r *REPL) interfaces() {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Name\tAddr\tState")
	fmt.Fprintf(w, "if0\t%s\tup\n", r.stack.Addr())
	w.Flush()
}

func (r *REPL) listNeighbors() {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Iface\tVIP\tUDPAddr")
	if r.neighbors != nil {
		for _, n := range r.neighbors.Neighbors() {
			fmt.Fprintf(w, "if0\t%s\t%s\n", n.IP, n.UDP)
		}
	}
	w.Flush()
}

func (r *REPL) listSockets() {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Proto\tLocal\tRemote\tState\tRecv-Q\tDrops")
	for _, e := range r.stack.Endpoints() {
		remote := "*"
		if e.Remote.IsValid() {
			remote = e.Remote.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", e.Proto, e.Local, remote, e.State, e.RecvQ, humanize.Comma(int64(e.Drops)))
	}
	w.Flush()
}

func (r *REPL) stats() {
	s := r.pinger.Stats()
	fmt.Fprintf(r.out, "%s sent, %s received, %s%% loss\n",
		humanize.Comma(int64(s.Sent)), humanize.Comma(int64(s.Received)), humanize.Ftoa(s.Loss()*100))
	if s.Received > 0 {
		fmt.Fprintf(r.out, "rtt min/srtt/max = %v/%v/%v\n", s.Min, s.SRTT, s.Max)
	}
}
